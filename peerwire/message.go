package peerwire

import (
	"encoding/binary"
	"io"
)

// id is the single-byte message type tag on the wire (spec.md §3/§4.D).
type id uint8

const (
	idChoke id = iota
	idUnchoke
	idInterested
	idNotInterested
	idHave
	idBitfield
	idRequest
	idPiece
	idCancel
	idPort
)

// Message is the closed sum type of peer-wire messages. Each variant
// carries exactly the fields its wire form has, so (unlike a fused
// {Type, Payload} struct) an invalid combination such as a Have with
// no index is not representable.
type Message interface {
	isMessage()
}

// KeepAlive is the zero-length message sent to hold a connection open.
type KeepAlive struct{}

type Choke struct{}
type Unchoke struct{}
type Interested struct{}
type NotInterested struct{}

// Have announces that the sender now has piece Index.
type Have struct {
	Index int
}

// Bitfield announces the full set of pieces the sender has.
type Bitfield struct {
	Bits []byte
}

// Request asks for Length bytes of piece Index starting at Begin.
type Request struct {
	Index  int
	Begin  int
	Length int
}

// Piece carries one block of piece Index starting at Begin.
type Piece struct {
	Index int
	Begin int
	Block []byte
}

// Cancel withdraws a previously sent Request.
type Cancel struct {
	Index  int
	Begin  int
	Length int
}

// Port announces the sender's DHT port (BEP 5).
type Port struct {
	Port uint16
}

func (KeepAlive) isMessage()     {}
func (Choke) isMessage()         {}
func (Unchoke) isMessage()       {}
func (Interested) isMessage()    {}
func (NotInterested) isMessage() {}
func (Have) isMessage()          {}
func (Bitfield) isMessage()      {}
func (Request) isMessage()       {}
func (Piece) isMessage()         {}
func (Cancel) isMessage()        {}
func (Port) isMessage()          {}

// ReadMessage reads one message from r. A zero-length prefix is
// returned as KeepAlive{} rather than skipped, so a caller resetting an
// idle timer observes every keepalive as its own event.
func ReadMessage(r io.Reader) (Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, &Error{Kind: Io, Msg: "reading length prefix", Err: err}
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return KeepAlive{}, nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, &Error{Kind: Io, Msg: "reading message body", Err: err}
	}
	return parseBody(body)
}

// ParseMessage decodes a single length-prefixed message already fully
// present in buf.
func ParseMessage(buf []byte) (Message, error) {
	if len(buf) < 4 {
		return nil, newError(InvalidLength, "buffer shorter than length prefix")
	}
	length := binary.BigEndian.Uint32(buf[:4])
	if length == 0 {
		return KeepAlive{}, nil
	}
	if uint32(len(buf)-4) < length {
		return nil, newError(InvalidLength, "buffer shorter than declared length")
	}
	return parseBody(buf[4 : 4+length])
}

func parseBody(body []byte) (Message, error) {
	if len(body) == 0 {
		return nil, newError(MissingPayload, "message body has no id byte")
	}
	msgID := id(body[0])
	payload := body[1:]
	switch msgID {
	case idChoke:
		return Choke{}, nil
	case idUnchoke:
		return Unchoke{}, nil
	case idInterested:
		return Interested{}, nil
	case idNotInterested:
		return NotInterested{}, nil
	case idHave:
		if len(payload) != 4 {
			return nil, newError(InvalidPayload, "have payload must be 4 bytes")
		}
		return Have{Index: int(binary.BigEndian.Uint32(payload))}, nil
	case idBitfield:
		bits := make([]byte, len(payload))
		copy(bits, payload)
		return Bitfield{Bits: bits}, nil
	case idRequest:
		if len(payload) != 12 {
			return nil, newError(InvalidPayload, "request payload must be 12 bytes")
		}
		return Request{
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}, nil
	case idPiece:
		if len(payload) < 8 {
			return nil, newError(InvalidPayload, "piece payload must be at least 8 bytes")
		}
		block := make([]byte, len(payload)-8)
		copy(block, payload[8:])
		return Piece{
			Index: int(binary.BigEndian.Uint32(payload[0:4])),
			Begin: int(binary.BigEndian.Uint32(payload[4:8])),
			Block: block,
		}, nil
	case idCancel:
		if len(payload) != 12 {
			return nil, newError(InvalidPayload, "cancel payload must be 12 bytes")
		}
		return Cancel{
			Index:  int(binary.BigEndian.Uint32(payload[0:4])),
			Begin:  int(binary.BigEndian.Uint32(payload[4:8])),
			Length: int(binary.BigEndian.Uint32(payload[8:12])),
		}, nil
	case idPort:
		if len(payload) != 2 {
			return nil, newError(InvalidPayload, "port payload must be 2 bytes")
		}
		return Port{Port: binary.BigEndian.Uint16(payload)}, nil
	default:
		return nil, newError(InvalidId, "unrecognised message id")
	}
}

// Marshal returns the length-prefixed wire form of m.
func Marshal(m Message) []byte {
	switch v := m.(type) {
	case KeepAlive:
		return []byte{0, 0, 0, 0}
	case Choke:
		return frame(idChoke, nil)
	case Unchoke:
		return frame(idUnchoke, nil)
	case Interested:
		return frame(idInterested, nil)
	case NotInterested:
		return frame(idNotInterested, nil)
	case Have:
		payload := make([]byte, 4)
		binary.BigEndian.PutUint32(payload, uint32(v.Index))
		return frame(idHave, payload)
	case Bitfield:
		return frame(idBitfield, v.Bits)
	case Request:
		payload := make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(v.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(v.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(v.Length))
		return frame(idRequest, payload)
	case Piece:
		payload := make([]byte, 8+len(v.Block))
		binary.BigEndian.PutUint32(payload[0:4], uint32(v.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(v.Begin))
		copy(payload[8:], v.Block)
		return frame(idPiece, payload)
	case Cancel:
		payload := make([]byte, 12)
		binary.BigEndian.PutUint32(payload[0:4], uint32(v.Index))
		binary.BigEndian.PutUint32(payload[4:8], uint32(v.Begin))
		binary.BigEndian.PutUint32(payload[8:12], uint32(v.Length))
		return frame(idCancel, payload)
	case Port:
		payload := make([]byte, 2)
		binary.BigEndian.PutUint16(payload, v.Port)
		return frame(idPort, payload)
	default:
		panic("peerwire: unknown Message type")
	}
}

func frame(msgID id, payload []byte) []byte {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf, length)
	buf[4] = byte(msgID)
	copy(buf[5:], payload)
	return buf
}
