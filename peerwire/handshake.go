// Package peerwire implements the BitTorrent peer wire protocol: the
// fixed-size handshake and the length-prefixed message stream that
// follows it.
package peerwire

import (
	"fmt"
)

// Protocol is the protocol name carried in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the wire size of a handshake: 1 (name length) +
// 19 (name) + 8 (reserved) + 20 (info hash) + 20 (peer id).
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Reserved extension bits (BEP 5 DHT, BEP 10 extended messaging).
const (
	ExtensionDHT      = 0x01 // reserved[7] bit 0
	ExtensionExtended = 0x10 // reserved[5] bit 4
)

// Handshake is the initial 68-byte exchange identifying a torrent and
// a peer.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Reserved [8]byte
}

// MarshalBinary encodes h to its 68-byte wire form.
func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	copy(buf[1+len(Protocol):], h.Reserved[:])
	copy(buf[1+len(Protocol)+8:], h.InfoHash[:])
	copy(buf[1+len(Protocol)+8+20:], h.PeerID[:])
	return buf, nil
}

// ParseHandshake decodes a handshake from its wire form. The protocol
// name length is read from the wire rather than assumed, so a peer
// advertising a different (non-BitTorrent) protocol is rejected with a
// descriptive error instead of silently misreading the rest of the
// message.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) < 1 {
		return Handshake{}, fmt.Errorf("peerwire: empty handshake")
	}
	protocolLen := int(buf[0])
	want := 1 + protocolLen + 8 + 20 + 20
	if len(buf) < want {
		return Handshake{}, fmt.Errorf("peerwire: handshake truncated: want %d bytes, got %d", want, len(buf))
	}
	name := string(buf[1 : 1+protocolLen])
	if name != Protocol {
		return Handshake{}, fmt.Errorf("peerwire: unrecognised protocol %q", name)
	}
	var h Handshake
	copy(h.Reserved[:], buf[1+protocolLen:1+protocolLen+8])
	copy(h.InfoHash[:], buf[1+protocolLen+8:1+protocolLen+8+20])
	copy(h.PeerID[:], buf[1+protocolLen+8+20:1+protocolLen+8+20+20])
	return h, nil
}

// CompatibleWith reports whether h and other carry the same info hash,
// the only field a peer is required to match before a connection
// proceeds.
func (h Handshake) CompatibleWith(other Handshake) bool {
	return h.InfoHash == other.InfoHash
}

// NewHandshake builds a handshake advertising DHT and extended-message
// support for infoHash and id.
func NewHandshake(infoHash, id [20]byte) Handshake {
	var reserved [8]byte
	reserved[5] = ExtensionExtended
	reserved[7] = ExtensionDHT
	return Handshake{InfoHash: infoHash, PeerID: id, Reserved: reserved}
}

// SupportsDHT reports whether the peer's reserved bits advertise BEP 5.
func (h Handshake) SupportsDHT() bool {
	return h.Reserved[7]&ExtensionDHT != 0
}

// SupportsExtended reports whether the peer's reserved bits advertise
// BEP 10 extended messaging.
func (h Handshake) SupportsExtended() bool {
	return h.Reserved[5]&ExtensionExtended != 0
}
