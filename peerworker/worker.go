// Package peerworker drives one peer connection's handshake, bitfield
// exchange, and block-pipelined download loop against a shared piece
// manager.
package peerworker

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/halvorsen/gorent/peerwire"
	"github.com/halvorsen/gorent/piecemgr"
)

// State is the per-peer connection state (spec.md §4.G).
type State int

const (
	Disconnected State = iota
	Choked
	Interested
	Downloading
	Idle
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Choked:
		return "choked"
	case Interested:
		return "interested"
	case Downloading:
		return "downloading"
	case Idle:
		return "idle"
	default:
		return "unknown"
	}
}

const (
	blockSize      = 1 << 14 // 16 KiB
	maxInFlight    = 5
	roundTripLimit = 30 * time.Second
	idleKeepAlive  = 2 * time.Minute
)

// Worker owns one TCP connection to one peer and drives it through the
// handshake/bitfield/work-loop lifecycle of spec.md §4.G.
type Worker struct {
	Addr   string
	Conn   net.Conn
	State  State
	Logger *zap.Logger

	local        peerwire.Handshake
	peerBitfield piecemgr.Bitfield
}

// New returns a Worker ready to Run against addr using the given local
// handshake (info hash + peer id already populated by the caller).
func New(addr string, local peerwire.Handshake, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{Addr: addr, local: local, Logger: logger, State: Disconnected}
}

// Run drives the full connect → handshake → bitfield → work-loop →
// teardown lifecycle against pm. It returns nil on a clean work-loop
// exhaustion (no more pieces to fetch) and a non-nil *Error on any
// worker-fatal condition; in both cases the socket is closed and any
// InProgress piece this worker held is cancelled before returning
// (spec.md §5 cancellation guarantee).
func (w *Worker) Run(ctx context.Context, pm *piecemgr.Manager) error {
	heldIndex := -1
	defer func() {
		if heldIndex >= 0 {
			pm.CancelPiece(heldIndex)
		}
		if w.Conn != nil {
			w.Conn.Close()
		}
		w.State = Disconnected
	}()

	if err := w.connect(ctx); err != nil {
		return err
	}
	if err := w.exchangeBitfield(pm); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		index, ok := pm.GetNextPiece(w.peerBitfield)
		if !ok {
			w.State = Idle
			return nil
		}
		heldIndex = index

		if w.State != Interested && w.State != Downloading {
			if err := w.becomeInterested(); err != nil {
				return err
			}
		}

		size := pm.PieceSize(index)
		data, err := w.downloadPiece(index, size)
		if err != nil {
			return err
		}

		heldIndex = -1
		if !pm.AddPiece(index, data) {
			w.Logger.Warn("piece failed hash verification", zap.Int("index", index), zap.String("peer", w.Addr))
			continue
		}
		w.Logger.Debug("piece completed", zap.Int("index", index), zap.String("peer", w.Addr))
		if err := w.send(peerwire.Have{Index: index}); err != nil {
			return err
		}
	}
}

func (w *Worker) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", w.Addr)
	if err != nil {
		return &Error{Kind: Network, Msg: "dial", Err: err}
	}
	w.Conn = conn

	buf, err := w.local.MarshalBinary()
	if err != nil {
		return &Error{Kind: Network, Msg: "marshalling local handshake", Err: err}
	}
	conn.SetDeadline(time.Now().Add(roundTripLimit))
	if _, err := conn.Write(buf); err != nil {
		return &Error{Kind: Network, Msg: "writing handshake", Err: err}
	}

	received := make([]byte, peerwire.HandshakeSize)
	if _, err := ioReadFull(conn, received); err != nil {
		return &Error{Kind: Network, Msg: "reading handshake", Err: err}
	}
	remote, err := peerwire.ParseHandshake(received)
	if err != nil {
		return &Error{Kind: InvalidHandshake, Msg: "parsing remote handshake", Err: err}
	}
	if !w.local.CompatibleWith(remote) {
		return &Error{Kind: InvalidHandshake, Msg: "info hash mismatch"}
	}
	conn.SetDeadline(time.Time{})
	w.State = Choked
	return nil
}

func (w *Worker) exchangeBitfield(pm *piecemgr.Manager) error {
	if err := w.send(peerwire.Bitfield{Bits: pm.GetBitfield()}); err != nil {
		return err
	}
	w.peerBitfield = piecemgr.NewBitfield(pm.NumPieces())

	w.Conn.SetDeadline(time.Now().Add(roundTripLimit))
	defer w.Conn.SetDeadline(time.Time{})
	msg, err := peerwire.ReadMessage(w.Conn)
	if err != nil {
		return &Error{Kind: Network, Msg: "reading first message", Err: err}
	}
	switch m := msg.(type) {
	case peerwire.Bitfield:
		w.peerBitfield = piecemgr.Bitfield(m.Bits)
	case peerwire.Have:
		w.peerBitfield.Set(m.Index)
	default:
		// Other messages ahead of Bitfield are valid per the protocol
		// but out of scope here: the peer is simply assumed to have
		// nothing yet.
	}
	return nil
}

func (w *Worker) becomeInterested() error {
	if err := w.send(peerwire.Interested{}); err != nil {
		return err
	}
	w.State = Interested

	deadline := time.Now().Add(roundTripLimit)
	for time.Now().Before(deadline) {
		w.Conn.SetDeadline(deadline)
		msg, err := peerwire.ReadMessage(w.Conn)
		if err != nil {
			w.Conn.SetDeadline(time.Time{})
			return &Error{Kind: Network, Msg: "waiting for unchoke", Err: err}
		}
		switch m := msg.(type) {
		case peerwire.Unchoke:
			w.Conn.SetDeadline(time.Time{})
			w.State = Downloading
			return nil
		case peerwire.Choke:
			w.State = Choked
		case peerwire.Have:
			w.peerBitfield.Set(m.Index)
		case peerwire.KeepAlive:
			// always valid; keeps the deadline loop going
		}
	}
	w.Conn.SetDeadline(time.Time{})
	return &Error{Kind: Network, Msg: "timed out waiting for unchoke"}
}

// downloadPiece pipelines up to maxInFlight block requests at a time,
// accumulating replies by their Begin offset until the full piece is
// resident.
func (w *Worker) downloadPiece(index int, size int64) ([]byte, error) {
	w.Conn.SetDeadline(time.Now().Add(roundTripLimit))
	defer w.Conn.SetDeadline(time.Time{})

	buf := make([]byte, size)
	var downloaded, nextRequest, inFlight int64

	for downloaded < size {
		for inFlight < maxInFlight && nextRequest < size {
			length := int64(blockSize)
			if nextRequest+length > size {
				length = size - nextRequest
			}
			req := peerwire.Request{Index: index, Begin: int(nextRequest), Length: int(length)}
			if err := w.send(req); err != nil {
				return nil, err
			}
			nextRequest += length
			inFlight++
		}

		msg, err := peerwire.ReadMessage(w.Conn)
		if err != nil {
			return nil, &Error{Kind: Network, Msg: "reading block", Err: err}
		}
		piece, ok := msg.(peerwire.Piece)
		if !ok {
			if _, isKeepAlive := msg.(peerwire.KeepAlive); isKeepAlive {
				continue
			}
			if _, isChoke := msg.(peerwire.Choke); isChoke {
				w.State = Choked
				continue
			}
			return nil, &Error{Kind: Protocol, Msg: fmt.Sprintf("unexpected message %T while downloading", msg)}
		}
		if piece.Index != index {
			continue
		}
		if int64(piece.Begin)+int64(len(piece.Block)) > size {
			return nil, &Error{Kind: Protocol, Msg: "block exceeds piece bounds"}
		}
		copy(buf[piece.Begin:], piece.Block)
		downloaded += int64(len(piece.Block))
		inFlight--
		w.Conn.SetDeadline(time.Now().Add(roundTripLimit))
	}
	return buf, nil
}

func (w *Worker) send(m peerwire.Message) error {
	if _, err := w.Conn.Write(peerwire.Marshal(m)); err != nil {
		return &Error{Kind: Network, Msg: "writing message", Err: err}
	}
	return nil
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// NewPeerID generates a 20-byte peer id using the "-GR0100-" client
// prefix (BEP 20 convention) followed by 12 random bytes (spec.md §9:
// peer-id generation is unspecified; any 20-byte identifier with a
// client-prefix convention is acceptable).
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-GR0100-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}
