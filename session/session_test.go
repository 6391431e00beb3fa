package session

import (
	"context"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/halvorsen/gorent/bencode"
	"github.com/halvorsen/gorent/internal/fsoutput"
	"github.com/halvorsen/gorent/metainfo"
	"github.com/halvorsen/gorent/piecemgr"
	"github.com/halvorsen/gorent/tracker"
)

type recordingListener struct {
	connected []string
	dropped   []string
}

func (l *recordingListener) OnPeerConnected(addr string)        { l.connected = append(l.connected, addr) }
func (l *recordingListener) OnPeerDropped(addr string, _ error) { l.dropped = append(l.dropped, addr) }
func (l *recordingListener) OnPieceCompleted(index, total int)  {}

func newTestSession(t *testing.T, serverURL string, listener ProgressListener) *Session {
	t.Helper()
	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")

	mi := &metainfo.Metainfo{
		Announce: serverURL,
		InfoHash: infoHash,
		Info: metainfo.Info{
			Name:        "x",
			PieceLength: 4,
			Pieces:      [][20]byte{{1}},
			Length:      4,
		},
	}
	pm := piecemgr.NewManager(piecemgr.Config{
		InfoHash:       infoHash,
		ExpectedHashes: mi.Info.Pieces,
		PieceLength:    4,
		TotalLength:    4,
	})
	var peerID [20]byte
	copy(peerID[:], "-GR0100-abcdefghijkl")

	return New(Config{
		Metainfo:    mi,
		LocalPeerID: peerID,
		ListenPort:  6881,
		Manager:     pm,
		Tracker:     tracker.NewClient(),
		Listener:    listener,
	})
}

func TestStartAnnouncesStartedAndStopped(t *testing.T) {
	events := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events <- r.URL.Query().Get("event")
		resp := bencode.Dict{
			"interval": bencode.Integer(1),
			"peers":    bencode.List{},
		}
		w.Write(bencode.Encode(resp))
	}))
	defer server.Close()

	listener := &recordingListener{}
	s := newTestSession(t, server.URL, listener)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case ev := <-events:
		if ev != "started" {
			t.Fatalf("expected the first announce event to be started, got %q", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the started announce")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start to return")
	}

	select {
	case ev := <-events:
		if ev != "stopped" {
			t.Fatalf("expected the teardown announce event to be stopped, got %q", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stopped announce")
	}
}

type fakePeerStore struct {
	known     []string
	recorded  []string
	loadCalls int
}

func (f *fakePeerStore) KnownPeers(ctx context.Context, infoHash [20]byte) ([]string, error) {
	f.loadCalls++
	return f.known, nil
}

func (f *fakePeerStore) RecordPeers(ctx context.Context, infoHash [20]byte, addrs []string) error {
	f.recorded = append(f.recorded, addrs...)
	return nil
}

func TestStartDialsKnownPeersBeforeFirstAnnounce(t *testing.T) {
	events := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events <- r.URL.Query().Get("event")
		resp := bencode.Dict{"interval": bencode.Integer(1), "peers": bencode.List{}}
		w.Write(bencode.Encode(resp))
	}))
	defer server.Close()

	store := &fakePeerStore{known: []string{"203.0.113.1:6881"}}
	s := newTestSession(t, server.URL, nil)
	s.cfg.PeerStore = store

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the started announce")
	}

	if got := s.ActivePeers(); len(got) != 1 || got[0] != "203.0.113.1:6881" {
		t.Fatalf("expected the known peer to be dialed before the first announce, got %v", got)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start to return")
	}
	<-events // stopped
}

func TestActivePeersEmptyWithNoPeers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := bencode.Dict{"interval": bencode.Integer(1), "peers": bencode.List{}}
		w.Write(bencode.Encode(resp))
	}))
	defer server.Close()

	s := newTestSession(t, server.URL, nil)
	if got := s.ActivePeers(); len(got) != 0 {
		t.Errorf("expected no active peers, got %v", got)
	}
	if err := s.Shutdown(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestStartAnnouncesCompletedOnceDownloadFinishes(t *testing.T) {
	piece := []byte("data")
	hash := sha1.Sum(piece)

	events := make(chan string, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		events <- r.URL.Query().Get("event")
		resp := bencode.Dict{"interval": bencode.Integer(1), "peers": bencode.List{}}
		w.Write(bencode.Encode(resp))
	}))
	defer server.Close()

	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")
	mi := &metainfo.Metainfo{
		Announce: server.URL,
		InfoHash: infoHash,
		Info: metainfo.Info{
			Name:        "x",
			PieceLength: 4,
			Pieces:      [][20]byte{hash},
			Length:      4,
		},
	}
	outPath := filepath.Join(t.TempDir(), "x")
	pm := piecemgr.NewManager(piecemgr.Config{
		InfoHash:       infoHash,
		ExpectedHashes: mi.Info.Pieces,
		PieceLength:    4,
		TotalLength:    4,
		OpenOutput: func() (piecemgr.Output, error) {
			return fsoutput.Open(outPath, 4)
		},
	})
	var peerID [20]byte
	copy(peerID[:], "-GR0100-abcdefghijkl")

	s := New(Config{
		Metainfo:    mi,
		LocalPeerID: peerID,
		ListenPort:  6881,
		Manager:     pm,
		Tracker:     tracker.NewClient(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	if ev := <-events; ev != "started" {
		t.Fatalf("expected the first announce event to be started, got %q", ev)
	}

	// Finish the download only after Start is already watching for it, so
	// watchCompletion's poll (not its immediate already-done check) fires
	// the completed announce.
	if !pm.AddPiece(0, piece) {
		t.Fatal("expected the piece to hash-verify")
	}

	select {
	case ev := <-events:
		if ev != "completed" {
			t.Fatalf("expected a completed announce once the download finished, got %q", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for the completed announce")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Start to return")
	}

	select {
	case ev := <-events:
		if ev != "stopped" {
			t.Fatalf("expected the teardown announce event to still be stopped after completing, got %q", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stopped announce")
	}
}
