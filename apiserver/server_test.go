package apiserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/halvorsen/gorent/metainfo"
	"github.com/halvorsen/gorent/piecemgr"
	"github.com/halvorsen/gorent/session"
	"github.com/halvorsen/gorent/tracker"
)

func newTestTorrent(t *testing.T, numPieces int) *Torrent {
	t.Helper()
	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")

	hashes := make([][20]byte, numPieces)
	mgr := piecemgr.NewManager(piecemgr.Config{
		InfoHash:       infoHash,
		ExpectedHashes: hashes,
		PieceLength:    4,
		TotalLength:    int64(numPieces) * 4,
	})

	mi := &metainfo.Metainfo{
		Announce: "http://example.invalid/announce",
		InfoHash: infoHash,
		Info:     metainfo.Info{Name: "movie.mp4", PieceLength: 4, Pieces: hashes, Length: int64(numPieces) * 4},
	}
	var peerID [20]byte
	copy(peerID[:], "-GR0100-abcdefghijkl")

	sess := session.New(session.Config{
		Metainfo:    mi,
		LocalPeerID: peerID,
		ListenPort:  6881,
		Manager:     mgr,
		Tracker:     tracker.NewClient(),
	})

	return NewTorrent("movie.mp4", mgr, sess)
}

func TestListTorrentsReturnsRegistered(t *testing.T) {
	reg := NewRegistry()
	reg.Register(newTestTorrent(t, 4))
	srv := NewServer(reg, nil, nil)

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/torrents")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}

	var statuses []TorrentStatus
	if err := json.NewDecoder(resp.Body).Decode(&statuses); err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(statuses) != 1 {
		t.Fatalf("expected 1 torrent, got %d", len(statuses))
	}
	if statuses[0].Name != "movie.mp4" {
		t.Errorf("unexpected name: %q", statuses[0].Name)
	}
	if statuses[0].Pieces != 4 {
		t.Errorf("unexpected piece count: %d", statuses[0].Pieces)
	}
}

func TestGetTorrentUnknownHashReturns404(t *testing.T) {
	reg := NewRegistry()
	srv := NewServer(reg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/torrents/deadbeef")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStopTorrentReturnsNoContent(t *testing.T) {
	reg := NewRegistry()
	tor := newTestTorrent(t, 2)
	reg.Register(tor)
	srv := NewServer(reg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/torrents/"+tor.InfoHashHex()+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestDeleteTorrentRemovesItFromListing(t *testing.T) {
	reg := NewRegistry()
	tor := newTestTorrent(t, 2)
	reg.Register(tor)
	srv := NewServer(reg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/torrents/"+tor.InfoHashHex(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	if _, ok := reg.Get(tor.InfoHashHex()); ok {
		t.Fatal("expected the torrent to be removed from the registry after delete")
	}
}

func TestProgressStreamDeliversPieceCompletion(t *testing.T) {
	reg := NewRegistry()
	tor := newTestTorrent(t, 2)
	reg.Register(tor)
	srv := NewServer(reg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/torrents/" + tor.InfoHashHex() + "/progress"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("unexpected dial error: %v", err)
	}
	defer conn.Close()

	// The server subscribes the broadcaster just after completing the
	// upgrade handshake the dial above already waited on; give that
	// goroutine a moment to run before publishing.
	time.Sleep(50 * time.Millisecond)
	tor.broadcast.OnPieceCompleted(0, 2)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev ProgressEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("unexpected read error: %v", err)
	}
	if ev.Index != 0 || ev.Total != 2 {
		t.Errorf("unexpected event: %+v", ev)
	}
}
