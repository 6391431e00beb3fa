package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/halvorsen/gorent/piecemgr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resume.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLoadBitfieldNotFoundWhenNeverRegistered(t *testing.T) {
	s := openTestStore(t)
	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")

	_, found, err := s.LoadBitfield(context.Background(), infoHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Error("expected found=false for a never-registered download")
	}
}

func TestSaveAndLoadBitfieldRoundTrip(t *testing.T) {
	s := openTestStore(t)
	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")

	ctx := context.Background()
	if err := s.RegisterDownload(ctx, infoHash, "movie.mp4", "/tmp/out", 8, 16384, 100000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bf := piecemgr.NewBitfield(8)
	bf.Set(0)
	bf.Set(3)
	bf.Set(7)
	if err := s.SaveBitfield(ctx, infoHash, bf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	loaded, found, err := s.LoadBitfield(ctx, infoHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !found {
		t.Fatal("expected found=true after registering")
	}
	for _, idx := range []int{0, 3, 7} {
		if !loaded.Get(idx) {
			t.Errorf("expected piece %d to be set", idx)
		}
	}
	for _, idx := range []int{1, 2, 4, 5, 6} {
		if loaded.Get(idx) {
			t.Errorf("expected piece %d to be unset", idx)
		}
	}
}

func TestSaveBitfieldIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")
	ctx := context.Background()
	if err := s.RegisterDownload(ctx, infoHash, "x", "/tmp", 1, 1, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bf := piecemgr.NewBitfield(1)
	bf.Set(0)
	if err := s.SaveBitfield(ctx, infoHash, bf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.SaveBitfield(ctx, infoHash, bf); err != nil {
		t.Fatalf("unexpected error on re-save: %v", err)
	}
}

func TestRecordAndKnownPeers(t *testing.T) {
	s := openTestStore(t)
	var infoHash [20]byte
	copy(infoHash[:], "01234567890123456789")
	ctx := context.Background()

	if err := s.RecordPeers(ctx, infoHash, []string{"203.0.113.1:6881", "203.0.113.2:6882"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RecordPeers(ctx, infoHash, []string{"203.0.113.1:6881"}); err != nil {
		t.Fatalf("unexpected error on duplicate peer: %v", err)
	}

	peers, err := s.KnownPeers(ctx, infoHash)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(peers) != 2 {
		t.Errorf("expected 2 known peers, got %d: %v", len(peers), peers)
	}
}
