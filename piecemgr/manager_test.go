package piecemgr

import (
	"context"
	"crypto/sha1"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutput struct {
	mu      sync.Mutex
	writes  map[int64][]byte
	synced  int
	content []byte // optional; backs ReadAt for resume re-verification tests
}

func (f *fakeOutput) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writes == nil {
		f.writes = make(map[int64][]byte)
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.writes[off] = cp
	return len(p), nil
}

func (f *fakeOutput) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if off < 0 || int(off)+len(p) > len(f.content) {
		return 0, io.EOF
	}
	return copy(p, f.content[off:]), nil
}

func (f *fakeOutput) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.synced++
	return nil
}

func newTestManager(t *testing.T, numPieces int, flushThreshold int64) (*Manager, [][]byte, *fakeOutput) {
	t.Helper()
	pieces := make([][]byte, numPieces)
	hashes := make([][20]byte, numPieces)
	for i := range pieces {
		pieces[i] = []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)}
		hashes[i] = sha1.Sum(pieces[i])
	}
	out := &fakeOutput{}
	m := NewManager(Config{
		ExpectedHashes:      hashes,
		PieceLength:         4,
		TotalLength:         int64(4 * numPieces),
		FlushThresholdBytes: flushThreshold,
		OpenOutput:          func() (Output, error) { return out, nil },
	})
	return m, pieces, out
}

func TestGetNextPieceSkipsPiecesWeAlreadyHave(t *testing.T) {
	m, pieces, _ := newTestManager(t, 3, 0)
	require.True(t, m.AddPiece(0, pieces[0]))

	theirs := NewBitfield(3)
	theirs.Set(0)
	theirs.Set(1)
	theirs.Set(2)

	idx, ok := m.GetNextPiece(theirs)
	require.True(t, ok)
	assert.NotEqual(t, 0, idx)
}

func TestGetNextPieceConcurrentCallsReturnDistinctIndices(t *testing.T) {
	// S5: a 3-piece torrent, two peers advertising bitfield 0b11100000;
	// two concurrent GetNextPiece calls return two distinct indices; a
	// third concurrent call returns the remaining one.
	m, _, _ := newTestManager(t, 3, 0)
	theirs := NewBitfield(3)
	theirs.Set(0)
	theirs.Set(1)
	theirs.Set(2)

	var wg sync.WaitGroup
	results := make(chan int, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, ok := m.GetNextPiece(theirs)
			if ok {
				results <- idx
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int]bool{}
	for idx := range results {
		seen[idx] = true
	}
	assert.Len(t, seen, 3, "expected three distinct piece indices")
}

func TestAddPieceRejectsHashMismatch(t *testing.T) {
	m, _, _ := newTestManager(t, 1, 0)
	ok := m.AddPiece(0, []byte("not the right bytes"))
	assert.False(t, ok)
	assert.False(t, m.GetBitfield().Get(0))

	// A cancelled/failed piece must be retryable.
	theirs := NewBitfield(1)
	theirs.Set(0)
	idx, ok := m.GetNextPiece(theirs)
	require.True(t, ok)
	assert.Equal(t, 0, idx)
}

func TestAddPieceSetsBitfieldOnMatch(t *testing.T) {
	m, pieces, _ := newTestManager(t, 1, 0)
	ok := m.AddPiece(0, pieces[0])
	assert.True(t, ok)
	assert.True(t, m.GetBitfield().Get(0))
}

func TestCancelPieceDoesNotDowngradeCompleted(t *testing.T) {
	// High threshold and piece 1 never added: no auto-flush, so piece 0
	// is still Completed (not OnDisk) when CancelPiece runs.
	m, pieces, _ := newTestManager(t, 2, 1<<30)
	require.True(t, m.AddPiece(0, pieces[0]))
	m.CancelPiece(0)
	assert.True(t, m.GetBitfield().Get(0))

	m.stateMu.Lock()
	_, stillCompleted := m.state[0].(completed)
	m.stateMu.Unlock()
	assert.True(t, stillCompleted, "CancelPiece must leave a Completed piece Completed")
}

func TestSaveToDiskFlushesCompletedPieces(t *testing.T) {
	// High threshold and piece 2 never added: neither auto-flush trigger
	// fires, so the explicit SaveToDisk below is the only flush.
	m, pieces, out := newTestManager(t, 3, 1<<30)
	require.True(t, m.AddPiece(0, pieces[0]))
	require.True(t, m.AddPiece(1, pieces[1]))

	err := m.SaveToDisk(context.Background())
	require.NoError(t, err)
	assert.Equal(t, pieces[0], out.writes[0])
	assert.Equal(t, pieces[1], out.writes[4])
	assert.Equal(t, 1, out.synced)
}

func TestAddPieceAutoFlushesPastThreshold(t *testing.T) {
	m, pieces, out := newTestManager(t, 2, 4) // flush after one 4-byte piece
	require.True(t, m.AddPiece(0, pieces[0]))
	assert.Equal(t, pieces[0], out.writes[0])
	assert.GreaterOrEqual(t, out.synced, 1)
}

func TestAddPieceAutoFlushesOnceEveryPieceIsComplete(t *testing.T) {
	// High threshold so the byte-count trigger never fires on its own;
	// only the "every piece is Completed or OnDisk" trigger should flush.
	m, pieces, out := newTestManager(t, 2, 1<<30)
	require.True(t, m.AddPiece(0, pieces[0]))
	assert.Nil(t, out.writes[0], "must not flush before every piece is complete")

	require.True(t, m.AddPiece(1, pieces[1]))
	assert.Equal(t, pieces[0], out.writes[0])
	assert.Equal(t, pieces[1], out.writes[4])
	assert.GreaterOrEqual(t, out.synced, 1)
}

type fakeStore struct {
	bf    Bitfield
	found bool
}

func (s *fakeStore) LoadBitfield(ctx context.Context, infoHash [20]byte) (Bitfield, bool, error) {
	return s.bf, s.found, nil
}

func (s *fakeStore) SaveBitfield(ctx context.Context, infoHash [20]byte, bf Bitfield) error {
	s.bf = bf.Clone()
	s.found = true
	return nil
}

func TestLoadPiecesResumesFromStore(t *testing.T) {
	hashes := [][20]byte{sha1.Sum([]byte("a")), sha1.Sum([]byte("b"))}
	persisted := NewBitfield(2)
	persisted.Set(0)
	store := &fakeStore{bf: persisted, found: true}
	out := &fakeOutput{content: []byte("ab")}

	m := NewManager(Config{
		ExpectedHashes: hashes,
		PieceLength:    1,
		TotalLength:    2,
		Store:          store,
		OpenOutput:     func() (Output, error) { return out, nil },
	})
	require.NoError(t, m.LoadPieces(context.Background()))
	assert.True(t, m.GetBitfield().Get(0))
	assert.False(t, m.GetBitfield().Get(1))

	theirs := NewBitfield(2)
	theirs.Set(0)
	theirs.Set(1)
	idx, ok := m.GetNextPiece(theirs)
	require.True(t, ok)
	assert.Equal(t, 1, idx, "piece 0 is already OnDisk and must not be handed out again")
}

func TestLoadPiecesRejectsClaimedPieceThatFailsReverification(t *testing.T) {
	hashes := [][20]byte{sha1.Sum([]byte("a"))}
	persisted := NewBitfield(1)
	persisted.Set(0)
	store := &fakeStore{bf: persisted, found: true}
	// Output byte doesn't match the expected hash of "a": simulates a
	// bitfield persisted for content that was since truncated/corrupted.
	out := &fakeOutput{content: []byte("z")}

	m := NewManager(Config{
		ExpectedHashes: hashes,
		PieceLength:    1,
		TotalLength:    1,
		Store:          store,
		OpenOutput:     func() (Output, error) { return out, nil },
	})
	require.NoError(t, m.LoadPieces(context.Background()))
	assert.False(t, m.GetBitfield().Get(0), "a claimed piece that fails re-verification must not be trusted")

	theirs := NewBitfield(1)
	theirs.Set(0)
	idx, ok := m.GetNextPiece(theirs)
	require.True(t, ok)
	assert.Equal(t, 0, idx, "the rejected piece must be retryable")
}

func TestRemainingBytesExcludesOnDiskPieces(t *testing.T) {
	m, pieces, _ := newTestManager(t, 2, 1<<30)
	assert.Equal(t, int64(8), m.RemainingBytes())
	require.True(t, m.AddPiece(0, pieces[0]))
	require.NoError(t, m.SaveToDisk(context.Background()))
	assert.Equal(t, int64(4), m.RemainingBytes())
}
