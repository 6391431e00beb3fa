package metrics

import (
	"sync"

	"github.com/uber-go/tally"
)

// Recorder turns a torrent's lifecycle events into the named counters
// and gauges listed in the package doc. It implements
// session.ProgressListener directly (duck-typed, to avoid metrics
// depending on session) and additionally exposes RecordHashFailure and
// RecordAnnounceError for piecemgr.Config.OnPieceFailed and
// session.Config.OnAnnounceError to hang off of. Every hook it exposes
// is called concurrently from per-peer worker goroutines, so activeCount
// is guarded by a mutex rather than left to a plain int.
type Recorder struct {
	scope tally.Scope

	piecesCompleted tally.Counter
	piecesFailed    tally.Counter
	bytesDownloaded tally.Counter
	announceErrors  tally.Counter
	activePeers     tally.Gauge

	mu          sync.Mutex
	activeCount int
}

// NewRecorder builds a Recorder reporting through scope.
func NewRecorder(scope tally.Scope) *Recorder {
	return &Recorder{
		scope:           scope,
		piecesCompleted: scope.Counter("pieces.completed"),
		piecesFailed:    scope.Counter("pieces.failed_hash"),
		bytesDownloaded: scope.Counter("bytes.downloaded"),
		announceErrors:  scope.Counter("tracker.announce.errors"),
		activePeers:     scope.Gauge("peers.active"),
	}
}

// OnPeerConnected satisfies session.ProgressListener.
func (r *Recorder) OnPeerConnected(addr string) {
	r.mu.Lock()
	r.activeCount++
	count := r.activeCount
	r.mu.Unlock()
	r.activePeers.Update(float64(count))
}

// OnPeerDropped satisfies session.ProgressListener.
func (r *Recorder) OnPeerDropped(addr string, err error) {
	r.mu.Lock()
	if r.activeCount > 0 {
		r.activeCount--
	}
	count := r.activeCount
	r.mu.Unlock()
	r.activePeers.Update(float64(count))
}

// OnPieceCompleted satisfies session.ProgressListener. pieceBytes is
// reported separately via RecordPieceBytes since the listener interface
// only carries the piece index and total count.
func (r *Recorder) OnPieceCompleted(index, total int) {
	r.piecesCompleted.Inc(1)
}

// RecordPieceBytes adds n completed bytes to the bytes.downloaded
// counter. Called alongside OnPieceCompleted by whatever wires
// piecemgr's OnPieceCompleted hook, which knows the piece's byte size.
func (r *Recorder) RecordPieceBytes(n int64) {
	r.bytesDownloaded.Inc(n)
}

// RecordHashFailure increments pieces.failed_hash. Wired to
// piecemgr.Config.OnPieceFailed.
func (r *Recorder) RecordHashFailure(index int) {
	r.piecesFailed.Inc(1)
}

// RecordAnnounceError increments tracker.announce.errors. Wired to
// session.Config.OnAnnounceError.
func (r *Recorder) RecordAnnounceError(err error) {
	r.announceErrors.Inc(1)
}
