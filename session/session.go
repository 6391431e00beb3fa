// Package session orchestrates one torrent's tracker announces and
// peer workers around a shared piece manager. It is the "peer manager"
// of spec.md §4.H: one supervising task over many peer tasks.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/halvorsen/gorent/metainfo"
	"github.com/halvorsen/gorent/peerwire"
	"github.com/halvorsen/gorent/peerworker"
	"github.com/halvorsen/gorent/piecemgr"
	"github.com/halvorsen/gorent/tracker"
)

const (
	defaultReannounceInterval = 600 * time.Second
	completionPollInterval    = time.Second
)

// ProgressListener is notified as a session makes progress. Both
// apiserver's websocket broadcaster and metrics subscribe through this
// interface so session has no direct dependency on either.
type ProgressListener interface {
	OnPeerConnected(addr string)
	OnPeerDropped(addr string, err error)
	OnPieceCompleted(index, total int)
}

type noopListener struct{}

func (noopListener) OnPeerConnected(string)            {}
func (noopListener) OnPeerDropped(string, error)       {}
func (noopListener) OnPieceCompleted(index, total int) {}

// PeerStore optionally persists peer addresses across restarts so a
// resumed download can dial previously-known peers immediately instead
// of waiting on the tracker's first announce round trip (spec.md §9).
type PeerStore interface {
	KnownPeers(ctx context.Context, infoHash [20]byte) ([]string, error)
	RecordPeers(ctx context.Context, infoHash [20]byte, addrs []string) error
}

// Config bundles everything a Session needs to drive one torrent.
type Config struct {
	Metainfo    *metainfo.Metainfo
	LocalPeerID [20]byte
	ListenPort  int
	MaxPeers    int

	Manager   *piecemgr.Manager
	Tracker   *tracker.Client
	Logger    *zap.Logger
	Listener  ProgressListener
	PeerStore PeerStore // optional; nil disables cross-restart peer memory

	// OnAnnounceError, if set, is notified of every re-announce failure
	// (the initial `started` announce's error is returned directly from
	// Start instead). metrics' tracker.announce.errors counter hangs
	// off this hook.
	OnAnnounceError func(err error)
}

// Session owns one piece manager, one tracker client, and the set of
// active peer workers for a single torrent.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	workers map[string]*peerworker.Worker
}

// New constructs a Session from cfg, filling in nil-safe defaults for
// Logger and Listener.
func New(cfg Config) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Listener == nil {
		cfg.Listener = noopListener{}
	}
	return &Session{cfg: cfg, logger: logger, workers: make(map[string]*peerworker.Worker)}
}

// Start announces `started`, spawns one worker per returned peer under
// a supervising errgroup, and re-announces at the tracker's advertised
// interval for additional peers until ctx is cancelled. It also watches
// for the download finishing and announces `completed` the moment it
// does, independently of shutdown. Regardless of whether completion was
// ever reached, it announces `stopped` and awaits every worker's exit
// once ctx is cancelled (spec.md §4.H: "on completion, send
// event=completed; on shutdown, stopped").
func (s *Session) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.cfg.PeerStore != nil {
		known, err := s.cfg.PeerStore.KnownPeers(ctx, s.cfg.Metainfo.InfoHash)
		if err != nil {
			s.logger.Warn("loading known peers failed", zap.Error(err))
		} else if len(known) > 0 {
			s.spawnWorkersForAddrs(g, ctx, known)
		}
	}

	resp, err := s.announce(ctx, tracker.EventStarted)
	if err != nil {
		return err
	}
	s.spawnWorkers(g, ctx, resp.Peers)
	s.recordPeers(ctx, resp.Peers)

	interval := time.Duration(resp.Interval) * time.Second
	if interval <= 0 {
		interval = defaultReannounceInterval
	}

	g.Go(func() error {
		return s.reannounceLoop(ctx, g, interval)
	})
	g.Go(func() error {
		return s.watchCompletion(ctx)
	})

	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, stopErr := s.announce(stopCtx, tracker.EventStopped); stopErr != nil {
		s.logger.Warn("failed to announce stopped", zap.Error(stopErr))
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Session) reannounceLoop(ctx context.Context, g *errgroup.Group, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			resp, err := s.announce(ctx, tracker.EventNone)
			if err != nil {
				s.logger.Warn("re-announce failed", zap.Error(err))
				if s.cfg.OnAnnounceError != nil {
					s.cfg.OnAnnounceError(err)
				}
				continue
			}
			s.spawnWorkers(g, ctx, resp.Peers)
			s.recordPeers(ctx, resp.Peers)
		}
	}
}

// watchCompletion polls the piece manager until every byte is flushed
// to disk, then announces `completed` exactly once, independently of
// the eventual `stopped` announce Start sends on shutdown.
func (s *Session) watchCompletion(ctx context.Context) error {
	if s.cfg.Manager.RemainingBytes() == 0 {
		return nil
	}
	ticker := time.NewTicker(completionPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.cfg.Manager.RemainingBytes() != 0 {
				continue
			}
			if _, err := s.announce(ctx, tracker.EventCompleted); err != nil {
				s.logger.Warn("completed announce failed", zap.Error(err))
				if s.cfg.OnAnnounceError != nil {
					s.cfg.OnAnnounceError(err)
				}
			}
			return nil
		}
	}
}

func (s *Session) spawnWorkers(g *errgroup.Group, ctx context.Context, peers []tracker.Peer) {
	addrs := make([]string, len(peers))
	for i, p := range peers {
		addrs[i] = p.Addr()
	}
	s.spawnWorkersForAddrs(g, ctx, addrs)
}

func (s *Session) recordPeers(ctx context.Context, peers []tracker.Peer) {
	if s.cfg.PeerStore == nil || len(peers) == 0 {
		return
	}
	addrs := make([]string, len(peers))
	for i, p := range peers {
		addrs[i] = p.Addr()
	}
	if err := s.cfg.PeerStore.RecordPeers(ctx, s.cfg.Metainfo.InfoHash, addrs); err != nil {
		s.logger.Warn("recording known peers failed", zap.Error(err))
	}
}

func (s *Session) spawnWorkersForAddrs(g *errgroup.Group, ctx context.Context, addrs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, addr := range addrs {
		if _, exists := s.workers[addr]; exists {
			continue
		}
		if s.cfg.MaxPeers > 0 && len(s.workers) >= s.cfg.MaxPeers {
			break
		}
		local := peerwire.NewHandshake(s.cfg.Manager.InfoHash(), s.cfg.LocalPeerID)
		w := peerworker.New(addr, local, s.logger)
		s.workers[addr] = w
		s.cfg.Listener.OnPeerConnected(addr)

		g.Go(func() error {
			err := w.Run(ctx, s.cfg.Manager)
			s.mu.Lock()
			delete(s.workers, addr)
			s.mu.Unlock()
			if err != nil {
				s.cfg.Listener.OnPeerDropped(addr, err)
				s.logger.Debug("peer worker exited", zap.String("peer", addr), zap.Error(err))
				// A single peer's failure is never torrent-fatal
				// (spec.md §7): swallow it here so the errgroup's
				// shared context is not cancelled by one dropped peer.
				return nil
			}
			return nil
		})
	}
}

func (s *Session) announce(ctx context.Context, event tracker.Event) (*tracker.AnnounceResponse, error) {
	req := tracker.AnnounceRequest{
		AnnounceURL: s.cfg.Metainfo.Announce,
		InfoHash:    s.cfg.Metainfo.InfoHash,
		PeerID:      s.cfg.LocalPeerID,
		Port:        s.cfg.ListenPort,
		Left:        s.cfg.Manager.RemainingBytes(),
		Event:       event,
	}
	return s.cfg.Tracker.AnnounceWithRetry(ctx, req, 0)
}

// ActivePeers returns the addresses of currently connected peers.
func (s *Session) ActivePeers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.workers))
	for addr := range s.workers {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Shutdown closes every active worker's connection and drops it from
// the active set, aggregating any close errors with multierr instead of
// discarding all but the first. It does not wait for the workers'
// goroutines to exit and does not cancel a running Start.
func (s *Session) Shutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs error
	for addr, w := range s.workers {
		if w.Conn != nil {
			if err := w.Conn.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		delete(s.workers, addr)
	}
	return errs
}
