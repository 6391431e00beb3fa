// Command gorentd is the long-running daemon counterpart to gorent: it
// loads a YAML configuration (package config), drives one torrent's
// session, and exposes its control/status API (package apiserver) and
// metrics (package metrics) for the lifetime of the process (spec.md
// §1's "daemon" mode).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"go.uber.org/zap"

	"github.com/halvorsen/gorent/apiserver"
	"github.com/halvorsen/gorent/config"
	"github.com/halvorsen/gorent/internal/fsoutput"
	"github.com/halvorsen/gorent/metainfo"
	"github.com/halvorsen/gorent/metrics"
	"github.com/halvorsen/gorent/peerworker"
	"github.com/halvorsen/gorent/piecemgr"
	"github.com/halvorsen/gorent/session"
	"github.com/halvorsen/gorent/store"
	"github.com/halvorsen/gorent/tracker"
)

func main() {
	app := kingpin.New("gorentd", "Run the gorent download daemon.")
	configPath := app.Arg("config", "Path of the daemon's YAML configuration file").Required().String()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*configPath, logger); err != nil {
		logger.Error("daemon exited with an error", zap.Error(err))
		os.Exit(1)
	}
}

func run(configPath string, logger *zap.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	f, err := os.Open(cfg.TorrentPath)
	if err != nil {
		return fmt.Errorf("opening torrent file: %w", err)
	}
	mi, err := metainfo.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parsing torrent file: %w", err)
	}

	resumeStore, err := store.Open(cfg.ResumeDBPath)
	if err != nil {
		return fmt.Errorf("opening resume store: %w", err)
	}
	defer resumeStore.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := resumeStore.RegisterDownload(ctx, mi.InfoHash, mi.Info.Name, cfg.OutputDir,
		len(mi.Info.Pieces), mi.Info.PieceLength, mi.Info.Length); err != nil {
		return fmt.Errorf("registering download: %w", err)
	}

	outPath := filepath.Join(cfg.OutputDir, mi.Info.Name)
	out, err := fsoutput.Open(outPath, mi.Info.Length)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	defer out.Close()

	scope, closeMetrics := metrics.New(cfg.MetricsNamespace)
	defer closeMetrics.Close()
	recorder := metrics.NewRecorder(scope)

	registry := apiserver.NewRegistry()

	var mgr *piecemgr.Manager
	mgr = piecemgr.NewManager(piecemgr.Config{
		InfoHash:            mi.InfoHash,
		ExpectedHashes:      mi.Info.Pieces,
		PieceLength:         mi.Info.PieceLength,
		TotalLength:         mi.Info.Length,
		FlushThresholdBytes: cfg.FlushThresholdBytes,
		OpenOutput:          func() (piecemgr.Output, error) { return out, nil },
		Store:               resumeStore,
		OnPieceCompleted: func(index, total int) {
			recorder.OnPieceCompleted(index, total)
			recorder.RecordPieceBytes(mgr.PieceSize(index))
		},
		OnPieceFailed: recorder.RecordHashFailure,
	})

	if err := mgr.LoadPieces(ctx); err != nil {
		logger.Warn("resuming prior download failed, starting from scratch", zap.Error(err))
	}

	peerID, err := peerworker.NewPeerID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	tor := apiserver.NewTorrent(mi.Info.Name, mgr, nil) // Session set below; Torrent.Session is filled in before use.
	broadcaster := tor.Broadcaster()
	listener := fanoutListener{broadcaster, recorder}

	sess := session.New(session.Config{
		Metainfo:        mi,
		LocalPeerID:     peerID,
		ListenPort:      cfg.ListenPort,
		MaxPeers:        cfg.MaxPeers,
		Manager:         mgr,
		Tracker:         tracker.NewClient(),
		Logger:          logger,
		Listener:        listener,
		PeerStore:       resumeStore,
		OnAnnounceError: recorder.RecordAnnounceError,
	})
	tor.Session = sess
	registry.Register(tor)

	apiSrv := apiserver.NewServer(registry, scope, logger)
	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: apiSrv.Handler()}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("control API listening", zap.String("addr", cfg.APIAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control API: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() { errCh <- sess.Start(ctx) }()
	go forceFlushOnCompletion(ctx, mgr, logger)

	err = <-errCh
	stop()
	_ = httpSrv.Shutdown(context.Background())
	if second := <-errCh; err == nil {
		err = second
	}
	return err
}

// forceFlushOnCompletion polls mgr until every piece is downloaded and
// issues one final SaveToDisk, so a torrent that finishes under its
// flush threshold is still guaranteed to land on disk even if this
// daemon keeps running afterward to seed.
func forceFlushOnCompletion(ctx context.Context, mgr *piecemgr.Manager, logger *zap.Logger) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bf := mgr.GetBitfield()
			downloaded := true
			for i := 0; i < mgr.NumPieces(); i++ {
				if !bf.Get(i) {
					downloaded = false
					break
				}
			}
			if !downloaded {
				continue
			}
			if err := mgr.SaveToDisk(ctx); err != nil {
				logger.Warn("final flush on completion failed", zap.Error(err))
			}
			return
		}
	}
}

// fanoutListener forwards every session.ProgressListener callback to
// each of listeners, letting apiserver's websocket broadcaster and
// metrics' Recorder both observe the same session without session
// depending on either directly.
type fanoutListener []session.ProgressListener

func (f fanoutListener) OnPeerConnected(addr string) {
	for _, l := range f {
		l.OnPeerConnected(addr)
	}
}

func (f fanoutListener) OnPeerDropped(addr string, err error) {
	for _, l := range f {
		l.OnPeerDropped(addr, err)
	}
}

func (f fanoutListener) OnPieceCompleted(index, total int) {
	for _, l := range f {
		l.OnPieceCompleted(index, total)
	}
}
