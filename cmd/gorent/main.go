// Command gorent downloads a single torrent file to completion and
// exits, the one-shot counterpart to gorentd's long-running daemon
// (spec.md §1).
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"go.uber.org/zap"

	"github.com/halvorsen/gorent/internal/fsoutput"
	"github.com/halvorsen/gorent/metainfo"
	"github.com/halvorsen/gorent/peerworker"
	"github.com/halvorsen/gorent/piecemgr"
	"github.com/halvorsen/gorent/session"
	"github.com/halvorsen/gorent/tracker"
)

func main() {
	app := kingpin.New("gorent", "Download a single torrent to completion.")
	torrentPath := app.Arg("torrent-file", "Path of the .torrent file").Required().String()
	outPath := app.Flag("output", "Output file path").Short('o').String()
	listenPort := app.Flag("port", "Local listening port advertised to the tracker").Short('p').Default("6881").Int()
	maxPeers := app.Flag("max-peers", "Maximum concurrent peer connections").Default("50").Int()
	verbose := app.Flag("verbose", "Enable debug logging").Short('v').Bool()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(*torrentPath, *outPath, *listenPort, *maxPeers, logger); err != nil {
		logger.Error("download failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func run(torrentPath, outPath string, listenPort, maxPeers int, logger *zap.Logger) error {
	f, err := os.Open(torrentPath)
	if err != nil {
		return fmt.Errorf("opening torrent file: %w", err)
	}
	mi, err := metainfo.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("parsing torrent file: %w", err)
	}

	if outPath == "" {
		outPath = filepath.Join(filepath.Dir(torrentPath), mi.Info.Name)
	}

	out, err := fsoutput.Open(outPath, mi.Info.Length)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	defer out.Close()

	mgr := piecemgr.NewManager(piecemgr.Config{
		InfoHash:            mi.InfoHash,
		ExpectedHashes:      mi.Info.Pieces,
		PieceLength:         mi.Info.PieceLength,
		TotalLength:         mi.Info.Length,
		FlushThresholdBytes: 16 << 20,
		OpenOutput:          func() (piecemgr.Output, error) { return out, nil },
	})

	peerID, err := peerworker.NewPeerID()
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	sess := session.New(session.Config{
		Metainfo:    mi,
		LocalPeerID: peerID,
		ListenPort:  listenPort,
		MaxPeers:    maxPeers,
		Manager:     mgr,
		Tracker:     tracker.NewClient(),
		Logger:      logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- sess.Start(ctx) }()

	if err := waitForCompletion(ctx, mgr); err != nil {
		stop()
		<-done
		if errors.Is(err, context.Canceled) {
			logger.Info("interrupted before the download finished")
			return nil
		}
		return err
	}

	if err := mgr.SaveToDisk(context.Background()); err != nil {
		logger.Warn("final flush failed", zap.Error(err))
	}
	stop()
	return <-done
}

// waitForCompletion polls the manager's remaining-byte count until every
// piece is on disk or ctx is cancelled first (e.g. by a SIGINT/SIGTERM).
func waitForCompletion(ctx context.Context, mgr *piecemgr.Manager) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if mgr.RemainingBytes() == 0 {
				return nil
			}
		}
	}
}
