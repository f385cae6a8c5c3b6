// Package torrent ties the engine together: one Session per metainfo file
// drives verification, download, seeding and tracker announcements until
// shutdown.
package torrent

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"swarm/announcer"
	"swarm/download"
	"swarm/meter"
	"swarm/metainfo"
	"swarm/peer"
	"swarm/pieces"
	"swarm/seed"
	"swarm/storage"
)

// Defaults for the session knobs.
const (
	DefaultMaxDownloads     = 48
	DefaultMaxUploads       = 10
	DefaultAnnounceInterval = time.Minute
	// cadence of OnSeedingProgress callbacks
	seedingStatsInterval = 5 * time.Second
	// how many peers to ask trackers for
	numWant = 50
)

// Config assembles a Session.
type Config struct {
	Meta        *metainfo.Metainfo
	DownloadDir string
	ListenPort  int
	// MaxDownloads is the downloader worker pool size W.
	MaxDownloads int
	// MaxUploads caps concurrent inbound seeding peers U.
	MaxUploads int
	// AnnounceInterval is the re-announce period I.
	AnnounceInterval time.Duration
	Registry         announcer.Transport
	Download         DownloadObserver
	Seeding          SeedingObserver
	Logger           *zap.Logger
	// Rand seeds the peer id; nil uses wall-clock entropy.
	Rand *rand.Rand
}

// Session runs one torrent: verify what is on disk, download the rest,
// seed everything present, announce throughout.
type Session struct {
	cfg    Config
	peerID [20]byte

	store     *storage.Store
	pieces    *pieces.Manager
	meter     *meter.Meter
	directory *peer.Directory
	listener  *seed.Listener

	downloadAnn *announcer.Announcer
	seedingAnn  *announcer.Announcer

	seedOnce  sync.Once
	statsStop chan struct{}
}

// New wires a Session from the config, applying defaults.
func New(cfg Config) *Session {
	if cfg.MaxDownloads <= 0 {
		cfg.MaxDownloads = DefaultMaxDownloads
	}
	if cfg.MaxUploads <= 0 {
		cfg.MaxUploads = DefaultMaxUploads
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.Download == nil {
		cfg.Download = NopDownloadObserver{}
	}
	if cfg.Seeding == nil {
		cfg.Seeding = NopSeedingObserver{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Session{
		cfg:       cfg,
		peerID:    NewPeerID(cfg.Rand),
		directory: peer.NewDirectory(download.MaxPeerFailures),
		meter:     meter.New(meter.DefaultInterval),
		statsStop: make(chan struct{}),
	}
	s.store = storage.New(cfg.Meta, cfg.DownloadDir, cfg.Logger)
	statePath := filepath.Join(cfg.DownloadDir, cfg.Meta.Name+".state")
	s.pieces = pieces.NewManager(cfg.Meta, s.store, statePath, cfg.Logger)

	s.downloadAnn = announcer.New(announcer.Config{
		Name:     "download",
		URLs:     cfg.Meta.AnnounceList,
		Registry: cfg.Registry,
		InfoHash: cfg.Meta.InfoHash,
		PeerID:   s.peerID,
		Port:     cfg.ListenPort,
		NumWant:  numWant,
		Interval: cfg.AnnounceInterval,
		Left:     s.pieces.Left,
		OnPeers:  s.directory.Add,
		Logger:   cfg.Logger,
	})
	s.seedingAnn = announcer.New(announcer.Config{
		Name:     "seeding",
		URLs:     cfg.Meta.AnnounceList,
		Registry: cfg.Registry,
		InfoHash: cfg.Meta.InfoHash,
		PeerID:   s.peerID,
		Port:     cfg.ListenPort,
		NumWant:  numWant,
		Interval: cfg.AnnounceInterval,
		Left:     s.pieces.Left,
		Logger:   cfg.Logger,
	})

	s.listener = &seed.Listener{
		InfoHash:           cfg.Meta.InfoHash,
		PeerID:             s.peerID,
		Port:               cfg.ListenPort,
		MaxUploads:         cfg.MaxUploads,
		Pieces:             s.pieces,
		Store:              s.store,
		OnUpload:           s.onUpload,
		OnPeerConnected:    cfg.Seeding.OnPeerConnected,
		OnPeerDisconnected: cfg.Seeding.OnPeerDisconnected,
		Logger:             cfg.Logger,
	}
	return s
}

// Complete reports whether every piece is present.
func (s *Session) Complete() bool {
	return s.pieces.IsComplete()
}

// Run drives the torrent until it errors fatally or ctx is cancelled. On
// return the workers are stopped, trackers informed, the resume bitmap
// flushed (or, once complete, removed) and the files closed.
func (s *Session) Run(ctx context.Context) error {
	name := s.cfg.Meta.Name
	s.cfg.Logger.Info("starting torrent",
		zap.String("torrent", name),
		zap.Int64("size", s.cfg.Meta.TotalLength),
		zap.Int("pieces", s.cfg.Meta.NumPieces()))

	// whether a full-verify pass applies must be decided before allocation
	// extends the files to their declared lengths
	fullVerify := s.store.AllFilesExist()
	if err := s.store.Allocate(); err != nil {
		s.cfg.Download.OnDownloadFailed(name, err)
		return err
	}
	defer s.teardown()

	complete, err := s.pieces.Init(fullVerify)
	if err != nil {
		s.cfg.Download.OnDownloadFailed(name, err)
		return err
	}
	s.meter.Start()

	if s.pieces.CompletedCount() > 0 {
		s.startSeeding()
	}

	if !complete {
		if err := s.runDownload(ctx); err != nil {
			s.cfg.Download.OnDownloadFailed(name, err)
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}

	// complete: drop the sidecar and let the trackers know
	s.cfg.Download.OnDownloadCompleted(name, s.cfg.Meta.TotalLength)
	if err := s.pieces.RemoveStateFile(); err != nil {
		s.cfg.Logger.Warn("could not remove resume file", zap.Error(err))
	}
	s.startSeeding()
	s.seedingAnn.AnnounceCompleted()
	s.cfg.Logger.Info("torrent complete, seeding", zap.String("torrent", name))

	<-ctx.Done()
	return nil
}

// runDownload starts the announce loop and the worker pool and waits for
// completion, cancellation, or a fatal error.
func (s *Session) runDownload(ctx context.Context) error {
	name := s.cfg.Meta.Name
	s.cfg.Download.OnDownloadStarted(name, s.cfg.Meta.TotalLength)
	s.downloadAnn.Start()
	defer s.downloadAnn.Stop()

	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.MaxDownloads; i++ {
		w := &download.Worker{
			ID:               i,
			Meta:             s.cfg.Meta,
			PeerID:           s.peerID,
			Pieces:           s.pieces,
			Store:            s.store,
			Peers:            s.directory,
			OnPieceCompleted: s.onPieceCompleted,
			Logger:           s.cfg.Logger,
		}
		group.Go(func() error { return w.Run(gctx) })
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() == nil && !s.pieces.IsComplete() {
		return fmt.Errorf("download workers stopped with %d pieces missing",
			s.cfg.Meta.NumPieces()-s.pieces.CompletedCount())
	}
	return nil
}

// onPieceCompleted fans a finished piece out to the meter, both announcers
// and the observers, and brings seeding up on the first piece.
func (s *Session) onPieceCompleted(index int, n int64) {
	s.meter.AddDownloaded(n)
	s.downloadAnn.AddDownloaded(n)
	s.seedingAnn.AddDownloaded(n)
	s.startSeeding()

	s.cfg.Download.OnPieceCompleted(index, n)
	s.cfg.Download.OnProgressUpdate(
		s.pieces.CompletedCount(), s.cfg.Meta.NumPieces(), s.meter.DownloadRate())
}

// onUpload feeds a served block into the meter, both announcers and the
// seeding observer.
func (s *Session) onUpload(index int, n int64, peerAddr string) {
	s.meter.AddUploaded(n)
	s.downloadAnn.AddUploaded(n)
	s.seedingAnn.AddUploaded(n)
	s.cfg.Seeding.OnPieceUploaded(index, n, peerAddr)
}

// startSeeding brings up the listener, the seeding announcer and the stats
// ticker exactly once. A listener failure surfaces as a seeding error but
// does not stop the download.
func (s *Session) startSeeding() {
	s.seedOnce.Do(func() {
		if err := s.listener.Start(); err != nil {
			s.cfg.Logger.Error("seeding listener failed",
				zap.Int("port", s.cfg.ListenPort), zap.Error(err))
			s.cfg.Seeding.OnSeedingError(s.cfg.Meta.Name, err)
			return
		}
		s.seedingAnn.Start()
		s.cfg.Seeding.OnSeedingStarted(s.cfg.Meta.Name, s.cfg.Meta.TotalLength)
		go s.seedingStatsLoop()
	})
}

func (s *Session) seedingStatsLoop() {
	ticker := time.NewTicker(seedingStatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.statsStop:
			return
		case <-ticker.C:
			s.cfg.Seeding.OnSeedingProgress(s.cfg.Meta.Name, SeedingStats{
				ActivePeers:   s.listener.ActivePeers(),
				TotalUploaded: s.meter.TotalUploaded(),
				UploadRate:    s.meter.UploadRate(),
			})
		}
	}
}

// teardown releases everything in shutdown order: sockets first, then
// trackers, then state, then files.
func (s *Session) teardown() {
	close(s.statsStop)
	s.listener.Stop()
	s.downloadAnn.Stop()
	s.seedingAnn.Stop()
	s.meter.Stop()
	s.pieces.Shutdown()
	if err := s.store.Close(); err != nil {
		s.cfg.Logger.Warn("closing content files failed", zap.Error(err))
	}
	if s.listener.Addr() != nil {
		s.cfg.Seeding.OnSeedingStopped(s.cfg.Meta.Name, s.meter.TotalUploaded())
	}
	s.cfg.Logger.Info("torrent stopped", zap.String("torrent", s.cfg.Meta.Name))
}
