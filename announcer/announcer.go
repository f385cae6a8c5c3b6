// Package announcer keeps trackers informed on a timer. A torrent session
// runs two announcers: one for the download phase and one for seeding.
package announcer

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"swarm/peer"
	"swarm/tracker"
)

// Transport announces to one tracker URL; satisfied by *tracker.Registry.
type Transport interface {
	Announce(url string, req *tracker.Request) (*tracker.Response, error)
}

// stopped announces get this long before shutdown proceeds without them
const stopTimeout = 5 * time.Second

// Config assembles an Announcer.
type Config struct {
	// Name tags log lines, e.g. "download" or "seeding".
	Name     string
	URLs     []string
	Registry Transport
	InfoHash [20]byte
	PeerID   [20]byte
	Port     int
	NumWant  int
	// Interval is the configured re-announce period.
	Interval time.Duration
	// Left reports the bytes still missing, from the piece manager.
	Left func() int64
	// OnPeers receives every peer list a tracker returns; nil to discard.
	OnPeers func([]peer.Peer)
	Logger  *zap.Logger
}

// Announcer fires started/periodic/completed/stopped announces against every
// configured tracker and accumulates the transfer counters reported with them.
type Announcer struct {
	cfg Config

	uploaded   atomic.Int64
	downloaded atomic.Int64

	// next wait between announces: min(configured, tracker interval)
	current atomic.Int64

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New builds an Announcer; Start actually begins announcing.
func New(cfg Config) *Announcer {
	a := &Announcer{
		cfg:  cfg,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	a.current.Store(int64(cfg.Interval))
	return a
}

// Start fires an immediate started announce and then periodic ones. The wait
// between announces never drops below min(tracker interval, configured
// interval).
func (a *Announcer) Start() {
	a.startOnce.Do(func() {
		a.started.Store(true)
		go a.loop()
	})
}

func (a *Announcer) loop() {
	defer close(a.done)
	a.announceAll(tracker.EventStarted)
	for {
		timer := time.NewTimer(time.Duration(a.current.Load()))
		select {
		case <-a.stop:
			timer.Stop()
			return
		case <-timer.C:
			a.announceAll(tracker.EventNone)
		}
	}
}

// AddUploaded feeds upload bytes into the cumulative announce stats.
func (a *Announcer) AddUploaded(n int64) { a.uploaded.Add(n) }

// AddDownloaded feeds download bytes into the cumulative announce stats.
func (a *Announcer) AddDownloaded(n int64) { a.downloaded.Add(n) }

// AnnounceCompleted tells every tracker the torrent just finished.
func (a *Announcer) AnnounceCompleted() {
	a.announceAll(tracker.EventCompleted)
}

// Stop fires a best-effort stopped announce, bounded by a timeout, and ends
// the periodic loop. Idempotent; a no-op when Start never ran.
func (a *Announcer) Stop() {
	if !a.started.Load() {
		return
	}
	a.stopOnce.Do(func() {
		close(a.stop)
		<-a.done

		finished := make(chan struct{})
		go func() {
			a.announceAll(tracker.EventStopped)
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(stopTimeout):
			a.cfg.Logger.Warn("stopped announce timed out", zap.String("announcer", a.cfg.Name))
		}
	})
}

// announceAll walks the tracker list in order; one tracker failing never
// skips the rest.
func (a *Announcer) announceAll(event tracker.Event) {
	req := &tracker.Request{
		InfoHash:   a.cfg.InfoHash,
		PeerID:     a.cfg.PeerID,
		Port:       a.cfg.Port,
		Uploaded:   a.uploaded.Load(),
		Downloaded: a.downloaded.Load(),
		Left:       a.cfg.Left(),
		Event:      event,
		NumWant:    a.cfg.NumWant,
	}
	if event == tracker.EventStopped {
		req.NumWant = 0
	}

	for _, url := range a.cfg.URLs {
		resp, err := a.cfg.Registry.Announce(url, req)
		if err != nil {
			a.cfg.Logger.Warn("tracker announce failed",
				zap.String("announcer", a.cfg.Name),
				zap.String("tracker", url),
				zap.Stringer("event", event),
				zap.Error(err))
			continue
		}
		a.cfg.Logger.Debug("tracker announce ok",
			zap.String("announcer", a.cfg.Name),
			zap.String("tracker", url),
			zap.Stringer("event", event),
			zap.Int("peers", len(resp.Peers)),
			zap.Int("interval", resp.Interval))

		if resp.Interval > 0 {
			next := time.Duration(resp.Interval) * time.Second
			if a.cfg.Interval < next {
				next = a.cfg.Interval
			}
			a.current.Store(int64(next))
		}
		if a.cfg.OnPeers != nil && len(resp.Peers) > 0 {
			a.cfg.OnPeers(resp.Peers)
		}
	}
}
