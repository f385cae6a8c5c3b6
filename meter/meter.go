// Package meter tracks cumulative transfer counters and rolling rates.
package meter

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the sampling period for rate updates.
const DefaultInterval = 2 * time.Second

// Meter accumulates uploaded/downloaded byte counts for one session and
// derives bytes-per-second rates from periodic samples.
type Meter struct {
	uploaded   atomic.Int64
	downloaded atomic.Int64

	uploadRate   atomic.Int64
	downloadRate atomic.Int64

	lastUploaded   int64
	lastDownloaded int64
	lastSample     time.Time

	interval time.Duration
	now      func() time.Time

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
}

// New returns a Meter sampling at the given interval.
func New(interval time.Duration) *Meter {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Meter{
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start begins periodic rate sampling.
func (m *Meter) Start() {
	m.startOnce.Do(func() {
		m.lastSample = m.now()
		go m.loop()
	})
}

func (m *Meter) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

// sample updates both rates from the counter deltas since the last sample.
func (m *Meter) sample() {
	now := m.now()
	elapsed := now.Sub(m.lastSample).Milliseconds()
	if elapsed <= 0 {
		return
	}

	uploaded := m.uploaded.Load()
	downloaded := m.downloaded.Load()
	m.uploadRate.Store((uploaded - m.lastUploaded) * 1000 / elapsed)
	m.downloadRate.Store((downloaded - m.lastDownloaded) * 1000 / elapsed)
	m.lastUploaded = uploaded
	m.lastDownloaded = downloaded
	m.lastSample = now
}

// AddUploaded records served bytes.
func (m *Meter) AddUploaded(n int64) { m.uploaded.Add(n) }

// AddDownloaded records received bytes.
func (m *Meter) AddDownloaded(n int64) { m.downloaded.Add(n) }

// TotalUploaded returns the session upload counter.
func (m *Meter) TotalUploaded() int64 { return m.uploaded.Load() }

// TotalDownloaded returns the session download counter.
func (m *Meter) TotalDownloaded() int64 { return m.downloaded.Load() }

// UploadRate returns the last sampled upload rate in bytes per second.
func (m *Meter) UploadRate() int64 { return m.uploadRate.Load() }

// DownloadRate returns the last sampled download rate in bytes per second.
func (m *Meter) DownloadRate() int64 { return m.downloadRate.Load() }

// Stop ends sampling. Idempotent.
func (m *Meter) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}
