// Package progress renders the engine's observer callbacks on the console.
package progress

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/gosuri/uiprogress"

	"swarm/torrent"
)

// Console renders one torrent's download as a uiprogress bar and prints
// seeding milestones as plain lines. It implements both observer interfaces.
type Console struct {
	torrent.NopSeedingObserver

	mu        sync.Mutex
	bar       *uiprogress.Bar
	name      string
	completed int
	total     int
	peers     int
}

// NewConsole returns a console observer. The progress bar is created lazily
// by the first progress update.
func NewConsole() *Console {
	return &Console{}
}

// OnDownloadStarted records the name and prints the torrent size; the bar
// itself appears with the first OnProgressUpdate.
func (c *Console) OnDownloadStarted(name string, totalSize int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.name = name
	fmt.Printf("downloading %s (%d bytes)\n", name, totalSize)
}

// OnPieceCompleted advances the bar.
func (c *Console) OnPieceCompleted(index int, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bar != nil {
		c.bar.Incr()
	}
}

// OnProgressUpdate keeps the appended counters current.
func (c *Console) OnProgressUpdate(completed, total int, downloadRate int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed, c.total = completed, total
	if c.bar == nil && total > 0 {
		uiprogress.Start()
		c.bar = uiprogress.AddBar(total)
		c.bar.AppendCompleted()
		c.bar.AppendFunc(func(b *uiprogress.Bar) string {
			c.mu.Lock()
			defer c.mu.Unlock()
			return "pieces: " + strconv.Itoa(c.completed) + "/" + strconv.Itoa(c.total)
		})
		c.bar.AppendElapsed()
		c.bar.Set(completed)
	}
}

// OnDownloadCompleted finishes the bar.
func (c *Console) OnDownloadCompleted(name string, totalSize int64) {
	c.mu.Lock()
	if c.bar != nil {
		c.bar.Set(c.bar.Total)
		uiprogress.Stop()
		c.bar = nil
	}
	c.mu.Unlock()
	fmt.Printf("completed %s\n", name)
}

// OnDownloadFailed reports the failure.
func (c *Console) OnDownloadFailed(name string, err error) {
	c.mu.Lock()
	if c.bar != nil {
		uiprogress.Stop()
		c.bar = nil
	}
	c.mu.Unlock()
	fmt.Printf("download of %s failed: %v\n", name, err)
}

// OnSeedingStarted announces the seeding phase.
func (c *Console) OnSeedingStarted(name string, totalSize int64) {
	fmt.Printf("seeding %s\n", name)
}

// OnSeedingProgress prints a periodic one-line summary.
func (c *Console) OnSeedingProgress(name string, stats torrent.SeedingStats) {
	fmt.Printf("seeding %s: %d peers, %d bytes uploaded (%d B/s)\n",
		name, stats.ActivePeers, stats.TotalUploaded, stats.UploadRate)
}

// OnSeedingStopped prints the session upload total.
func (c *Console) OnSeedingStopped(name string, uploaded int64) {
	fmt.Printf("stopped seeding %s after uploading %d bytes\n", name, uploaded)
}

// OnSeedingError reports listener-level failures.
func (c *Console) OnSeedingError(name string, err error) {
	fmt.Printf("seeding error for %s: %v\n", name, err)
}
