package torrent

// DownloadObserver receives download-side lifecycle callbacks. Rendering is
// up to the caller; the engine only invokes.
type DownloadObserver interface {
	OnDownloadStarted(name string, totalSize int64)
	OnPieceCompleted(index int, n int64)
	OnDownloadCompleted(name string, totalSize int64)
	OnDownloadFailed(name string, err error)
	OnProgressUpdate(completed, total int, downloadRate int64)
}

// SeedingStats is a snapshot handed to OnSeedingProgress.
type SeedingStats struct {
	ActivePeers   int
	TotalUploaded int64
	UploadRate    int64
}

// SeedingObserver receives seeding-side lifecycle callbacks.
type SeedingObserver interface {
	OnSeedingStarted(name string, totalSize int64)
	OnPeerConnected(peerAddr string)
	OnPeerDisconnected(peerAddr string)
	OnPieceUploaded(index int, n int64, peerAddr string)
	OnSeedingProgress(name string, stats SeedingStats)
	OnSeedingStopped(name string, uploaded int64)
	OnSeedingError(name string, err error)
}

// NopDownloadObserver ignores every download callback; embed it to implement
// only what you render.
type NopDownloadObserver struct{}

func (NopDownloadObserver) OnDownloadStarted(string, int64)   {}
func (NopDownloadObserver) OnPieceCompleted(int, int64)       {}
func (NopDownloadObserver) OnDownloadCompleted(string, int64) {}
func (NopDownloadObserver) OnDownloadFailed(string, error)    {}
func (NopDownloadObserver) OnProgressUpdate(int, int, int64)  {}

// NopSeedingObserver ignores every seeding callback.
type NopSeedingObserver struct{}

func (NopSeedingObserver) OnSeedingStarted(string, int64)         {}
func (NopSeedingObserver) OnPeerConnected(string)                 {}
func (NopSeedingObserver) OnPeerDisconnected(string)              {}
func (NopSeedingObserver) OnPieceUploaded(int, int64, string)     {}
func (NopSeedingObserver) OnSeedingProgress(string, SeedingStats) {}
func (NopSeedingObserver) OnSeedingStopped(string, int64)         {}
func (NopSeedingObserver) OnSeedingError(string, error)           {}
