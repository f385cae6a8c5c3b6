package torrent

import (
	"bytes"
	"context"
	"crypto/sha1"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"swarm/metainfo"
	"swarm/peer"
	"swarm/storage"
	"swarm/tracker"
)

// testMeta builds the 3-piece, 40000-byte torrent used across these tests
// along with its content.
func testMeta() (*metainfo.Metainfo, [][]byte) {
	sizes := []int{16384, 16384, 7232}
	m := &metainfo.Metainfo{
		Name:         "a.bin",
		PieceLength:  16384,
		TotalLength:  40000,
		SingleFile:   true,
		Files:        []metainfo.File{{Length: 40000}},
		PieceHashes:  make([][20]byte, len(sizes)),
		AnnounceList: []string{"http://tracker.test/announce"},
	}
	copy(m.InfoHash[:], "session-test-hash-00")
	content := make([][]byte, len(sizes))
	for i, size := range sizes {
		content[i] = make([]byte, size)
		for j := range content[i] {
			content[i][j] = byte(i*7 + j%61)
		}
		m.PieceHashes[i] = sha1.Sum(content[i])
	}
	return m, content
}

// staticTransport hands out a fixed peer list for every announce.
type staticTransport struct {
	mu    sync.Mutex
	peers []peer.Peer
}

func (s *staticTransport) Announce(url string, req *tracker.Request) (*tracker.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tracker.Response{Interval: 1800, Peers: append([]peer.Peer(nil), s.peers...)}, nil
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func writeContent(t *testing.T, m *metainfo.Metainfo, dir string, content [][]byte) {
	t.Helper()
	store := storage.New(m, dir, zap.NewNop())
	if err := store.Allocate(); err != nil {
		t.Fatal(err)
	}
	for i, data := range content {
		if err := store.WritePiece(i, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}
}

// TestSessionDownloadsFromSeeder runs a full loopback exchange: a complete
// session seeds, a fresh session learns of it from the (fake) tracker and
// downloads every piece over real TCP.
func TestSessionDownloadsFromSeeder(t *testing.T) {
	m, content := testMeta()
	transport := &staticTransport{}

	seederDir := t.TempDir()
	writeContent(t, m, seederDir, content)
	seederPort := freePort(t)
	seeder := New(Config{
		Meta:         m,
		DownloadDir:  seederDir,
		ListenPort:   seederPort,
		MaxDownloads: 1,
		Registry:     transport,
		Logger:       zap.NewNop(),
		Rand:         rand.New(rand.NewSource(1)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := seeder.Run(ctx); err != nil {
			t.Errorf("seeder Run: %v", err)
		}
	}()

	// wait until the seeder is listening, then point the tracker at it
	deadline := time.Now().Add(5 * time.Second)
	for seeder.listener.Addr() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if seeder.listener.Addr() == nil {
		t.Fatal("seeder never started listening")
	}
	transport.mu.Lock()
	transport.peers = []peer.Peer{{IP: net.IPv4(127, 0, 0, 1).To4(), Port: uint16(seederPort)}}
	transport.mu.Unlock()

	leechDir := t.TempDir()
	var completedPieces []int
	var mu sync.Mutex
	leech := New(Config{
		Meta:         m,
		DownloadDir:  leechDir,
		ListenPort:   0,
		MaxDownloads: 2,
		Registry:     transport,
		Download: &recordingDownloadObserver{onPiece: func(index int) {
			mu.Lock()
			completedPieces = append(completedPieces, index)
			mu.Unlock()
		}},
		Logger: zap.NewNop(),
		Rand:   rand.New(rand.NewSource(2)),
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := leech.Run(ctx); err != nil {
			t.Errorf("leech Run: %v", err)
		}
	}()

	deadline = time.Now().Add(30 * time.Second)
	for !leech.Complete() && time.Now().Before(deadline) {
		time.Sleep(25 * time.Millisecond)
	}
	if !leech.Complete() {
		t.Fatal("download did not complete in time")
	}

	cancel()
	wg.Wait()

	// content must be bit-exact
	got, err := os.ReadFile(filepath.Join(leechDir, "a.bin"))
	if err != nil {
		t.Fatal(err)
	}
	want := bytes.Join(content, nil)
	if !bytes.Equal(got, want) {
		t.Fatal("downloaded content differs from the seeder's")
	}

	// the resume sidecar is gone after completion
	if _, err := os.Stat(filepath.Join(leechDir, "a.bin.state")); !os.IsNotExist(err) {
		t.Errorf("resume file still present after completion: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(completedPieces) != 3 {
		t.Errorf("OnPieceCompleted fired %d times, want 3", len(completedPieces))
	}
}

// TestSessionCompleteOnDisk starts a session whose content is already fully
// present: no download phase, sidecar removed, seeding comes up.
func TestSessionCompleteOnDisk(t *testing.T) {
	m, content := testMeta()
	dir := t.TempDir()
	writeContent(t, m, dir, content)

	// a stale resume file must be cleaned up on completion
	statePath := filepath.Join(dir, "a.bin.state")
	if err := os.WriteFile(statePath, []byte{0x07}, 0o644); err != nil {
		t.Fatal(err)
	}

	transport := &staticTransport{}
	obs := &recordingDownloadObserver{}
	s := New(Config{
		Meta:        m,
		DownloadDir: dir,
		ListenPort:  freePort(t),
		Registry:    transport,
		Download:    obs,
		Logger:      zap.NewNop(),
		Rand:        rand.New(rand.NewSource(3)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(statePath); os.IsNotExist(err) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Error("resume file not removed for a complete torrent")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !obs.completed() {
		t.Error("OnDownloadCompleted never fired")
	}
	if obs.started() {
		t.Error("OnDownloadStarted fired for a torrent with nothing to download")
	}
}

type recordingDownloadObserver struct {
	NopDownloadObserver
	mu            sync.Mutex
	startedFlag   bool
	completedFlag bool
	onPiece       func(index int)
}

func (r *recordingDownloadObserver) OnDownloadStarted(string, int64) {
	r.mu.Lock()
	r.startedFlag = true
	r.mu.Unlock()
}

func (r *recordingDownloadObserver) OnDownloadCompleted(string, int64) {
	r.mu.Lock()
	r.completedFlag = true
	r.mu.Unlock()
}

func (r *recordingDownloadObserver) OnPieceCompleted(index int, n int64) {
	if r.onPiece != nil {
		r.onPiece(index)
	}
}

func (r *recordingDownloadObserver) started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedFlag
}

func (r *recordingDownloadObserver) completed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedFlag
}

func TestNewPeerID(t *testing.T) {
	id := NewPeerID(rand.New(rand.NewSource(42)))
	if string(id[:8]) != "-BT0001-" {
		t.Errorf("prefix = %q", id[:8])
	}
	for _, b := range id[8:] {
		if !bytes.ContainsRune([]byte(idSymbols), rune(b)) {
			t.Errorf("non-alphanumeric byte %q in peer id", b)
		}
	}

	// deterministic under the same source
	again := NewPeerID(rand.New(rand.NewSource(42)))
	if id != again {
		t.Error("same seed produced different peer ids")
	}
}
