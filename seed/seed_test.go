package seed

import (
	"bytes"
	"crypto/sha1"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"swarm/handshake"
	"swarm/message"
	"swarm/metainfo"
	"swarm/pieces"
	"swarm/storage"
)

var testInfoHash = func() (h [20]byte) {
	copy(h[:], "swarm-test-infohash!")
	return
}()

// completeTorrent writes a fully verified 3-piece torrent to disk and
// returns its piece manager, store and raw content.
func completeTorrent(t *testing.T) (*pieces.Manager, *storage.Store, [][]byte) {
	t.Helper()
	sizes := []int{16384, 16384, 7232}
	m := &metainfo.Metainfo{
		Name:        "a.bin",
		PieceLength: 16384,
		TotalLength: 40000,
		SingleFile:  true,
		InfoHash:    testInfoHash,
		Files:       []metainfo.File{{Length: 40000}},
		PieceHashes: make([][20]byte, len(sizes)),
	}
	content := make([][]byte, len(sizes))
	for i, size := range sizes {
		content[i] = make([]byte, size)
		for j := range content[i] {
			content[i][j] = byte(i*3 + j%89)
		}
		m.PieceHashes[i] = sha1.Sum(content[i])
	}

	dir := t.TempDir()
	store := storage.New(m, dir, zap.NewNop())
	if err := store.Allocate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	for i, data := range content {
		if err := store.WritePiece(i, data); err != nil {
			t.Fatal(err)
		}
	}

	mgr := pieces.NewManager(m, store, filepath.Join(dir, "a.bin.state"), zap.NewNop())
	complete, err := mgr.Init(true)
	if err != nil || !complete {
		t.Fatalf("Init = (%v, %v), want complete", complete, err)
	}
	return mgr, store, content
}

func startListener(t *testing.T, l *Listener) string {
	t.Helper()
	if err := l.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(l.Stop)
	return l.Addr().String()
}

// dialAndSetup connects, handshakes and consumes the bitfield message.
func dialAndSetup(t *testing.T, addr string, infoHash [20]byte) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	var peerID [20]byte
	copy(peerID[:], "-BT0001-remotepeer00")
	if _, err := conn.Write(handshake.New(infoHash, peerID).Serialize()); err != nil {
		t.Fatalf("send handshake: %v", err)
	}
	reply, err := handshake.Read(conn)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if reply.InfoHash != infoHash {
		t.Fatalf("handshake reply carries wrong info hash")
	}

	bf, err := message.Read(conn)
	if err != nil {
		t.Fatalf("read bitfield: %v", err)
	}
	if bf.ID != message.Bitfield {
		t.Fatalf("first message is %v, want bitfield", bf)
	}
	return conn
}

func TestServeBlock(t *testing.T) {
	mgr, store, content := completeTorrent(t)
	var uploads []int64
	var mu sync.Mutex
	l := &Listener{
		InfoHash:   testInfoHash,
		Pieces:     mgr,
		Store:      store,
		MaxUploads: 2,
		OnUpload: func(index int, n int64, peerAddr string) {
			mu.Lock()
			uploads = append(uploads, n)
			mu.Unlock()
		},
		Logger: zap.NewNop(),
	}
	addr := startListener(t, l)
	conn := dialAndSetup(t, addr, testInfoHash)

	// interested -> unchoke
	if _, err := conn.Write((&message.Message{ID: message.Interested}).Serialize()); err != nil {
		t.Fatal(err)
	}
	unchoke, err := message.Read(conn)
	if err != nil || unchoke.ID != message.Unchoke {
		t.Fatalf("expected unchoke, got (%v, %v)", unchoke, err)
	}

	// S6: request(0, 0, 16384) yields the block byte-exact from disk
	if _, err := conn.Write(message.NewRequest(0, 0, 16384).Serialize()); err != nil {
		t.Fatal(err)
	}
	resp, err := message.Read(conn)
	if err != nil {
		t.Fatalf("read piece: %v", err)
	}
	buf := make([]byte, 16384)
	n, err := message.ParsePiece(0, buf, resp)
	if err != nil || n != 16384 {
		t.Fatalf("ParsePiece = (%d, %v)", n, err)
	}
	if !bytes.Equal(buf, content[0][:16384]) {
		t.Error("served block differs from disk")
	}

	// S6: an oversize request is ignored, not answered and not fatal
	if _, err := conn.Write(message.NewRequest(1, 0, 1048577).Serialize()); err != nil {
		t.Fatal(err)
	}
	// the next valid request must be answered next — proving the oversize
	// one produced nothing
	if _, err := conn.Write(message.NewRequest(2, 0, 7232).Serialize()); err != nil {
		t.Fatal(err)
	}
	resp, err = message.Read(conn)
	if err != nil {
		t.Fatalf("read piece after ignored request: %v", err)
	}
	tail := make([]byte, 7232)
	if _, err := message.ParsePiece(2, tail, resp); err != nil {
		t.Fatalf("ParsePiece: %v", err)
	}
	if !bytes.Equal(tail, content[2]) {
		t.Error("short last piece served wrong")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(uploads) != 2 || uploads[0] != 16384 || uploads[1] != 7232 {
		t.Errorf("upload callbacks = %v", uploads)
	}
}

func TestRequestBeforeInterestIgnored(t *testing.T) {
	mgr, store, _ := completeTorrent(t)
	l := &Listener{
		InfoHash: testInfoHash,
		Pieces:   mgr,
		Store:    store,
		Logger:   zap.NewNop(),
	}
	addr := startListener(t, l)
	conn := dialAndSetup(t, addr, testInfoHash)

	// request without interested: no reply
	if _, err := conn.Write(message.NewRequest(0, 0, 1024).Serialize()); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if msg, err := message.Read(conn); err == nil {
		t.Fatalf("got %v for a request while choked", msg)
	}
}

func TestHandshakeMismatchCloses(t *testing.T) {
	mgr, store, _ := completeTorrent(t)
	l := &Listener{
		InfoHash: testInfoHash,
		Pieces:   mgr,
		Store:    store,
		Logger:   zap.NewNop(),
	}
	addr := startListener(t, l)

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(2 * time.Second))

	var wrong, peerID [20]byte
	copy(wrong[:], "not-the-right-hash!!")
	conn.Write(handshake.New(wrong, peerID).Serialize())
	if _, err := handshake.Read(conn); err == nil {
		t.Fatal("listener answered a mismatched handshake")
	}
}

func TestUploadCap(t *testing.T) {
	mgr, store, _ := completeTorrent(t)
	l := &Listener{
		InfoHash:   testInfoHash,
		Pieces:     mgr,
		Store:      store,
		MaxUploads: 1,
		Logger:     zap.NewNop(),
	}
	addr := startListener(t, l)

	// first connection occupies the only slot
	first := dialAndSetup(t, addr, testInfoHash)
	defer first.Close()

	// second connection is closed right after accept
	second, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetDeadline(time.Now().Add(2 * time.Second))
	var peerID [20]byte
	second.Write(handshake.New(testInfoHash, peerID).Serialize())
	if _, err := handshake.Read(second); err == nil {
		t.Fatal("over-cap connection was served")
	}
}
