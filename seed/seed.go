// Package seed serves locally present pieces to inbound peers.
package seed

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"swarm/handshake"
	"swarm/message"
	"swarm/pieces"
	"swarm/storage"
)

// DefaultMaxUploads caps concurrent inbound peers per torrent.
const DefaultMaxUploads = 10

// Listener accepts inbound peer connections and spawns a seeding worker per
// socket, up to a cap. Over-cap connections are closed right after accept.
type Listener struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Port     int
	// MaxUploads caps concurrent seeding workers.
	MaxUploads int
	Pieces     *pieces.Manager
	Store      *storage.Store
	// OnUpload reports each served block: piece index, bytes, peer address.
	OnUpload func(index int, n int64, peerAddr string)
	// OnPeerConnected / OnPeerDisconnected drive the observer surface.
	OnPeerConnected    func(peerAddr string)
	OnPeerDisconnected func(peerAddr string)
	Logger             *zap.Logger

	ln        net.Listener
	addr      atomic.Value
	active    atomic.Int32
	mu        sync.Mutex
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
}

// Start binds the listen port and begins accepting. It fails if the port is
// taken.
func (l *Listener) Start() error {
	var err error
	l.startOnce.Do(func() {
		if l.MaxUploads <= 0 {
			l.MaxUploads = DefaultMaxUploads
		}
		l.conns = make(map[net.Conn]struct{})
		l.ln, err = net.Listen("tcp", fmt.Sprintf(":%d", l.Port))
		if err != nil {
			return
		}
		l.addr.Store(l.ln.Addr())
		l.Logger.Info("seeding listener started", zap.Int("port", l.Port))
		l.wg.Add(1)
		go l.acceptLoop()
	})
	return err
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !l.stopped.Load() {
				l.Logger.Warn("accept failed", zap.Error(err))
			}
			return
		}

		if int(l.active.Load()) >= l.MaxUploads {
			l.Logger.Debug("upload cap reached, rejecting peer",
				zap.String("peer", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}

		l.mu.Lock()
		l.conns[conn] = struct{}{}
		l.mu.Unlock()
		l.active.Add(1)
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer l.active.Add(-1)
			defer func() {
				l.mu.Lock()
				delete(l.conns, conn)
				l.mu.Unlock()
			}()
			l.serve(conn)
		}()
	}
}

// Stop closes the listen socket and every active peer connection, then
// waits for the workers to drain.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		if l.ln != nil {
			l.ln.Close()
		}
		l.mu.Lock()
		for conn := range l.conns {
			conn.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
	})
}

// ActivePeers returns the current seeding worker count.
func (l *Listener) ActivePeers() int {
	return int(l.active.Load())
}

// Addr returns the bound listen address, or nil before Start succeeds.
// Useful when Port was 0.
func (l *Listener) Addr() net.Addr {
	if addr, ok := l.addr.Load().(net.Addr); ok {
		return addr
	}
	return nil
}

// serve runs the inbound peer state machine: handshake, bitfield snapshot,
// then interest and block requests until the peer goes away.
func (l *Listener) serve(conn net.Conn) {
	peerAddr := conn.RemoteAddr().String()
	defer conn.Close()

	if err := l.answerHandshake(conn); err != nil {
		l.Logger.Debug("inbound handshake failed",
			zap.String("peer", peerAddr), zap.Error(err))
		return
	}

	// snapshot of the present set at this moment; later completions are
	// not pushed as have messages
	snapshot := l.Pieces.BitfieldSnapshot()
	if err := send(conn, message.NewBitfield(snapshot)); err != nil {
		return
	}

	if l.OnPeerConnected != nil {
		l.OnPeerConnected(peerAddr)
	}
	defer func() {
		if l.OnPeerDisconnected != nil {
			l.OnPeerDisconnected(peerAddr)
		}
	}()
	l.Logger.Debug("seeding to peer", zap.String("peer", peerAddr))

	interested := false
	choked := true
	for {
		msg, err := message.Read(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.Logger.Debug("peer connection ended",
					zap.String("peer", peerAddr), zap.Error(err))
			}
			return
		}
		if msg == nil {
			// keep-alive
			continue
		}

		switch msg.ID {
		case message.Interested:
			interested = true
			if err := send(conn, &message.Message{ID: message.Unchoke}); err != nil {
				return
			}
			choked = false
		case message.NotInterested:
			interested = false
		case message.Request:
			if !interested || choked {
				l.Logger.Debug("request from choked or uninterested peer",
					zap.String("peer", peerAddr))
				continue
			}
			if err := l.handleRequest(conn, msg, peerAddr); err != nil {
				return
			}
		case message.Cancel:
			// requests are served synchronously; a cancel that arrives
			// here is for a request already answered or never queued
			index, begin, _, err := message.ParseRequest(msg)
			if err == nil {
				l.Logger.Debug("peer cancelled request",
					zap.String("peer", peerAddr),
					zap.Int("piece", index), zap.Int("begin", begin))
			}
		default:
			// choke/unchoke/have/bitfield from a leeching peer are fine
		}
	}
}

func (l *Listener) answerHandshake(conn net.Conn) error {
	theirs, err := handshake.Read(conn)
	if err != nil {
		return err
	}
	if theirs.InfoHash != l.InfoHash {
		return fmt.Errorf("info hash mismatch from %s", conn.RemoteAddr())
	}
	_, err = conn.Write(handshake.New(l.InfoHash, l.PeerID).Serialize())
	return err
}

// handleRequest validates and serves one block request. Invalid requests are
// dropped with a log; only transport errors end the connection.
func (l *Listener) handleRequest(conn net.Conn, msg *message.Message, peerAddr string) error {
	index, begin, length, err := message.ParseRequest(msg)
	if err != nil {
		l.Logger.Debug("unparseable request", zap.String("peer", peerAddr), zap.Error(err))
		return nil
	}
	if length <= 0 || length > message.MaxBlockSize {
		l.Logger.Debug("oversize block request dropped",
			zap.String("peer", peerAddr), zap.Int("length", length))
		return nil
	}
	if !l.Pieces.HasPiece(index) {
		l.Logger.Debug("request for piece we lack",
			zap.String("peer", peerAddr), zap.Int("piece", index))
		return nil
	}

	block, err := l.Store.ReadRange(index, begin, length)
	if err != nil {
		l.Logger.Warn("block read failed",
			zap.Int("piece", index), zap.Int("begin", begin), zap.Error(err))
		return nil
	}
	if err := send(conn, message.NewPiece(index, begin, block)); err != nil {
		return err
	}

	if l.OnUpload != nil {
		l.OnUpload(index, int64(length), peerAddr)
	}
	return nil
}

func send(conn net.Conn, msg *message.Message) error {
	_, err := conn.Write(msg.Serialize())
	return err
}
