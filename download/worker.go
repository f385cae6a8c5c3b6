// Package download pulls missing pieces from peers, one worker per slot in
// the torrent's pool.
package download

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"swarm/message"
	"swarm/metainfo"
	"swarm/peer"
	"swarm/pieces"
	"swarm/storage"
)

// MaxPeerFailures is how many consecutive failures retire a peer from a
// worker's rotation.
const MaxPeerFailures = 3

// one full piece, requested as blocks, should arrive within this window
const pieceTimeout = 30 * time.Second

// wait before re-polling an empty peer directory
const noPeerWait = 2 * time.Second

// consecutive claims the connected peer lacks before trying another peer
const maxClaimMisses = 8

// fatalError marks an error that must abort the whole torrent, not just the
// current peer.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

func fatal(err error) error { return &fatalError{err: err} }

// IsFatal reports whether err is torrent-fatal: a filesystem failure or an
// exhausted retry budget.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe) || errors.Is(err, pieces.ErrRetryExhausted)
}

// Worker owns at most one peer socket at a time and drives it through
// connect, handshake, bitfield, interested, unchoke, and the claim loop.
type Worker struct {
	ID       int
	Meta     *metainfo.Metainfo
	PeerID   [20]byte
	Pieces   *pieces.Manager
	Store    *storage.Store
	Peers    *peer.Directory
	// OnPieceCompleted reports each verified piece with its byte count.
	OnPieceCompleted func(index int, n int64)
	Logger           *zap.Logger
}

// Run loops until the torrent is complete, the context is cancelled, or a
// fatal error occurs. Peer-local errors are absorbed into the peer's failure
// count.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if w.Pieces.IsComplete() || ctx.Err() != nil {
			return nil
		}

		p, ok := w.Peers.Next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(noPeerWait):
			}
			continue
		}

		err := w.downloadFromPeer(ctx, p)
		switch {
		case err == nil:
			w.Peers.Reset(p)
		case IsFatal(err):
			w.Logger.Error("worker hit fatal error",
				zap.Int("worker", w.ID), zap.Error(err))
			return err
		default:
			count := w.Peers.Fail(p)
			w.Logger.Debug("peer failed",
				zap.Int("worker", w.ID),
				zap.String("peer", p.String()),
				zap.Int("failures", count),
				zap.Error(err))
		}
	}
}

// downloadFromPeer runs the per-peer state machine until the torrent
// completes, the peer misbehaves, or the context ends.
func (w *Worker) downloadFromPeer(ctx context.Context, p peer.Peer) error {
	conn, err := newConn(p, w.PeerID, w.Meta.InfoHash, w.Meta.NumPieces())
	if err != nil {
		return err
	}
	defer conn.Close()

	// a cancelled context must unblock socket reads promptly
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()
	w.Logger.Debug("connected to peer",
		zap.Int("worker", w.ID), zap.String("peer", p.String()))

	if err := conn.sendInterested(); err != nil {
		return err
	}
	if err := conn.awaitUnchoke(); err != nil {
		return err
	}

	misses := 0
	for {
		if ctx.Err() != nil || w.Pieces.IsComplete() {
			return nil
		}

		c := w.Pieces.Next()
		if c == nil {
			// nothing claimable right now; Next already waited
			continue
		}

		if !conn.Bitfield.HasPiece(c.Index) {
			w.Pieces.Abandon(c)
			misses++
			if misses >= maxClaimMisses {
				return fmt.Errorf("peer %s lacks the pieces we need", p)
			}
			continue
		}
		misses = 0

		buf, err := w.downloadPiece(conn, c)
		if err != nil {
			if ctx.Err() != nil {
				// shutdown, not a failed attempt
				w.Pieces.Abandon(c)
				return nil
			}
			if retryErr := w.Pieces.ReturnForRetry(c); retryErr != nil {
				return retryErr
			}
			return err
		}

		sum := sha1.Sum(buf)
		if !bytes.Equal(sum[:], w.Meta.PieceHashes[c.Index][:]) {
			w.Logger.Warn("piece failed verification",
				zap.Int("worker", w.ID), zap.Int("piece", c.Index))
			if retryErr := w.Pieces.ReturnForRetry(c); retryErr != nil {
				return retryErr
			}
			continue
		}

		// write-then-mark: the piece is on disk before the seeder can see it
		if err := w.Store.WritePiece(c.Index, buf); err != nil {
			if retryErr := w.Pieces.ReturnForRetry(c); retryErr != nil {
				return retryErr
			}
			return fatal(err)
		}
		if err := w.Pieces.MarkPresent(c.Index); err != nil {
			w.Logger.Warn("mark present refused",
				zap.Int("piece", c.Index), zap.Error(err))
			continue
		}

		conn.sendHave(c.Index)
		if w.OnPieceCompleted != nil {
			w.OnPieceCompleted(c.Index, int64(len(buf)))
		}
	}
}

// awaitUnchoke blocks on inbound messages until the peer unchokes us.
func (c *Conn) awaitUnchoke() error {
	c.conn.SetDeadline(time.Now().Add(pieceTimeout))
	defer c.conn.SetDeadline(time.Time{})

	for c.Choked {
		msg, err := c.read()
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}
		switch msg.ID {
		case message.Unchoke:
			c.Choked = false
		case message.Choke:
			c.Choked = true
		case message.Have:
			index, err := message.ParseHave(msg)
			if err != nil {
				return err
			}
			c.Bitfield.SetPiece(index)
		}
	}
	return nil
}

// downloadPiece requests the claim's blocks and reads them strictly in
// order. A choke suspends the transfer; after the next unchoke the missing
// blocks are re-requested. A block outside the expected order drops the peer.
func (w *Worker) downloadPiece(conn *Conn, c *pieces.Claim) ([]byte, error) {
	buf := make([]byte, c.Length)
	downloaded := 0

	conn.conn.SetDeadline(time.Now().Add(pieceTimeout))
	defer conn.conn.SetDeadline(time.Time{})

	if err := conn.sendBlockRequests(c.Index, downloaded, c.Length); err != nil {
		return nil, err
	}

	for downloaded < c.Length {
		msg, err := conn.read()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}

		switch msg.ID {
		case message.Choke:
			conn.Choked = true
		case message.Unchoke:
			if conn.Choked {
				conn.Choked = false
				// the peer discarded our queued requests while choking
				if err := conn.sendBlockRequests(c.Index, downloaded, c.Length); err != nil {
					return nil, err
				}
			}
		case message.Have:
			index, err := message.ParseHave(msg)
			if err != nil {
				return nil, err
			}
			conn.Bitfield.SetPiece(index)
		case message.Piece:
			begin, err := message.PieceBegin(msg)
			if err != nil {
				return nil, err
			}
			if begin != downloaded {
				return nil, fmt.Errorf("out-of-order block for piece %d: begin %d, expected %d",
					c.Index, begin, downloaded)
			}
			n, err := message.ParsePiece(c.Index, buf, msg)
			if err != nil {
				return nil, err
			}
			downloaded += n
		}
	}
	return buf, nil
}

// sendBlockRequests asks for every remaining block of the piece, from offset
// from up to length; the last block may be shorter than MaxBlockSize.
func (c *Conn) sendBlockRequests(index, from, length int) error {
	for begin := from; begin < length; begin += message.MaxBlockSize {
		blockSize := message.MaxBlockSize
		if length-begin < blockSize {
			blockSize = length - begin
		}
		if err := c.sendRequest(index, begin, blockSize); err != nil {
			return err
		}
	}
	return nil
}
