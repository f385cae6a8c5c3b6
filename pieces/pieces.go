// Package pieces holds the authoritative piece-state vector shared by the
// downloader and the seeder, the claim queue, and the resume persistence.
package pieces

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"swarm/bitfield"
	"swarm/metainfo"
	"swarm/storage"
)

// State of one piece. Transitions only ever follow
// absent -> in-flight -> {absent, present}; present is terminal.
type State uint8

const (
	StateAbsent State = iota
	StateInFlight
	StatePresent
)

// ErrRetryExhausted marks a piece that failed more than the retry budget.
// It is fatal for the torrent: declaring such a piece present would hand
// corrupt data to every peer we serve.
var ErrRetryExhausted = errors.New("piece retry budget exhausted")

const (
	// DefaultMaxRetries bounds download attempts per piece.
	DefaultMaxRetries = 5
	// DefaultRetryDelay is the minimum wait between attempts on one piece.
	DefaultRetryDelay = 2 * time.Second
	// completions between durable flushes of the resume bitmap
	flushEvery = 10
	// how long Next blocks before reporting no claimable piece
	claimWait = time.Second
)

// Claim is one piece handed to a downloader worker. It is owned by exactly
// one worker from Next until MarkPresent, ReturnForRetry or Abandon.
type Claim struct {
	Index  int
	Length int

	retries     int
	lastAttempt time.Time
}

// Manager coordinates piece states for one torrent.
type Manager struct {
	mu     sync.Mutex
	states []State
	have   bitfield.Bitfield
	// claims for every absent piece; a piece is queued at most once
	queue chan *Claim

	meta   *metainfo.Metainfo
	store  *storage.Store
	logger *zap.Logger

	statePath  string
	maxRetries int
	retryDelay time.Duration
	// now is injectable for deterministic tests
	now func() time.Time

	sinceFlush int
	shutdown   chan struct{}
	closeOnce  sync.Once
}

// NewManager builds a Manager persisting its resume bitmap at statePath.
func NewManager(m *metainfo.Metainfo, store *storage.Store, statePath string, logger *zap.Logger) *Manager {
	n := m.NumPieces()
	return &Manager{
		states:     make([]State, n),
		have:       bitfield.New(n),
		queue:      make(chan *Claim, n),
		meta:       m,
		store:      store,
		logger:     logger,
		statePath:  statePath,
		maxRetries: DefaultMaxRetries,
		retryDelay: DefaultRetryDelay,
		now:        time.Now,
		shutdown:   make(chan struct{}),
	}
}

// Init verifies what is already on disk and queues the rest for download.
//
// When fullVerify is set (all target files existed at their declared lengths
// before allocation) every piece is hashed from disk. Otherwise the resume
// bitmap is loaded and only its set bits are verified; a bit that no longer
// matches its hash is re-downloaded. Init returns whether the torrent is
// already complete.
func (m *Manager) Init(fullVerify bool) (bool, error) {
	if fullVerify {
		m.logger.Info("all files present, verifying every piece",
			zap.Int("pieces", len(m.states)))
		for i := range m.states {
			ok, err := m.verifyFromDisk(i)
			if err != nil {
				return false, err
			}
			if ok {
				m.adoptVerified(i)
			}
		}
	} else if candidates, err := m.loadResume(); err != nil {
		m.logger.Warn("discarding unreadable resume state", zap.Error(err))
	} else if candidates != nil {
		verified := 0
		for _, i := range candidates {
			ok, err := m.verifyFromDisk(i)
			if err != nil {
				return false, err
			}
			if ok {
				m.adoptVerified(i)
				verified++
			} else {
				m.logger.Warn("resume bit no longer verifies", zap.Int("piece", i))
			}
		}
		m.logger.Info("resume state loaded",
			zap.Int("verified", verified), zap.Int("claimed", len(candidates)))
	}

	queued := 0
	for i, st := range m.states {
		if st == StateAbsent {
			m.queue <- &Claim{Index: i, Length: m.meta.PieceSize(i)}
			queued++
		}
	}
	m.logger.Info("piece manager initialized",
		zap.Int("present", m.CompletedCount()), zap.Int("queued", queued))
	return m.IsComplete(), nil
}

func (m *Manager) verifyFromDisk(index int) (bool, error) {
	data, err := m.store.ReadPiece(index)
	if err != nil {
		if errors.Is(err, storage.ErrShortRead) {
			return false, nil
		}
		return false, err
	}
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], m.meta.PieceHashes[index][:]), nil
}

func (m *Manager) adoptVerified(index int) {
	m.mu.Lock()
	m.states[index] = StatePresent
	m.have.SetPiece(index)
	m.mu.Unlock()
}

// Next claims some absent piece, moving it to in-flight. It blocks up to a
// small bounded interval; nil means no piece is claimable right now — the
// caller decides between exiting (IsComplete) and backing off.
func (m *Manager) Next() *Claim {
	for {
		select {
		case <-m.shutdown:
			return nil
		default:
		}
		select {
		case <-m.shutdown:
			return nil
		case c := <-m.queue:
			m.mu.Lock()
			if m.states[c.Index] != StateAbsent {
				// completed or claimed elsewhere while queued
				m.mu.Unlock()
				continue
			}
			m.states[c.Index] = StateInFlight
			c.lastAttempt = m.now()
			m.mu.Unlock()
			return c
		case <-time.After(claimWait):
			return nil
		}
	}
}

// MarkPresent records a verified, written piece. The piece must be in-flight;
// marking a present piece again is a logged no-op.
func (m *Manager) MarkPresent(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.states[index] {
	case StatePresent:
		m.logger.Debug("piece already present", zap.Int("piece", index))
		return nil
	case StateAbsent:
		return fmt.Errorf("piece %d marked present while absent", index)
	}

	m.states[index] = StatePresent
	m.have.SetPiece(index)
	m.sinceFlush++
	if m.sinceFlush >= flushEvery {
		if err := m.flushLocked(); err != nil {
			m.logger.Warn("resume flush failed", zap.Error(err))
		}
	}
	return nil
}

// ReturnForRetry gives an in-flight claim back after a failed attempt. The
// piece becomes absent again and re-enters the queue once the retry delay
// since its last attempt has elapsed. Exceeding the retry budget fails with
// ErrRetryExhausted instead of ever faking the piece as present.
func (m *Manager) ReturnForRetry(c *Claim) error {
	m.mu.Lock()
	if m.states[c.Index] != StateInFlight {
		m.mu.Unlock()
		return fmt.Errorf("piece %d returned while not in-flight", c.Index)
	}
	m.states[c.Index] = StateAbsent
	m.mu.Unlock()

	if c.retries >= m.maxRetries {
		return fmt.Errorf("%w: piece %d after %d attempts", ErrRetryExhausted, c.Index, c.retries)
	}
	c.retries++

	wait := m.retryDelay - m.now().Sub(c.lastAttempt)
	if wait <= 0 {
		m.enqueue(c)
	} else {
		time.AfterFunc(wait, func() { m.enqueue(c) })
	}
	m.logger.Debug("piece returned for retry",
		zap.Int("piece", c.Index), zap.Int("attempt", c.retries))
	return nil
}

// Abandon returns an in-flight claim untried, e.g. when the connected peer
// does not have the piece. The retry budget is not consumed.
func (m *Manager) Abandon(c *Claim) {
	m.mu.Lock()
	if m.states[c.Index] != StateInFlight {
		m.mu.Unlock()
		return
	}
	m.states[c.Index] = StateAbsent
	m.mu.Unlock()
	m.enqueue(c)
}

func (m *Manager) enqueue(c *Claim) {
	select {
	case <-m.shutdown:
	case m.queue <- c:
	default:
		// queue capacity equals the piece count; never block a timer goroutine
		m.logger.Warn("claim queue full", zap.Int("piece", c.Index))
	}
}

// HasPiece reports whether a piece is present.
func (m *Manager) HasPiece(index int) bool {
	if index < 0 || index >= len(m.states) {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[index] == StatePresent
}

// BitfieldSnapshot returns a copy of the present set in wire order.
func (m *Manager) BitfieldSnapshot() bitfield.Bitfield {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.have.Clone()
}

// CompletedCount returns the number of present pieces.
func (m *Manager) CompletedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.have.Count()
}

// NumPieces returns N.
func (m *Manager) NumPieces() int {
	return len(m.states)
}

// IsComplete reports whether every piece is present.
func (m *Manager) IsComplete() bool {
	return m.CompletedCount() == len(m.states)
}

// Left returns the byte count still to download, accounting for the shorter
// last piece.
func (m *Manager) Left() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var left int64
	for i, st := range m.states {
		if st != StatePresent {
			left += int64(m.meta.PieceSize(i))
		}
	}
	return left
}

// Flush writes the resume bitmap durably.
func (m *Manager) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked()
}

// Shutdown stops claim handout and flushes the resume bitmap. A complete
// torrent is not flushed, so a sidecar removed on completion stays removed.
// Idempotent.
func (m *Manager) Shutdown() {
	m.closeOnce.Do(func() {
		close(m.shutdown)
		if m.IsComplete() {
			return
		}
		if err := m.Flush(); err != nil {
			m.logger.Warn("final resume flush failed", zap.Error(err))
		}
	})
}
