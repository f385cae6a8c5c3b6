package pieces

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// The resume file packs the present set LSB-first per byte: piece i lives in
// byte i/8 at bit position i%8. This is the opposite bit order from the wire
// bitfield and matches resume files written by prior versions of the client.
// Trailing zero bytes may be omitted.

func packResume(states []State) []byte {
	buf := make([]byte, (len(states)+7)/8)
	for i, st := range states {
		if st == StatePresent {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	// trim trailing zeros
	end := len(buf)
	for end > 0 && buf[end-1] == 0 {
		end--
	}
	return buf[:end]
}

func unpackResume(data []byte, numPieces int) []int {
	var set []int
	for i := 0; i < numPieces; i++ {
		byteIndex := i / 8
		if byteIndex >= len(data) {
			break
		}
		if data[byteIndex]>>(i%8)&1 != 0 {
			set = append(set, i)
		}
	}
	return set
}

// loadResume returns the piece indices claimed present by the resume file,
// or nil when no resume file exists.
func (m *Manager) loadResume() ([]int, error) {
	data, err := os.ReadFile(m.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return unpackResume(data, len(m.states)), nil
}

// flushLocked durably replaces the resume file with the current present set.
// Written to a temp file and renamed, so a crash leaves either the old or the
// new bitmap, both of which only claim verified pieces.
func (m *Manager) flushLocked() error {
	data := packResume(m.states)
	tmp := m.statePath + ".tmp"
	if err := os.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, m.statePath); err != nil {
		return err
	}
	m.sinceFlush = 0
	m.logger.Debug("resume state flushed", zap.Int("bytes", len(data)))
	return nil
}

// RemoveStateFile deletes the resume file; called once the torrent completes.
func (m *Manager) RemoveStateFile() error {
	err := os.Remove(m.statePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
