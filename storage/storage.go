// Package storage maps pieces of the concatenated content stream onto the
// files declared by the metainfo and performs the disk I/O for them.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"swarm/metainfo"
)

// ErrShortRead marks a read that could not produce the requested byte count.
var ErrShortRead = errors.New("short read from content files")

type fileEntry struct {
	path   string
	length int64
	// offset of the file's first byte within the content stream
	offset int64
	f      *os.File
}

// Store is the file mapper for one torrent. Piece writes for distinct pieces
// touch disjoint byte ranges and may run concurrently; WriteAt/ReadAt carry
// no internal positions, so no lock guards the data path.
type Store struct {
	mu          sync.Mutex
	files       []*fileEntry
	pieceLength int
	totalLength int64
	numPieces   int
	allocated   bool
	logger      *zap.Logger
}

// New builds a Store for the metainfo rooted at dir. Multi-file torrents nest
// under dir/<name>; a single-file torrent is dir/<name> itself.
func New(m *metainfo.Metainfo, dir string, logger *zap.Logger) *Store {
	s := &Store{
		pieceLength: m.PieceLength,
		totalLength: m.TotalLength,
		numPieces:   m.NumPieces(),
		logger:      logger,
	}
	if m.SingleFile {
		s.files = []*fileEntry{{
			path:   filepath.Join(dir, m.Name),
			length: m.Files[0].Length,
		}}
		return s
	}
	for _, f := range m.Files {
		parts := append([]string{dir, m.Name}, f.Path...)
		s.files = append(s.files, &fileEntry{
			path:   filepath.Join(parts...),
			length: f.Length,
			offset: f.Offset,
		})
	}
	return s
}

// Allocate creates parent directories and opens every file read-write,
// extending files shorter than their declared length. Existing bytes in the
// overlapping prefix are left untouched; oversized files are not truncated,
// reads and writes simply stop at the declared length.
func (s *Store) Allocate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.allocated {
		return nil
	}

	for _, entry := range s.files {
		if dir := filepath.Dir(entry.path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create directory for %s: %w", entry.path, err)
			}
		}
		f, err := os.OpenFile(entry.path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", entry.path, err)
		}
		fi, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat %s: %w", entry.path, err)
		}
		if fi.Size() < entry.length {
			if err := f.Truncate(entry.length); err != nil {
				f.Close()
				return fmt.Errorf("extend %s to %d bytes: %w", entry.path, entry.length, err)
			}
		}
		entry.f = f
		s.logger.Debug("allocated file",
			zap.String("path", entry.path), zap.Int64("length", entry.length))
	}
	s.allocated = true
	return nil
}

// AllFilesExist reports whether every file already exists at exactly its
// declared length. Callable before Allocate.
func (s *Store) AllFilesExist() bool {
	for _, entry := range s.files {
		fi, err := os.Stat(entry.path)
		if err != nil || fi.Size() != entry.length {
			return false
		}
	}
	return true
}

// span is one (file, in-file offset, length) segment of a content range.
type span struct {
	entry  *fileEntry
	off    int64
	length int64
}

// spansFor splits the content range [start, start+length) at file boundaries.
func (s *Store) spansFor(start, length int64) []span {
	var spans []span
	for _, entry := range s.files {
		fileEnd := entry.offset + entry.length
		if start >= fileEnd {
			continue
		}
		if start+length <= entry.offset {
			break
		}
		segStart := start
		if entry.offset > segStart {
			segStart = entry.offset
		}
		segEnd := start + length
		if fileEnd < segEnd {
			segEnd = fileEnd
		}
		spans = append(spans, span{
			entry:  entry,
			off:    segStart - entry.offset,
			length: segEnd - segStart,
		})
	}
	return spans
}

func (s *Store) pieceOffset(index int) int64 {
	return int64(index) * int64(s.pieceLength)
}

// PieceSize returns the byte length of the given piece.
func (s *Store) PieceSize(index int) int {
	begin := s.pieceOffset(index)
	end := begin + int64(s.pieceLength)
	if end > s.totalLength {
		end = s.totalLength
	}
	return int(end - begin)
}

// WritePiece writes a full piece across the overlapping files and flushes
// every touched file before returning.
func (s *Store) WritePiece(index int, data []byte) error {
	if index < 0 || index >= s.numPieces {
		return fmt.Errorf("piece index %d out of range", index)
	}
	if len(data) != s.PieceSize(index) {
		return fmt.Errorf("piece %d is %d bytes, got %d", index, s.PieceSize(index), len(data))
	}

	var dataOffset int64
	spans := s.spansFor(s.pieceOffset(index), int64(len(data)))
	for _, sp := range spans {
		if _, err := sp.entry.f.WriteAt(data[dataOffset:dataOffset+sp.length], sp.off); err != nil {
			return fmt.Errorf("write piece %d to %s: %w", index, sp.entry.path, err)
		}
		dataOffset += sp.length
	}
	for _, sp := range spans {
		if err := sp.entry.f.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", sp.entry.path, err)
		}
	}
	s.logger.Debug("wrote piece", zap.Int("piece", index), zap.Int("bytes", len(data)))
	return nil
}

// ReadRange reads length bytes of piece index starting at begin. It returns
// exactly length bytes or fails with ErrShortRead.
func (s *Store) ReadRange(index, begin, length int) ([]byte, error) {
	if index < 0 || index >= s.numPieces {
		return nil, fmt.Errorf("piece index %d out of range", index)
	}
	if begin < 0 || length <= 0 || begin+length > s.PieceSize(index) {
		return nil, fmt.Errorf("range [%d, %d) outside piece %d of %d bytes",
			begin, begin+length, index, s.PieceSize(index))
	}

	buf := make([]byte, length)
	var dataOffset int64
	for _, sp := range s.spansFor(s.pieceOffset(index)+int64(begin), int64(length)) {
		n, err := sp.entry.f.ReadAt(buf[dataOffset:dataOffset+sp.length], sp.off)
		if err != nil && !(errors.Is(err, io.EOF) && int64(n) == sp.length) {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: piece %d at %d in %s", ErrShortRead, index, sp.off, sp.entry.path)
			}
			return nil, fmt.Errorf("read piece %d from %s: %w", index, sp.entry.path, err)
		}
		if int64(n) != sp.length {
			return nil, fmt.Errorf("%w: piece %d, wanted %d bytes got %d", ErrShortRead, index, sp.length, n)
		}
		dataOffset += sp.length
	}
	return buf, nil
}

// ReadPiece reads the full piece for verification.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	return s.ReadRange(index, 0, s.PieceSize(index))
}

// Close flushes and closes all file handles.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, entry := range s.files {
		if entry.f == nil {
			continue
		}
		if err := entry.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := entry.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		entry.f = nil
	}
	s.allocated = false
	return firstErr
}
