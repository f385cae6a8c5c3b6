package metainfo

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"os"
	"strings"

	bencode "github.com/jackpal/bencode-go"
)

// ErrMalformed marks a structural failure in the metainfo file.
var ErrMalformed = errors.New("malformed metainfo")

// ErrEmptyAnnounceList marks a metainfo with no tracker URL at all.
var ErrEmptyAnnounceList = errors.New("metainfo has no announce URL")

// File is one file of the content, with its path components relative to the
// torrent root and its start offset within the concatenated content stream.
type File struct {
	Length int64
	Path   []string
	Offset int64
}

// Metainfo is the decoded .torrent file. Single-file torrents expose one
// synthetic entry in Files with an empty Path.
type Metainfo struct {
	Name         string
	Files        []File
	PieceLength  int
	PieceHashes  [][20]byte
	InfoHash     [20]byte
	AnnounceList []string
	TotalLength  int64
	SingleFile   bool
}

type bencodeInfo struct {
	PieceLength int               `bencode:"piece length"`
	Pieces      string            `bencode:"pieces"`
	Length      int64             `bencode:"length,omitempty"`
	Name        string            `bencode:"name"`
	Private     bool              `bencode:"private,omitempty"`
	Source      string            `bencode:"source,omitempty"`
	Files       []bencodeFileInfo `bencode:"files,omitempty"`
}

type bencodeTorrent struct {
	Announce     string      `bencode:"announce"`
	AnnounceList [][]string  `bencode:"announce-list"`
	Info         bencodeInfo `bencode:"info"`
}

type bencodeFileInfo struct {
	Length   int64    `bencode:"length"`
	Path     []string `bencode:"path"`
	PathUTF8 []string `bencode:"path.utf-8,omitempty"`
}

// Load reads and decodes a .torrent file.
func Load(path string) (*Metainfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a metainfo buffer.
//
// The info hash is the SHA-1 of the info value's raw byte range inside data,
// so it is byte-exact regardless of how a re-encoding would order or omit
// keys.
func Parse(data []byte) (*Metainfo, error) {
	bto := bencodeTorrent{}
	if err := bencode.Unmarshal(bytes.NewReader(data), &bto); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	rawInfo, err := rawInfoValue(data)
	if err != nil {
		return nil, err
	}

	m := &Metainfo{
		Name:        bto.Info.Name,
		PieceLength: bto.Info.PieceLength,
		InfoHash:    sha1.Sum(rawInfo),
	}

	if m.PieceHashes, err = splitPieceHashes(bto.Info.Pieces); err != nil {
		return nil, err
	}
	if err := m.buildFiles(&bto.Info); err != nil {
		return nil, err
	}
	if err := m.validate(); err != nil {
		return nil, err
	}

	m.AnnounceList = flattenAnnounceList(bto.Announce, bto.AnnounceList)
	if len(m.AnnounceList) == 0 {
		return nil, ErrEmptyAnnounceList
	}
	return m, nil
}

func splitPieceHashes(pieces string) ([][20]byte, error) {
	buf := []byte(pieces)
	if len(buf) == 0 || len(buf)%20 != 0 {
		return nil, fmt.Errorf("%w: pieces string of %d bytes", ErrMalformed, len(buf))
	}
	hashes := make([][20]byte, len(buf)/20)
	for i := range hashes {
		copy(hashes[i][:], buf[i*20:(i+1)*20])
	}
	return hashes, nil
}

func (m *Metainfo) buildFiles(info *bencodeInfo) error {
	if info.Files == nil {
		m.SingleFile = true
		m.Files = []File{{Length: info.Length}}
		m.TotalLength = info.Length
		return nil
	}
	if info.Length != 0 {
		return fmt.Errorf("%w: both length and files present", ErrMalformed)
	}

	var offset int64
	m.Files = make([]File, 0, len(info.Files))
	for _, f := range info.Files {
		m.Files = append(m.Files, File{Length: f.Length, Path: f.Path, Offset: offset})
		offset += f.Length
	}
	m.TotalLength = offset
	return nil
}

func (m *Metainfo) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: missing name", ErrMalformed)
	}
	if strings.ContainsAny(m.Name, "/\x00") || m.Name == ".." {
		return fmt.Errorf("%w: unsafe name %q", ErrMalformed, m.Name)
	}
	if m.PieceLength <= 0 {
		return fmt.Errorf("%w: piece length %d", ErrMalformed, m.PieceLength)
	}
	if !m.SingleFile && len(m.Files) == 0 {
		return fmt.Errorf("%w: empty files list", ErrMalformed)
	}
	for _, f := range m.Files {
		if f.Length <= 0 {
			return fmt.Errorf("%w: file length %d", ErrMalformed, f.Length)
		}
		if !m.SingleFile && len(f.Path) == 0 {
			return fmt.Errorf("%w: file without path", ErrMalformed)
		}
		for _, component := range f.Path {
			if component == "" || component == ".." ||
				strings.ContainsAny(component, "/\x00") || strings.HasPrefix(component, "\\") {
				return fmt.Errorf("%w: unsafe path component %q", ErrMalformed, component)
			}
		}
	}
	if want := m.expectedPieces(); len(m.PieceHashes) != want {
		return fmt.Errorf("%w: %d piece hashes for %d pieces", ErrMalformed, len(m.PieceHashes), want)
	}
	return nil
}

func (m *Metainfo) expectedPieces() int {
	return int((m.TotalLength + int64(m.PieceLength) - 1) / int64(m.PieceLength))
}

// flattenAnnounceList returns tracker URLs in tier order, starting with the
// plain announce URL when present, without duplicates.
func flattenAnnounceList(announce string, tiers [][]string) []string {
	var urls []string
	seen := make(map[string]struct{})
	add := func(u string) {
		if u == "" {
			return
		}
		if _, dup := seen[u]; dup {
			return
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	add(announce)
	for _, tier := range tiers {
		for _, u := range tier {
			add(u)
		}
	}
	return urls
}

// NumPieces returns N, the number of pieces.
func (m *Metainfo) NumPieces() int {
	return len(m.PieceHashes)
}

// PieceSize returns the length of piece index; only the last piece may be
// shorter than the piece length.
func (m *Metainfo) PieceSize(index int) int {
	begin := int64(index) * int64(m.PieceLength)
	end := begin + int64(m.PieceLength)
	if end > m.TotalLength {
		end = m.TotalLength
	}
	return int(end - begin)
}
