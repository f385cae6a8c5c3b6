package metainfo

import (
	"bytes"
	"fmt"
)

// rawInfoValue returns the exact byte range of the info value within the
// top-level dictionary. Hashing this slice keeps the info hash stable even
// when a decode/re-encode round trip would reorder or drop keys.
func rawInfoValue(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != 'd' {
		return nil, fmt.Errorf("%w: top level is not a dictionary", ErrMalformed)
	}
	pos := 1
	for pos < len(data) && data[pos] != 'e' {
		keyStart := pos
		keyEnd, err := skipElement(data, pos)
		if err != nil {
			return nil, err
		}
		valueEnd, err := skipElement(data, keyEnd)
		if err != nil {
			return nil, err
		}
		if bytes.Equal(data[keyStart:keyEnd], []byte("4:info")) {
			return data[keyEnd:valueEnd], nil
		}
		pos = valueEnd
	}
	return nil, fmt.Errorf("%w: missing info dictionary", ErrMalformed)
}

// skipElement returns the index just past the bencode element starting at pos.
func skipElement(data []byte, pos int) (int, error) {
	if pos >= len(data) {
		return 0, fmt.Errorf("%w: truncated element", ErrMalformed)
	}
	switch c := data[pos]; {
	case c == 'i':
		end := bytes.IndexByte(data[pos:], 'e')
		if end < 0 {
			return 0, fmt.Errorf("%w: unterminated integer", ErrMalformed)
		}
		return pos + end + 1, nil
	case c == 'l' || c == 'd':
		pos++
		for pos < len(data) && data[pos] != 'e' {
			var err error
			if pos, err = skipElement(data, pos); err != nil {
				return 0, err
			}
		}
		if pos >= len(data) {
			return 0, fmt.Errorf("%w: unterminated container", ErrMalformed)
		}
		return pos + 1, nil
	case c >= '0' && c <= '9':
		colon := bytes.IndexByte(data[pos:], ':')
		if colon < 0 {
			return 0, fmt.Errorf("%w: string without colon", ErrMalformed)
		}
		length := 0
		for _, digit := range data[pos : pos+colon] {
			if digit < '0' || digit > '9' {
				return 0, fmt.Errorf("%w: bad string length", ErrMalformed)
			}
			length = length*10 + int(digit-'0')
		}
		end := pos + colon + 1 + length
		if end > len(data) {
			return 0, fmt.Errorf("%w: truncated string", ErrMalformed)
		}
		return end, nil
	default:
		return 0, fmt.Errorf("%w: unexpected byte %q", ErrMalformed, c)
	}
}
