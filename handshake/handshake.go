package handshake

import (
	"fmt"
	"io"
)

// A handshake frame consists of (in order):
//   - 1 byte for pstr length (has to be 19)
//   - 19 bytes for pstr (protocol identifier "BitTorrent protocol")
//   - 8 reserved bytes for extension support (all zero here)
//   - 20 bytes for the info hash
//   - 20 bytes for the peer id
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

const protocol = "BitTorrent protocol"

// length of the handshake frame in bytes
const Length = 68

// New returns a handshake for the given torrent identity.
func New(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize puts together the 68-byte handshake frame.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, Length)
	buf[0] = byte(len(protocol))
	curr := 1
	curr += copy(buf[curr:], protocol)
	curr += copy(buf[curr:], make([]byte, 8))
	curr += copy(buf[curr:], h.InfoHash[:])
	copy(buf[curr:], h.PeerID[:])
	return buf
}

// Read consumes a handshake frame from r.
func Read(r io.Reader) (*Handshake, error) {
	pstrLenBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, pstrLenBuf); err != nil {
		return nil, err
	}
	pstrLen := int(pstrLenBuf[0])
	if pstrLen != len(protocol) {
		return nil, fmt.Errorf("pstr length should be %d but is %d", len(protocol), pstrLen)
	}

	buf := make([]byte, Length-1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if string(buf[:pstrLen]) != protocol {
		return nil, fmt.Errorf("unexpected protocol identifier %q", buf[:pstrLen])
	}

	h := Handshake{}
	copy(h.InfoHash[:], buf[pstrLen+8:pstrLen+28])
	copy(h.PeerID[:], buf[pstrLen+28:])
	return &h, nil
}
