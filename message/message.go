package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ID identifies a peer-wire message type.
type ID uint8

// All non-keepalive messages with their IDs:
//   - choke 0 (peer will not honor our requests)
//   - unchoke 1 (peer will honor our requests)
//   - interested 2 (we want pieces from the peer)
//   - not interested 3 (we want nothing from the peer)
//   - have 4 (payload is one piece index the sender now has)
//   - bitfield 5 (payload encodes the sender's piece set)
//   - request 6 (payload <index><begin><length> asking for a block)
//   - piece 7 (payload <index><begin><block> carrying a block)
//   - cancel 8 (identical shape to request, withdrawing it)
//   - have-all 14 / have-none 15 (fast-extension bitfield shortcuts)
//   - extended 20 (one inner id byte, then an opaque payload)
const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	Bitfield      ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
	HaveAll       ID = 14
	HaveNone      ID = 15
	Extended      ID = 20
)

// MaxFrameLength caps the accepted length prefix.
const MaxFrameLength = 1 << 20

// MaxBlockSize is the block request unit; peers asking for more are refused.
const MaxBlockSize = 16 * 1024

// ErrMalformed marks a frame whose declared length does not fit its id.
var ErrMalformed = errors.New("malformed peer message")

// Every message is of the form:
// | 4-byte length | 1-byte id | payload |
// A zero length is a keep-alive, represented as a nil *Message.
type Message struct {
	ID      ID
	Payload []byte
	// ExtendedID is the inner id byte of an Extended message.
	ExtendedID uint8
}

// fixed payload sizes by id; -1 means variable
var payloadSizes = map[ID]int{
	Choke:         0,
	Unchoke:       0,
	Interested:    0,
	NotInterested: 0,
	Have:          4,
	Bitfield:      -1,
	Request:       12,
	Piece:         -1,
	Cancel:        12,
	HaveAll:       0,
	HaveNone:      0,
	Extended:      -1,
}

// NewRequest builds a request message for one block.
func NewRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// NewCancel builds a cancel message mirroring a prior request.
func NewCancel(index, begin, length int) *Message {
	msg := NewRequest(index, begin, length)
	msg.ID = Cancel
	return msg
}

// NewHave builds a have message for one piece index.
func NewHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// NewBitfield wraps a wire-order bitfield.
func NewBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: bits}
}

// NewPiece builds a piece message carrying one block.
func NewPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParseHave extracts the piece index from a have message.
func ParseHave(msg *Message) (int, error) {
	if msg.ID != Have {
		return 0, fmt.Errorf("%w: expected id %d (have), got %d", ErrMalformed, Have, msg.ID)
	}
	if len(msg.Payload) != 4 {
		return 0, fmt.Errorf("%w: have payload of %d bytes", ErrMalformed, len(msg.Payload))
	}
	return int(binary.BigEndian.Uint32(msg.Payload)), nil
}

// ParseRequest extracts (index, begin, length) from a request or cancel message.
func ParseRequest(msg *Message) (index, begin, length int, err error) {
	if msg.ID != Request && msg.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("%w: expected request or cancel, got id %d", ErrMalformed, msg.ID)
	}
	if len(msg.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("%w: request payload of %d bytes", ErrMalformed, len(msg.Payload))
	}
	index = int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(msg.Payload[8:12]))
	return index, begin, length, nil
}

// ParsePiece copies the block from a piece message into buf and returns the
// block length. The message must carry the expected piece index and a block
// that fits inside buf.
func ParsePiece(index int, buf []byte, msg *Message) (int, error) {
	if msg.ID != Piece {
		return 0, fmt.Errorf("%w: expected id %d (piece), got %d", ErrMalformed, Piece, msg.ID)
	}
	if len(msg.Payload) < 8 {
		return 0, fmt.Errorf("%w: piece payload of %d bytes", ErrMalformed, len(msg.Payload))
	}
	parsedIndex := int(binary.BigEndian.Uint32(msg.Payload[0:4]))
	if parsedIndex != index {
		return 0, fmt.Errorf("expected piece index %d, got %d", index, parsedIndex)
	}
	begin := int(binary.BigEndian.Uint32(msg.Payload[4:8]))
	if begin >= len(buf) {
		return 0, fmt.Errorf("begin offset %d beyond buffer of %d bytes", begin, len(buf))
	}
	block := msg.Payload[8:]
	if begin+len(block) > len(buf) {
		return 0, fmt.Errorf("block of %d bytes at offset %d beyond buffer of %d bytes", len(block), begin, len(buf))
	}
	copy(buf[begin:], block)
	return len(block), nil
}

// PieceBegin returns the begin offset declared by a piece message.
func PieceBegin(msg *Message) (int, error) {
	if msg.ID != Piece || len(msg.Payload) < 8 {
		return 0, fmt.Errorf("%w: not a piece message", ErrMalformed)
	}
	return int(binary.BigEndian.Uint32(msg.Payload[4:8])), nil
}

// Serialize puts together a frame. A nil message serializes as a keep-alive.
func (msg *Message) Serialize() []byte {
	if msg == nil {
		return make([]byte, 4)
	}
	length := uint32(len(msg.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msg.ID)
	copy(buf[5:], msg.Payload)
	return buf
}

// Read consumes one frame from r. A keep-alive returns (nil, nil).
//
// Frames longer than MaxFrameLength and frames whose payload size does not
// match the fixed size for their id fail with ErrMalformed. Unknown ids are
// tolerated: their payload is consumed and the message returned as-is for the
// caller to ignore. Extended (20) frames additionally decode the inner id.
func Read(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)

	// keep-alive
	if length == 0 {
		return nil, nil
	}
	if length > MaxFrameLength {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds cap", ErrMalformed, length)
	}

	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}

	msg := &Message{ID: ID(frame[0]), Payload: frame[1:]}
	if want, known := payloadSizes[msg.ID]; known && want >= 0 && len(msg.Payload) != want {
		return nil, fmt.Errorf("%w: id %d with payload of %d bytes, want %d",
			ErrMalformed, msg.ID, len(msg.Payload), want)
	}
	if msg.ID == Piece && len(msg.Payload) < 8 {
		return nil, fmt.Errorf("%w: piece payload of %d bytes", ErrMalformed, len(msg.Payload))
	}
	if msg.ID == Extended {
		if len(msg.Payload) < 1 {
			return nil, fmt.Errorf("%w: extended frame without inner id", ErrMalformed)
		}
		msg.ExtendedID = msg.Payload[0]
		msg.Payload = msg.Payload[1:]
	}
	return msg, nil
}

func (msg *Message) name() string {
	if msg == nil {
		return "KeepAlive"
	}
	switch msg.ID {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "NotInterested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	case Cancel:
		return "Cancel"
	case HaveAll:
		return "HaveAll"
	case HaveNone:
		return "HaveNone"
	case Extended:
		return "Extended"
	default:
		return fmt.Sprintf("Unknown#%d", msg.ID)
	}
}

func (msg *Message) String() string {
	if msg == nil {
		return msg.name()
	}
	return fmt.Sprintf("%s [%d]", msg.name(), len(msg.Payload))
}
