package download

import (
	"bytes"
	"fmt"
	"net"
	"time"

	"swarm/bitfield"
	"swarm/handshake"
	"swarm/message"
	"swarm/peer"
)

// connect timeout per the worker state machine
const dialTimeout = 30 * time.Second

// handshake and bitfield are expected promptly after connecting
const setupTimeout = 5 * time.Second

// Conn is an outbound peer connection that has completed the handshake and
// the initial bitfield exchange.
type Conn struct {
	conn     net.Conn
	Peer     peer.Peer
	Choked   bool
	Bitfield bitfield.Bitfield
}

// newConn dials the peer, handshakes, and waits for its piece set
// (bitfield, have-all or have-none).
func newConn(p peer.Peer, peerID, infoHash [20]byte, numPieces int) (*Conn, error) {
	conn, err := net.DialTimeout("tcp", p.String(), dialTimeout)
	if err != nil {
		return nil, err
	}

	if err := completeHandshake(conn, infoHash, peerID); err != nil {
		conn.Close()
		return nil, err
	}

	bf, err := awaitPieceSet(conn, numPieces)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &Conn{
		conn:     conn,
		Peer:     p,
		Choked:   true,
		Bitfield: bf,
	}, nil
}

func completeHandshake(conn net.Conn, infoHash, peerID [20]byte) error {
	conn.SetDeadline(time.Now().Add(setupTimeout))
	defer conn.SetDeadline(time.Time{})

	request := handshake.New(infoHash, peerID)
	if _, err := conn.Write(request.Serialize()); err != nil {
		return err
	}

	result, err := handshake.Read(conn)
	if err != nil {
		return err
	}
	if !bytes.Equal(result.InfoHash[:], infoHash[:]) {
		return fmt.Errorf("expected infohash %x but got %x", infoHash, result.InfoHash)
	}
	return nil
}

// awaitPieceSet reads messages until the peer declares its pieces. Other
// messages arriving first are honored but do not satisfy the wait.
func awaitPieceSet(conn net.Conn, numPieces int) (bitfield.Bitfield, error) {
	conn.SetDeadline(time.Now().Add(setupTimeout))
	defer conn.SetDeadline(time.Time{})

	// have messages may precede the bitfield; apply them afterwards
	var early []int
	for {
		msg, err := message.Read(conn)
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}

		switch msg.ID {
		case message.Bitfield:
			bf := bitfield.Bitfield(msg.Payload)
			if len(bf) < (numPieces+7)/8 {
				return nil, fmt.Errorf("bitfield of %d bytes for %d pieces", len(bf), numPieces)
			}
			for _, index := range early {
				bf.SetPiece(index)
			}
			return bf, nil
		case message.HaveAll:
			bf := bitfield.New(numPieces)
			for i := 0; i < numPieces; i++ {
				bf.SetPiece(i)
			}
			return bf, nil
		case message.HaveNone:
			bf := bitfield.New(numPieces)
			for _, index := range early {
				bf.SetPiece(index)
			}
			return bf, nil
		case message.Have:
			index, err := message.ParseHave(msg)
			if err != nil {
				return nil, err
			}
			early = append(early, index)
		default:
			// anything else is fine here, just not what we wait for
		}
	}
}

func (c *Conn) read() (*message.Message, error) {
	return message.Read(c.conn)
}

func (c *Conn) send(msg *message.Message) error {
	_, err := c.conn.Write(msg.Serialize())
	return err
}

func (c *Conn) sendInterested() error {
	return c.send(&message.Message{ID: message.Interested})
}

func (c *Conn) sendRequest(index, begin, length int) error {
	return c.send(message.NewRequest(index, begin, length))
}

func (c *Conn) sendHave(index int) error {
	return c.send(message.NewHave(index))
}

// Close shuts the socket.
func (c *Conn) Close() error {
	return c.conn.Close()
}
