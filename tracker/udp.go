package tracker

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	"swarm/peer"
)

// UDP tracker protocol constants.
const (
	udpMagic        = 0x41727101980
	actionConnect   = 0
	actionAnnounce  = 1
	actionError     = 3
	connectFrameLen = 16
	announceReqLen  = 98
	// announce response header: action, transaction id, interval,
	// leechers, seeders
	announceRespMin = 20
)

// DefaultUDPTimeout bounds each receive on the tracker socket.
const DefaultUDPTimeout = 15 * time.Second

// UDPClient announces to udp:// trackers with the two-phase
// connect/announce exchange.
type UDPClient struct {
	Timeout time.Duration
	// Rand supplies transaction ids and the announce key; injectable so
	// tests can drive the exchange deterministically.
	Rand func() uint32
}

// NewUDPClient returns a UDP tracker client with the default timeout.
func NewUDPClient() *UDPClient {
	return &UDPClient{Timeout: DefaultUDPTimeout, Rand: rand.Uint32}
}

// connectFrame is the 16-byte connect request.
func connectFrame(txID uint32) []byte {
	buf := make([]byte, connectFrameLen)
	binary.BigEndian.PutUint64(buf[0:8], udpMagic)
	binary.BigEndian.PutUint32(buf[8:12], actionConnect)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	return buf
}

// announceFrame is the 98-byte announce request.
func announceFrame(connectionID uint64, txID, key uint32, req *Request) []byte {
	buf := make([]byte, announceReqLen)
	binary.BigEndian.PutUint64(buf[0:8], connectionID)
	binary.BigEndian.PutUint32(buf[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(buf[12:16], txID)
	copy(buf[16:36], req.InfoHash[:])
	copy(buf[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(buf[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(buf[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(buf[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(buf[80:84], req.Event.udpCode())
	binary.BigEndian.PutUint32(buf[84:88], 0) // IP: let the tracker use the source
	binary.BigEndian.PutUint32(buf[88:92], key)
	binary.BigEndian.PutUint32(buf[92:96], uint32(int32(req.NumWant)))
	binary.BigEndian.PutUint16(buf[96:98], uint16(req.Port))
	return buf
}

// Announce runs connect then announce against the tracker at trackerURL.
func (c *UDPClient) Announce(trackerURL string, req *Request) (*Response, error) {
	base, err := url.Parse(trackerURL)
	if err != nil {
		return nil, err
	}
	raddr, err := net.ResolveUDPAddr("udp4", base.Host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connectionID, err := c.connect(conn)
	if err != nil {
		return nil, err
	}
	return c.announce(conn, connectionID, req)
}

func (c *UDPClient) connect(conn *net.UDPConn) (uint64, error) {
	txID := c.Rand()
	if _, err := conn.Write(connectFrame(txID)); err != nil {
		return 0, err
	}

	buf := make([]byte, connectFrameLen)
	conn.SetReadDeadline(time.Now().Add(c.Timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return 0, err
	}
	if n < connectFrameLen {
		return 0, fmt.Errorf("%w: connect response of %d bytes", ErrMalformedResponse, n)
	}
	if got := binary.BigEndian.Uint32(buf[0:4]); got != actionConnect {
		return 0, fmt.Errorf("%w: connect response action %d", ErrMalformedResponse, got)
	}
	if got := binary.BigEndian.Uint32(buf[4:8]); got != txID {
		return 0, fmt.Errorf("%w: connect transaction id %#x, sent %#x", ErrMalformedResponse, got, txID)
	}
	return binary.BigEndian.Uint64(buf[8:16]), nil
}

func (c *UDPClient) announce(conn *net.UDPConn, connectionID uint64, req *Request) (*Response, error) {
	txID := c.Rand()
	if _, err := conn.Write(announceFrame(connectionID, txID, c.Rand(), req)); err != nil {
		return nil, err
	}

	buf := make([]byte, 4096)
	conn.SetReadDeadline(time.Now().Add(c.Timeout))
	n, err := conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return parseAnnounceResponse(buf[:n], txID)
}

func parseAnnounceResponse(buf []byte, txID uint32) (*Response, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: announce response of %d bytes", ErrMalformedResponse, len(buf))
	}
	action := binary.BigEndian.Uint32(buf[0:4])
	if got := binary.BigEndian.Uint32(buf[4:8]); got != txID {
		return nil, fmt.Errorf("%w: announce transaction id %#x, sent %#x", ErrMalformedResponse, got, txID)
	}
	if action == actionError {
		return nil, &FailureError{Reason: string(buf[8:])}
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("%w: announce response action %d", ErrMalformedResponse, action)
	}
	if len(buf) < announceRespMin {
		return nil, fmt.Errorf("%w: announce response of %d bytes", ErrMalformedResponse, len(buf))
	}

	peers, err := peer.Unmarshal(buf[announceRespMin:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return &Response{
		Interval:   int(binary.BigEndian.Uint32(buf[8:12])),
		Incomplete: int(binary.BigEndian.Uint32(buf[12:16])),
		Complete:   int(binary.BigEndian.Uint32(buf[16:20])),
		Peers:      peers,
	}, nil
}
