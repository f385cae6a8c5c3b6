package tracker

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"
	"time"
)

func TestConnectFrame(t *testing.T) {
	frame := connectFrame(0xdeadbeef)
	if len(frame) != 16 {
		t.Fatalf("connect frame is %d bytes, want 16", len(frame))
	}
	if got := binary.BigEndian.Uint64(frame[0:8]); got != 0x41727101980 {
		t.Errorf("magic = %#x", got)
	}
	if got := binary.BigEndian.Uint32(frame[8:12]); got != 0 {
		t.Errorf("action = %d, want 0", got)
	}
	if got := binary.BigEndian.Uint32(frame[12:16]); got != 0xdeadbeef {
		t.Errorf("transaction id = %#x", got)
	}
}

func TestAnnounceFrame(t *testing.T) {
	req := &Request{
		Port:       6881,
		Uploaded:   100,
		Downloaded: 200,
		Left:       300,
		Event:      EventStarted,
		NumWant:    -1,
	}
	copy(req.InfoHash[:], "11111111111111111111")
	copy(req.PeerID[:], "-BT0001-abcdefghijkl")

	frame := announceFrame(0x1122334455667788, 0xcafef00d, 0x42, req)
	if len(frame) != 98 {
		t.Fatalf("announce frame is %d bytes, want 98", len(frame))
	}
	if got := binary.BigEndian.Uint64(frame[0:8]); got != 0x1122334455667788 {
		t.Errorf("connection id = %#x", got)
	}
	if got := binary.BigEndian.Uint32(frame[8:12]); got != 1 {
		t.Errorf("action = %d, want 1", got)
	}
	if string(frame[16:36]) != "11111111111111111111" {
		t.Errorf("info hash bytes wrong")
	}
	if string(frame[36:56]) != "-BT0001-abcdefghijkl" {
		t.Errorf("peer id bytes wrong")
	}
	if got := binary.BigEndian.Uint64(frame[56:64]); got != 200 {
		t.Errorf("downloaded = %d", got)
	}
	if got := binary.BigEndian.Uint64(frame[64:72]); got != 300 {
		t.Errorf("left = %d", got)
	}
	if got := binary.BigEndian.Uint64(frame[72:80]); got != 100 {
		t.Errorf("uploaded = %d", got)
	}
	if got := binary.BigEndian.Uint32(frame[80:84]); got != 2 {
		t.Errorf("event code = %d, want 2 (started)", got)
	}
	if got := int32(binary.BigEndian.Uint32(frame[92:96])); got != -1 {
		t.Errorf("num_want = %d, want -1", got)
	}
	if got := binary.BigEndian.Uint16(frame[96:98]); got != 6881 {
		t.Errorf("port = %d", got)
	}
}

// announceResponse builds a well-formed wire response for tests.
func announceResponse(txID uint32, interval, leechers, seeders int, peers []byte) []byte {
	buf := make([]byte, 20+len(peers))
	binary.BigEndian.PutUint32(buf[0:4], actionAnnounce)
	binary.BigEndian.PutUint32(buf[4:8], txID)
	binary.BigEndian.PutUint32(buf[8:12], uint32(interval))
	binary.BigEndian.PutUint32(buf[12:16], uint32(leechers))
	binary.BigEndian.PutUint32(buf[16:20], uint32(seeders))
	copy(buf[20:], peers)
	return buf
}

func TestParseAnnounceResponse(t *testing.T) {
	// three peer records; the zero-port one must be dropped
	peers := []byte{
		1, 2, 3, 4, 0x1a, 0xe1,
		5, 6, 7, 8, 0xc8, 0xd5,
		10, 0, 0, 1, 0x00, 0x00,
	}
	resp, err := parseAnnounceResponse(announceResponse(7, 1800, 3, 5, peers), 7)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.Interval != 1800 || resp.Incomplete != 3 || resp.Complete != 5 {
		t.Errorf("interval/leechers/seeders = %d/%d/%d", resp.Interval, resp.Incomplete, resp.Complete)
	}
	if len(resp.Peers) != 2 {
		t.Fatalf("got %d peers, want 2", len(resp.Peers))
	}
	if resp.Peers[0].String() != "1.2.3.4:6881" || resp.Peers[1].String() != "5.6.7.8:51413" {
		t.Errorf("peers = %v", resp.Peers)
	}
}

func TestParseAnnounceResponseErrors(t *testing.T) {
	if _, err := parseAnnounceResponse(announceResponse(7, 1, 0, 0, nil), 8); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("transaction mismatch: err = %v", err)
	}

	short := announceResponse(7, 1, 0, 0, nil)[:12]
	if _, err := parseAnnounceResponse(short, 7); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("short response: err = %v", err)
	}

	ragged := announceResponse(7, 1, 0, 0, make([]byte, 7))
	if _, err := parseAnnounceResponse(ragged, 7); !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("ragged peer blob: err = %v", err)
	}

	errFrame := make([]byte, 8+12)
	binary.BigEndian.PutUint32(errFrame[0:4], actionError)
	binary.BigEndian.PutUint32(errFrame[4:8], 7)
	copy(errFrame[8:], "tracker down")
	var failure *FailureError
	if _, err := parseAnnounceResponse(errFrame, 7); !errors.As(err, &failure) {
		t.Fatalf("error frame: err = %v, want FailureError", err)
	} else if failure.Reason != "tracker down" {
		t.Errorf("reason = %q", failure.Reason)
	}
}

// fakeUDPTracker answers one connect and one announce on a loopback socket.
func fakeUDPTracker(t *testing.T, peers []byte) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 1024)
		for {
			n, raddr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if n < 16 {
				continue
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			txID := binary.BigEndian.Uint32(buf[12:16])
			switch action {
			case actionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], 0x1122334455667788)
				conn.WriteToUDP(resp, raddr)
			case actionAnnounce:
				conn.WriteToUDP(announceResponse(txID, 1800, 3, 5, peers), raddr)
			}
		}
	}()
	return "udp://" + conn.LocalAddr().String()
}

func TestUDPAnnounceLoopback(t *testing.T) {
	peers := []byte{
		1, 2, 3, 4, 0x1a, 0xe1,
		5, 6, 7, 8, 0xc8, 0xd5,
		10, 0, 0, 1, 0x00, 0x00,
	}
	url := fakeUDPTracker(t, peers)

	client := NewUDPClient()
	client.Timeout = 2 * time.Second
	resp, err := client.Announce(url, &Request{Port: 6881, NumWant: -1})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval != 1800 {
		t.Errorf("interval = %d, want 1800", resp.Interval)
	}
	if len(resp.Peers) != 2 {
		t.Fatalf("got %d peers, want 2 (zero-port record dropped)", len(resp.Peers))
	}
}
