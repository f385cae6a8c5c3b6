package peer

import (
	"net"
	"testing"
)

func mkPeer(last byte, port uint16) Peer {
	return Peer{IP: net.IPv4(10, 0, 0, last).To4(), Port: port}
}

func TestDirectoryRoundRobin(t *testing.T) {
	d := NewDirectory(3)
	a, b := mkPeer(1, 6881), mkPeer(2, 6881)
	d.Add([]Peer{a, b})

	got := []string{}
	for i := 0; i < 4; i++ {
		p, ok := d.Next()
		if !ok {
			t.Fatal("Next returned no peer")
		}
		got = append(got, p.String())
	}
	if got[0] != a.String() || got[1] != b.String() || got[2] != a.String() {
		t.Errorf("rotation order: %v", got)
	}
}

func TestDirectoryDedupOnAdd(t *testing.T) {
	d := NewDirectory(3)
	a := mkPeer(1, 6881)
	d.Add([]Peer{a})
	d.Add([]Peer{a, mkPeer(1, 6882)})
	if d.Len() != 2 {
		t.Errorf("Len = %d, want 2 (same host, distinct ports)", d.Len())
	}
}

func TestDirectoryFailureBudget(t *testing.T) {
	d := NewDirectory(2)
	a, b := mkPeer(1, 6881), mkPeer(2, 6881)
	d.Add([]Peer{a, b})

	d.Fail(a)
	d.Fail(a)
	for i := 0; i < 3; i++ {
		p, ok := d.Next()
		if !ok {
			t.Fatal("no peer while one is still usable")
		}
		if p.String() == a.String() {
			t.Fatal("exhausted peer still in rotation")
		}
	}

	// resetting brings the peer back
	d.Reset(a)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		p, _ := d.Next()
		seen[p.String()] = true
	}
	if !seen[a.String()] {
		t.Error("reset peer never handed out again")
	}

	// all peers exhausted -> no peer
	d.Fail(a)
	d.Fail(a)
	d.Fail(b)
	d.Fail(b)
	if _, ok := d.Next(); ok {
		t.Error("Next returned a peer after every budget was spent")
	}
}

func TestDirectoryEmpty(t *testing.T) {
	d := NewDirectory(3)
	if _, ok := d.Next(); ok {
		t.Error("Next returned a peer from an empty directory")
	}
}
