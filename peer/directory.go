package peer

import "sync"

// Directory is the session-lifetime pool of peers learned from trackers.
// Workers draw peers round-robin; peers accumulate failure counts and drop
// out of rotation once the count reaches the budget.
type Directory struct {
	mu          sync.Mutex
	peers       []Peer
	known       map[string]struct{}
	failures    map[string]int
	next        int
	maxFailures int
}

// NewDirectory returns an empty directory; peers with maxFailures recorded
// failures are no longer handed out.
func NewDirectory(maxFailures int) *Directory {
	return &Directory{
		known:       make(map[string]struct{}),
		failures:    make(map[string]int),
		maxFailures: maxFailures,
	}
}

// Add merges peers into the pool, ignoring addresses already known.
func (d *Directory) Add(peers []Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range peers {
		key := p.String()
		if _, dup := d.known[key]; dup {
			continue
		}
		d.known[key] = struct{}{}
		d.peers = append(d.peers, p)
	}
}

// Next returns the next usable peer in rotation. ok is false when every
// known peer has exhausted its failure budget or none are known yet.
func (d *Directory) Next() (Peer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tried := 0; tried < len(d.peers); tried++ {
		p := d.peers[d.next%len(d.peers)]
		d.next++
		if d.failures[p.String()] < d.maxFailures {
			return p, true
		}
	}
	return Peer{}, false
}

// Fail records one failure against the peer and reports the new count.
func (d *Directory) Fail(p Peer) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[p.String()]++
	return d.failures[p.String()]
}

// Reset clears the peer's failure count after a successful exchange.
func (d *Directory) Reset(p Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failures, p.String())
}

// Len returns the number of known peers, usable or not.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}
