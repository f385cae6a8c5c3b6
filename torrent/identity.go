package torrent

import "math/rand"

// clientPrefix identifies this client on the wire, Azureus style.
const clientPrefix = "-BT0001-"

const idSymbols = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NewPeerID builds a 20-byte peer id: the client prefix followed by 12
// random alphanumerics. The random source is passed in so sessions can be
// reproduced in tests.
func NewPeerID(rnd *rand.Rand) [20]byte {
	var id [20]byte
	copy(id[:], clientPrefix)
	for i := len(clientPrefix); i < len(id); i++ {
		id[i] = idSymbols[rnd.Intn(len(idSymbols))]
	}
	return id
}
