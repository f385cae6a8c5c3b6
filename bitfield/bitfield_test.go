package bitfield

import (
	"encoding/hex"
	"testing"
)

func TestHasPiece(t *testing.T) {
	bf := Bitfield{0b00101000, 0b00000001}

	want := map[int]bool{2: true, 4: true, 15: true}
	for i := 0; i < 16; i++ {
		if bf.HasPiece(i) != want[i] {
			t.Errorf("HasPiece(%d) = %v, want %v", i, bf.HasPiece(i), want[i])
		}
	}

	// out of range reads are false, not a panic
	if bf.HasPiece(16) || bf.HasPiece(100) {
		t.Errorf("out-of-range index reported as set")
	}
}

func TestSetPiece(t *testing.T) {
	bf := make(Bitfield, 6)
	copy(bf, []byte{0x03, 0x03, 0xa1, 0x09, 0x03, 0xf8})

	steps := []struct {
		index int
		want  string
	}{
		{10, "0323a10903f8"},
		{18, "0323a12903f8"},
	}
	for _, s := range steps {
		bf.SetPiece(s.index)
		if h := hex.EncodeToString(bf); h != s.want {
			t.Errorf("after SetPiece(%d): got %s, want %s", s.index, h, s.want)
		}
	}

	// setting beyond the field must not panic or grow it
	bf.SetPiece(48)
	if len(bf) != 6 {
		t.Errorf("SetPiece out of range changed length to %d", len(bf))
	}
}

func TestCount(t *testing.T) {
	if n := (Bitfield{0xff, 0x01}).Count(); n != 9 {
		t.Errorf("Count = %d, want 9", n)
	}
	if n := New(20).Count(); n != 0 {
		t.Errorf("Count of fresh bitfield = %d, want 0", n)
	}
}

func TestNewSizing(t *testing.T) {
	cases := []struct{ pieces, bytes int }{
		{0, 0}, {1, 1}, {8, 1}, {9, 2}, {16, 2}, {17, 3},
	}
	for _, c := range cases {
		if got := len(New(c.pieces)); got != c.bytes {
			t.Errorf("New(%d) has %d bytes, want %d", c.pieces, got, c.bytes)
		}
	}
}
