package comp

import (
	"bytes"
	"testing"

	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

func roundTrip(t *testing.T, c Compressor, src []byte) {
	t.Helper()
	out, ok, err := c.Compress(nil, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if !ok {
		// The caller stores src raw and never decompresses it.
		return
	}
	got, err := c.Decompress(nil, out)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, src) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(src))
	}
}

func TestRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 400)
	for _, c := range []Compressor{NewGzip(), NewXZ(), NewZstd(), None{}} {
		c := c
		t.Run(c.ID().String(), func(t *testing.T) {
			t.Parallel()
			roundTrip(t, c, payload)
			roundTrip(t, c, nil)
			roundTrip(t, c, []byte{0})
		})
	}
}

func TestByID(t *testing.T) {
	for _, id := range []wire.Compression{wire.CompGZip, wire.CompXZ, wire.CompZSTD} {
		c, err := ByID(id)
		if err != nil {
			t.Fatalf("ByID(%v): %v", id, err)
		}
		if c.ID() != id {
			t.Fatalf("ByID(%v).ID() = %v", id, c.ID())
		}
	}
	if _, err := ByID(wire.CompLZO); err == nil {
		t.Fatal("ByID(lzo): want error, got nil")
	}
}

func TestIncompressibleKeepsOriginal(t *testing.T) {
	// A single zero byte never compresses smaller than itself once framing
	// overhead is counted, so ok must come back false and the caller must
	// fall back to storing src raw.
	for _, c := range []Compressor{NewGzip(), NewXZ(), NewZstd()} {
		if _, ok, err := c.Compress(nil, []byte{0}); err != nil {
			t.Fatalf("%v: %v", c.ID(), err)
		} else if ok {
			t.Errorf("%v: Compress(1 byte) reported ok=true", c.ID())
		}
	}
}
