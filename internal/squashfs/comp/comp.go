// Package comp implements a pluggable compressor: given a source buffer,
// attempts to produce a smaller encoded form, or reports the input as
// incompressible. Every Compressor here must be deterministic and
// stateless across calls, since the block processor's dedup index and
// reproducible image output depend on identical input producing
// identical compressed bytes regardless of which worker goroutine ran it
// or how many workers exist.
package comp

import (
	"fmt"

	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

// Compressor turns a byte slice into a (usually) smaller one and back.
// Compress may return ok=false to mean "not worth storing compressed";
// the caller then stores src unmodified, exactly mirroring
// internal/squashfs/writer.go's historical
// "Linux returns i/o errors when it encounters a compressed block which
// is larger than the uncompressed data" comment — this module generalizes
// that single hard-coded zlib path into a pluggable interface.
type Compressor interface {
	ID() wire.Compression
	// Compress appends the compressed form of src to dst (which may be
	// nil) and returns the result. ok is false if the compressed form is
	// not smaller than src, in which case the returned slice must be
	// ignored and the raw block stored instead.
	Compress(dst, src []byte) (out []byte, ok bool, err error)
	// Decompress appends the decompressed form of src to dst.
	Decompress(dst, src []byte) ([]byte, error)
}

// ByID returns the default Compressor for a wire.Compression id.
func ByID(id wire.Compression) (Compressor, error) {
	switch id {
	case wire.CompGZip:
		return NewGzip(), nil
	case wire.CompXZ:
		return NewXZ(), nil
	case wire.CompZSTD:
		return NewZstd(), nil
	case 0:
		return NewGzip(), nil
	default:
		return nil, fmt.Errorf("comp: unsupported compression id %d", id)
	}
}

// None is a passthrough Compressor, useful for tests that want to inspect
// the image's raw layout without touching the zlib/zstd/xz call stack.
type None struct{}

func (None) ID() wire.Compression { return 0 }

func (None) Compress(dst, src []byte) ([]byte, bool, error) {
	return dst, false, nil
}

func (None) Decompress(dst, src []byte) ([]byte, error) {
	return append(dst, src...), nil
}
