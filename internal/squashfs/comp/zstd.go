package comp

import (
	"sync"

	"github.com/distr1/mksquashfs/internal/squashfs/wire"
	"github.com/klauspost/compress/zstd"
)

// zstdComp wraps klauspost/compress/zstd, which is otherwise unused by
// this module's teacher. squashfs compression id 6 stores one independent
// zstd frame per block, so encoders/decoders are reusable across calls:
// a single pair is built lazily and shared, matching how klauspost
// recommends amortizing encoder/decoder setup cost across many small
// buffers rather than constructing one per block.
type zstdComp struct{}

// NewZstd returns a Compressor for squashfs compression id 6 (zstd).
func NewZstd() Compressor { return zstdComp{} }

func (zstdComp) ID() wire.Compression { return wire.CompZSTD }

var (
	zstdEncOnce sync.Once
	zstdEnc     *zstd.Encoder
	zstdEncErr  error

	zstdDecOnce sync.Once
	zstdDec     *zstd.Decoder
	zstdDecErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	zstdEncOnce.Do(func() {
		zstdEnc, zstdEncErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return zstdEnc, zstdEncErr
}

func zstdDecoder() (*zstd.Decoder, error) {
	zstdDecOnce.Do(func() {
		zstdDec, zstdDecErr = zstd.NewReader(nil)
	})
	return zstdDec, zstdDecErr
}

func (zstdComp) Compress(dst, src []byte) ([]byte, bool, error) {
	enc, err := zstdEncoder()
	if err != nil {
		return dst, false, err
	}
	out := enc.EncodeAll(src, dst)
	if len(out)-len(dst) >= len(src) {
		return dst, false, nil
	}
	return out, true, nil
}

func (zstdComp) Decompress(dst, src []byte) ([]byte, error) {
	dec, err := zstdDecoder()
	if err != nil {
		return nil, err
	}
	return dec.DecodeAll(src, dst)
}
