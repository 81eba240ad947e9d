package comp

import (
	"bytes"
	"io"

	"github.com/klauspost/pgzip"

	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

// pgzipComp is the parallel variant of gzipComp: same wire.CompGZip id (a
// reader can't tell the two apart, since squashfs's "gzip" is just a
// zlib-framed deflate stream regardless of which goroutine produced it),
// but compression itself is split across pgzip's internal worker pool
// instead of running single-threaded. Offered as an alternative to
// gzipComp for large data blocks, the same tradeoff
// cmd/distri/initrd.go makes by reaching for pgzip.NewWriter over
// compress/gzip for its cpio archives.
type pgzipComp struct{}

// NewParallelGzip returns a Compressor that is wire-compatible with
// NewGzip but compresses using multiple OS threads.
func NewParallelGzip() Compressor { return pgzipComp{} }

func (pgzipComp) ID() wire.Compression { return wire.CompGZip }

func (pgzipComp) Compress(dst, src []byte) ([]byte, bool, error) {
	var buf bytes.Buffer
	zw, err := pgzip.NewWriterLevel(&buf, pgzip.BestSpeed)
	if err != nil {
		return dst, false, err
	}
	if _, err := zw.Write(src); err != nil {
		zw.Close()
		return dst, false, err
	}
	if err := zw.Close(); err != nil {
		return dst, false, err
	}
	if buf.Len() >= len(src) {
		return dst, false, nil
	}
	return append(dst, buf.Bytes()...), true, nil
}

func (pgzipComp) Decompress(dst, src []byte) ([]byte, error) {
	zr, err := pgzip.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
