package comp

import (
	"bytes"
	"io"

	"github.com/distr1/mksquashfs/internal/squashfs/wire"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// xzComp wraps github.com/ulikunitz/xz, the same library
// KarpelesLab-squashfs's comp_xz.go builds its xz codec on. squashfs's xz
// blocks are a plain xz stream, one per block, with no container framing
// beyond what the library itself emits.
type xzComp struct {
	opts xz.WriterConfig
}

// NewXZ returns a Compressor for squashfs compression id 4 (xz).
func NewXZ() Compressor {
	return xzComp{opts: xz.WriterConfig{
		DictCap: 1 << 20,
		Properties: &lzma.Properties{
			LC: 3, LP: 0, PB: 2,
		},
	}}
}

func (xzComp) ID() wire.Compression { return wire.CompXZ }

func (c xzComp) Compress(dst, src []byte) ([]byte, bool, error) {
	var buf bytes.Buffer
	w, err := c.opts.NewWriter(&buf)
	if err != nil {
		return dst, false, err
	}
	if _, err := w.Write(src); err != nil {
		w.Close()
		return dst, false, err
	}
	if err := w.Close(); err != nil {
		return dst, false, err
	}
	if buf.Len() >= len(src) {
		return dst, false, nil
	}
	return append(dst, buf.Bytes()...), true, nil
}

func (xzComp) Decompress(dst, src []byte) ([]byte, error) {
	r, err := xz.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(dst)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
