package image

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

// writeFragmentTable writes the fragment entry array (one per fragment
// block, recording its on-disk location and size) as a metadata stream,
// then a small lookup table of block offsets into that stream — the same
// two-level layout the id and xattr tables use, so a reader can binary
// search a fragment index without decompressing the whole table.
func (iw *Writer) writeFragmentTable(w io.WriteSeeker) (int64, error) {
	if len(iw.fragments) == 0 {
		return wire.NoTableOffset, nil
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, iw.fragments); err != nil {
		return 0, err
	}
	return iw.writeIndexedMetadata(w, &buf)
}

// writeIDTable writes the deduplicated uid/gid values as a metadata
// stream plus a block-offset lookup table, mirroring
// internal/squashfs/writer.go's writeIdTable generalized from "always
// exactly one id" to the Writer's full idRef dedup table.
func (iw *Writer) writeIDTable(w io.WriteSeeker) (int64, error) {
	ids := iw.ids
	if len(ids) == 0 {
		ids = []uint32{0}
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, ids); err != nil {
		return 0, err
	}
	return iw.writeIndexedMetadata(w, &buf)
}

// writeIndexedMetadata writes buf as a sequence of metadata chunks
// starting at the writer's current offset, then appends a single
// little-endian int64 pointing back at that starting offset — the shape
// every "pointer to a metadata-chunked table" field in the superblock
// expects (see writeIdTable in this module's teacher).
func (iw *Writer) writeIndexedMetadata(w io.WriteSeeker, buf *bytes.Buffer) (int64, error) {
	metaOff, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := iw.writeMetadataChunks(w, buf); err != nil {
		return 0, err
	}
	off, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, metaOff); err != nil {
		return 0, err
	}
	return off, nil
}

// writeXattrTables writes the xattr (type, name, value) triples, the
// xattr id lookup table pointing at each distinct set's first triple,
// and the xattr table header, generalizing
// internal/squashfs/writer.go's writeXattrTables (which only ever wrote
// a single hard-coded triple) to an arbitrary xattrset.Table.
func (iw *Writer) writeXattrTables(w io.WriteSeeker) (int64, error) {
	if iw.xt == nil || iw.xt.Len() == 0 {
		return wire.NoTableOffset, nil
	}

	xattrTableStart, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	var xattrBuf bytes.Buffer
	sizes := make([]uint32, iw.xt.Len())
	for i, set := range iw.xt.Sets() {
		size := 0
		for _, e := range set {
			// ValSize follows the name bytes, so only Type and NameSize
			// of wire.XattrEntry go ahead of the name.
			if err := binary.Write(&xattrBuf, binary.LittleEndian, [2]uint16{
				uint16(e.Namespace),
				uint16(len(e.Name)),
			}); err != nil {
				return 0, err
			}
			xattrBuf.WriteString(e.Name)
			binary.Write(&xattrBuf, binary.LittleEndian, uint32(len(e.Value)))
			xattrBuf.Write(e.Value)
			size += 8 + len(e.Name) + len(e.Value)
		}
		sizes[i] = uint32(size)
	}
	xattrBlocks := (xattrBuf.Len() + wire.MetadataBlockSize - 1) / wire.MetadataBlockSize
	if err := iw.writeMetadataChunks(w, &xattrBuf); err != nil {
		return 0, err
	}

	idTableOff, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	var idBuf bytes.Buffer
	var cursor uint64
	for i, set := range iw.xt.Sets() {
		if err := binary.Write(&idBuf, binary.LittleEndian, wire.XattrIdEntry{
			Xattr: cursor,
			Count: uint32(len(set)),
			Size:  sizes[i],
		}); err != nil {
			return 0, err
		}
		cursor += uint64(sizes[i])
	}
	if err := iw.writeMetadataChunks(w, &idBuf); err != nil {
		return 0, err
	}

	headerOff, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}
	if err := binary.Write(w, binary.LittleEndian, wire.XattrTableHeader{
		XattrTableStart: uint64(xattrTableStart),
		XattrIds:        uint32(iw.xt.Len()),
	}); err != nil {
		return 0, err
	}
	for i := 0; i < xattrBlocks; i++ {
		if err := binary.Write(w, binary.LittleEndian, idTableOff+int64(i)*(wire.MetadataBlockSize+2)); err != nil {
			return 0, err
		}
	}
	return headerOff, nil
}
