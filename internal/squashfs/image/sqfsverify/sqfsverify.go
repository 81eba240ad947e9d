// Package sqfsverify is a minimal, read-only SquashFS 4.0 parser used by
// this module's own round-trip tests: open an image image.Build
// produced, look up a path, and read back a regular file's or symlink's
// content to compare against what was written in.
//
// Every metadata chunk is decompressed according to its own per-chunk
// flag bit (rather than assumed raw), and every inode type wire.go
// defines is decoded (directories, regular files, symlinks, device
// nodes, fifos and sockets, plus their extended "l"-prefixed variants),
// since this package has to read back everything image.Build can
// produce.
package sqfsverify

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/distr1/mksquashfs/internal/squashfs/comp"
	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

// OpenFile memory-maps the image at imagePath and opens it as an Image.
// The caller must Close the returned io.Closer once done with the Image.
func OpenFile(imagePath string) (*Image, io.Closer, error) {
	r, err := mmap.Open(imagePath)
	if err != nil {
		return nil, nil, xerrors.Errorf("sqfsverify.OpenFile: %w", err)
	}
	img, err := Open(r)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	return img, r, nil
}

// Image is an opened, read-only SquashFS image.
type Image struct {
	r     io.ReaderAt
	super wire.Superblock
	comp  comp.Compressor
}

// Open parses r's superblock and prepares a decompressor for its tables.
func Open(r io.ReaderAt) (*Image, error) {
	var sb wire.Superblock
	if err := binary.Read(io.NewSectionReader(r, 0, wire.SuperblockSize), binary.LittleEndian, &sb); err != nil {
		return nil, xerrors.Errorf("sqfsverify.Open: reading superblock: %w", err)
	}
	if sb.Magic != wire.Magic {
		return nil, fmt.Errorf("sqfsverify.Open: bad magic %#x, want %#x (not a SquashFS image?)", sb.Magic, wire.Magic)
	}
	if sb.Major != wire.MajorVersion || sb.Minor != wire.MinorVersion {
		return nil, fmt.Errorf("sqfsverify.Open: unsupported version %d.%d", sb.Major, sb.Minor)
	}
	c, err := comp.ByID(wire.Compression(sb.Compression))
	if err != nil {
		return nil, xerrors.Errorf("sqfsverify.Open: %w", err)
	}
	return &Image{r: r, super: sb, comp: c}, nil
}

// Superblock returns the parsed 96-byte header.
func (img *Image) Superblock() wire.Superblock { return img.super }

// metaCursor reads a metadata stream (inode table, directory table, id
// table, ...) starting at a table-relative chunk boundary, transparently
// decompressing each wire.MetadataBlockSize-capped chunk as it is
// consumed.
type metaCursor struct {
	img        *Image
	tableStart int64
	buf        []byte
	pos        int   // consumed bytes within buf
	next       int64 // table-relative offset of the next chunk to load
}

func (img *Image) metaCursor(tableStart int64, chunkOffset uint32, inBlockOffset uint16) (*metaCursor, error) {
	mc := &metaCursor{img: img, tableStart: tableStart}
	if err := mc.loadChunk(int64(chunkOffset)); err != nil {
		return nil, err
	}
	mc.pos = int(inBlockOffset)
	if mc.pos > len(mc.buf) {
		return nil, fmt.Errorf("sqfsverify: in-block offset %d beyond chunk of %d bytes", mc.pos, len(mc.buf))
	}
	return mc, nil
}

func (mc *metaCursor) loadChunk(relOffset int64) error {
	var hdr uint16
	if err := binary.Read(io.NewSectionReader(mc.img.r, mc.tableStart+relOffset, 2), binary.LittleEndian, &hdr); err != nil {
		return xerrors.Errorf("sqfsverify: reading metadata chunk header: %w", err)
	}
	raw := hdr&wire.MetadataHeaderUncompressed != 0
	size := int64(hdr &^ wire.MetadataHeaderUncompressed)
	payload := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(mc.img.r, mc.tableStart+relOffset+2, size), payload); err != nil {
		return xerrors.Errorf("sqfsverify: reading metadata chunk body: %w", err)
	}
	if raw {
		mc.buf = payload
	} else {
		dec, err := mc.img.comp.Decompress(nil, payload)
		if err != nil {
			return xerrors.Errorf("sqfsverify: decompressing metadata chunk: %w", err)
		}
		mc.buf = dec
	}
	mc.next = relOffset + 2 + size
	return nil
}

// read fills p, crossing chunk boundaries (chunks are laid out back to
// back within one table) as needed.
func (mc *metaCursor) read(p []byte) error {
	for len(p) > 0 {
		if mc.pos >= len(mc.buf) {
			if err := mc.loadChunk(mc.next); err != nil {
				return err
			}
			mc.pos = 0
			continue
		}
		n := copy(p, mc.buf[mc.pos:])
		p = p[n:]
		mc.pos += n
	}
	return nil
}

func readStruct(mc *metaCursor, v interface{}) error {
	buf := make([]byte, binary.Size(v))
	if err := mc.read(buf); err != nil {
		return err
	}
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

// inode is the decoded, type-erased form of one inode-table record: it
// always carries the common header plus the fields every caller in this
// package needs (Stat, Readdir, ReadFile), regardless of basic vs.
// extended wire representation.
type inode struct {
	hdr wire.InodeHeader

	// Directory fields (DirType/LDirType).
	dirStartBlock uint32
	dirFileSize   uint32
	dirOffset     uint16

	// File fields (FileType/LFileType).
	fileStartBlock uint64
	fileSize       uint64
	fileFragment   uint32
	fileFragOffset uint32
	blockSizes     []uint32

	// Symlink target (SymlinkType/LSymlinkType).
	symlinkTarget string

	// Device rdev (BlkDevType/ChrDevType/...).
	rdev uint32
}

// blockCount returns how many full, blockSize-sized data blocks fileSize
// spans, excluding a tail packed into a fragment: the inverse of
// image.Writer.writeData's chunking loop (internal/squashfs/image/data.go).
func (img *Image) blockCount(fileSize uint64, fragment uint32) int {
	bs := uint64(img.super.BlockSize)
	if bs == 0 {
		bs = wire.DefaultBlockSize
	}
	n := fileSize / bs
	if fileSize%bs != 0 && fragment == wire.InvalidFragment {
		n++ // tail stored as its own, shorter data block (fragments disabled)
	}
	return int(n)
}

func (img *Image) readInode(ref int64) (*inode, error) {
	chunkOffset, inBlockOffset := wire.SplitInodeRef(ref)
	mc, err := img.metaCursor(img.super.InodeTableStart, chunkOffset, inBlockOffset)
	if err != nil {
		return nil, err
	}

	var hdr wire.InodeHeader
	if err := readStruct(mc, &hdr); err != nil {
		return nil, err
	}
	typ := hdr.InodeType

	in := &inode{hdr: hdr}
	switch typ {
	case wire.DirType:
		var b struct {
			StartBlock  uint32
			Nlink       uint32
			FileSize    uint16
			Offset      uint16
			ParentInode uint32
		}
		if err := readStruct(mc, &b); err != nil {
			return nil, err
		}
		in.dirStartBlock, in.dirFileSize, in.dirOffset = b.StartBlock, uint32(b.FileSize), b.Offset

	case wire.LDirType:
		var b struct {
			Nlink       uint32
			FileSize    uint32
			StartBlock  uint32
			ParentInode uint32
			Icount      uint16
			Offset      uint16
			Xattr       uint32
		}
		if err := readStruct(mc, &b); err != nil {
			return nil, err
		}
		in.dirStartBlock, in.dirFileSize, in.dirOffset = b.StartBlock, b.FileSize, b.Offset
		// Index entries (Icount of them) are a binary-search aid we don't
		// need: every caller here does a linear directory scan instead.
		for i := uint16(0); i < b.Icount; i++ {
			var idx struct {
				Index, Start uint32
				Size         uint16
			}
			if err := readStruct(mc, &idx); err != nil {
				return nil, err
			}
			if err := mc.read(make([]byte, int(idx.Size)+1)); err != nil {
				return nil, err
			}
		}

	case wire.FileType:
		var b struct {
			StartBlock uint32
			Fragment   uint32
			Offset     uint32
			FileSize   uint32
		}
		if err := readStruct(mc, &b); err != nil {
			return nil, err
		}
		in.fileStartBlock, in.fileSize = uint64(b.StartBlock), uint64(b.FileSize)
		in.fileFragment, in.fileFragOffset = b.Fragment, b.Offset
		n := img.blockCount(in.fileSize, in.fileFragment)
		in.blockSizes = make([]uint32, n)
		if err := readStruct(mc, &in.blockSizes); err != nil {
			return nil, err
		}

	case wire.LFileType:
		var b struct {
			StartBlock uint64
			FileSize   uint64
			Sparse     uint64
			Nlink      uint32
			Fragment   uint32
			Offset     uint32
			Xattr      uint32
		}
		if err := readStruct(mc, &b); err != nil {
			return nil, err
		}
		in.fileStartBlock, in.fileSize = b.StartBlock, b.FileSize
		in.fileFragment, in.fileFragOffset = b.Fragment, b.Offset
		n := img.blockCount(in.fileSize, in.fileFragment)
		in.blockSizes = make([]uint32, n)
		if err := readStruct(mc, &in.blockSizes); err != nil {
			return nil, err
		}

	case wire.SymlinkType, wire.LSymlinkType:
		var b struct {
			Nlink       uint32
			SymlinkSize uint32
		}
		if err := readStruct(mc, &b); err != nil {
			return nil, err
		}
		target := make([]byte, b.SymlinkSize)
		if err := mc.read(target); err != nil {
			return nil, err
		}
		in.symlinkTarget = string(target)

	case wire.BlkDevType, wire.ChrDevType, wire.LBlkDevType, wire.LChrDevType:
		var b struct {
			Nlink uint32
			Rdev  uint32
		}
		if err := readStruct(mc, &b); err != nil {
			return nil, err
		}
		in.rdev = b.Rdev

	case wire.FifoType, wire.SocketType, wire.LFifoType, wire.LSocketType:
		// No payload beyond Nlink, which no caller here needs.

	default:
		return nil, fmt.Errorf("sqfsverify: unknown inode type %d", typ)
	}
	return in, nil
}

// Entry is one child of a directory listing.
type Entry struct {
	Name string
	Ref  int64
	Type uint16
}

// Mode returns the type bits (no permission bits) the listing recorded
// for this entry.
func (e Entry) Mode() os.FileMode {
	switch e.Type {
	case wire.DirType:
		return os.ModeDir
	case wire.SymlinkType:
		return os.ModeSymlink
	case wire.BlkDevType:
		return os.ModeDevice
	case wire.ChrDevType:
		return os.ModeDevice | os.ModeCharDevice
	case wire.FifoType:
		return os.ModeNamedPipe
	case wire.SocketType:
		return os.ModeSocket
	default:
		return 0
	}
}

// Root returns the root directory's inode reference.
func (img *Image) Root() int64 { return img.super.RootInode }

// Readdir lists dirRef's children. dirRef must reference a directory inode.
func (img *Image) Readdir(dirRef int64) ([]Entry, error) {
	in, err := img.readInode(dirRef)
	if err != nil {
		return nil, err
	}
	if in.hdr.InodeType != wire.DirType && in.hdr.InodeType != wire.LDirType {
		return nil, fmt.Errorf("sqfsverify.Readdir: ref %d is not a directory", dirRef)
	}
	mc, err := img.metaCursor(img.super.DirectoryTableStart, in.dirStartBlock, in.dirOffset)
	if err != nil {
		return nil, err
	}
	// SquashFS bakes the notional "." and ".." entries' 3 bytes into
	// FileSize; the listing body itself is 3 bytes shorter.
	remaining := int64(in.dirFileSize) - 3
	var entries []Entry
	for remaining > 0 {
		var h struct {
			Count       uint32
			StartBlock  uint32
			InodeOffset uint32
		}
		if err := readStruct(mc, &h); err != nil {
			return nil, err
		}
		remaining -= int64(binary.Size(h))
		count := h.Count + 1
		for i := uint32(0); i < count; i++ {
			var e struct {
				Offset      uint16
				InodeNumber int16
				EntryType   uint16
				Size        uint16
			}
			if err := readStruct(mc, &e); err != nil {
				return nil, err
			}
			remaining -= int64(binary.Size(e))
			name := make([]byte, int(e.Size)+1)
			if err := mc.read(name); err != nil {
				return nil, err
			}
			remaining -= int64(len(name))
			entries = append(entries, Entry{
				Name: string(name),
				Ref:  wire.MakeInodeRef(h.StartBlock, e.Offset),
				Type: e.EntryType,
			})
		}
	}
	return entries, nil
}

// Lookup resolves a slash-separated path (relative to the image root, no
// symlink following) to the ref of the inode it names.
func (img *Image) Lookup(p string) (int64, error) {
	ref := img.Root()
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return ref, nil
	}
	for _, part := range strings.Split(p, "/") {
		entries, err := img.Readdir(ref)
		if err != nil {
			return 0, err
		}
		found := false
		for _, e := range entries {
			if e.Name == part {
				ref = e.Ref
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("sqfsverify.Lookup: %q: no such entry", p)
		}
	}
	return ref, nil
}

// ReadSymlink returns ref's link target; ref must reference a symlink inode.
func (img *Image) ReadSymlink(ref int64) (string, error) {
	in, err := img.readInode(ref)
	if err != nil {
		return "", err
	}
	if in.hdr.InodeType != wire.SymlinkType && in.hdr.InodeType != wire.LSymlinkType {
		return "", fmt.Errorf("sqfsverify.ReadSymlink: ref %d is not a symlink", ref)
	}
	return in.symlinkTarget, nil
}

// fragmentEntry reads the index'th entry of the fragment table.
func (img *Image) fragmentEntry(index uint32) (wire.FragmentEntry, error) {
	var metaOff int64
	if err := binary.Read(io.NewSectionReader(img.r, img.super.FragmentTableStart, 8), binary.LittleEndian, &metaOff); err != nil {
		return wire.FragmentEntry{}, xerrors.Errorf("sqfsverify: reading fragment table pointer: %w", err)
	}
	mc, err := img.metaCursor(metaOff, 0, 0)
	if err != nil {
		return wire.FragmentEntry{}, err
	}
	const entrySize = 16 // sizeof(wire.FragmentEntry)
	if err := mc.read(make([]byte, int(index)*entrySize)); err != nil {
		return wire.FragmentEntry{}, err
	}
	var fe wire.FragmentEntry
	if err := readStruct(mc, &fe); err != nil {
		return wire.FragmentEntry{}, err
	}
	return fe, nil
}

// ReadFile returns ref's full content. ref must reference a regular file
// inode (FileType or LFileType).
func (img *Image) ReadFile(ref int64) ([]byte, error) {
	in, err := img.readInode(ref)
	if err != nil {
		return nil, err
	}
	if in.hdr.InodeType != wire.FileType && in.hdr.InodeType != wire.LFileType {
		return nil, fmt.Errorf("sqfsverify.ReadFile: ref %d is not a regular file", ref)
	}

	bs := uint64(img.super.BlockSize)
	if bs == 0 {
		bs = wire.DefaultBlockSize
	}

	out := make([]byte, 0, in.fileSize)
	offset := int64(in.fileStartBlock)
	for i, szField := range in.blockSizes {
		length := bs
		lastBlock := i == len(in.blockSizes)-1
		if lastBlock && in.fileFragment == wire.InvalidFragment && in.fileSize%bs != 0 {
			length = in.fileSize % bs
		}
		if szField == 0 {
			out = append(out, make([]byte, length)...) // sparse
			continue
		}
		raw := szField&wire.DataBlockUncompressed != 0
		size := int64(szField &^ wire.DataBlockUncompressed)
		data := make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(img.r, offset, size), data); err != nil {
			return nil, xerrors.Errorf("sqfsverify.ReadFile: reading data block: %w", err)
		}
		if raw {
			out = append(out, data...)
		} else {
			dec, err := img.comp.Decompress(nil, data)
			if err != nil {
				return nil, xerrors.Errorf("sqfsverify.ReadFile: decompressing data block: %w", err)
			}
			out = append(out, dec...)
		}
		offset += size
	}

	if in.fileFragment != wire.InvalidFragment {
		fe, err := img.fragmentEntry(in.fileFragment)
		if err != nil {
			return nil, err
		}
		tailLen := in.fileSize - uint64(len(in.blockSizes))*bs
		raw := fe.Size&wire.DataBlockUncompressed != 0
		size := int64(fe.Size &^ wire.DataBlockUncompressed)
		block := make([]byte, size)
		if _, err := io.ReadFull(io.NewSectionReader(img.r, int64(fe.StartBlock), size), block); err != nil {
			return nil, xerrors.Errorf("sqfsverify.ReadFile: reading fragment block: %w", err)
		}
		if !raw {
			block, err = img.comp.Decompress(nil, block)
			if err != nil {
				return nil, xerrors.Errorf("sqfsverify.ReadFile: decompressing fragment block: %w", err)
			}
		}
		tail := block[in.fileFragOffset : uint64(in.fileFragOffset)+tailLen]
		out = append(out, tail...)
	}
	return out, nil
}
