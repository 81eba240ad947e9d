// Package image serializes a built tree.Tree into a SquashFS 4.0 image:
// the full inode/directory/fragment/id/xattr table set wire.go defines,
// with fragments, xattrs, device/fifo/socket inodes, hard links and
// block-level dedup all implemented, not just a basic zlib-only subset.
//
// This package relies on tree.Tree to have already assigned every node's
// final, deterministic inode number (tree.(*Tree).PostProcess) before
// Build runs, rather than assigning numbers and patching parent
// references as entries arrive in creation order: the inode table can
// then be written in one bottom-up pass with no forward patches.
package image

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sort"

	"github.com/distr1/mksquashfs/internal/squashfs/comp"
	"github.com/distr1/mksquashfs/internal/squashfs/sqerr"
	"github.com/distr1/mksquashfs/internal/squashfs/tree"
	"github.com/distr1/mksquashfs/internal/squashfs/wire"
	"github.com/distr1/mksquashfs/internal/squashfs/xattrset"
)

// Config controls how Build lays out an image.
type Config struct {
	// BlockSize is the data block size; must satisfy wire.ValidBlockSize.
	// Zero means wire.DefaultBlockSize.
	BlockSize uint32
	// Comp compresses data and fragment blocks. Nil means comp.NewGzip().
	Comp comp.Compressor
	// Workers is the blockproc worker pool size. Zero means 1.
	Workers int
	// NoFragments disables the fragment assembler: every file's tail
	// block is stored as a regular data block instead.
	NoFragments bool
	// MkfsTime is stamped into the superblock and, unless a node
	// overrides it, used in place of a zero Node.Mtime.
	MkfsTime int64
}

func (c Config) blockSize() uint32 {
	if c.BlockSize == 0 {
		return wire.DefaultBlockSize
	}
	return c.BlockSize
}

func (c Config) compressor() comp.Compressor {
	if c.Comp == nil {
		return comp.NewGzip()
	}
	return c.Comp
}

func (c Config) workers() int {
	if c.Workers <= 0 {
		return 1
	}
	return c.Workers
}

// blockLoc records where a compressed (or raw, or nonexistent) block
// ended up in the output file, so a later duplicate or a fragment
// reference can point back at it without re-reading the bytes.
type blockLoc struct {
	offset int64
	size   uint32
	raw    bool
	sparse bool
}

func (b blockLoc) sizeField() uint32 {
	if b.sparse {
		return 0
	}
	if b.raw {
		return b.size | wire.DataBlockUncompressed
	}
	return b.size
}

// blockOwner identifies which file (and which block within it, or the
// shared fragment buffer) a submitted blockproc.Request belongs to.
type blockOwner struct {
	node  tree.Index
	frag  bool
	block int
}

// Writer builds one SquashFS image from a tree.Tree that has already
// had Resolve and PostProcess called on it.
type Writer struct {
	cfg Config
	t   *tree.Tree
	xt  *xattrset.Table

	ids      []uint32
	idIndex  map[uint32]uint32
	inodeBuf bytes.Buffer
	dirBuf   bytes.Buffer

	// inodeRef holds the packed (metadata-block-offset, in-block-offset)
	// reference of every node once its inode header has been written.
	inodeRef map[tree.Index]int64
	nodeType map[tree.Index]uint16 // wire entry type, for directory entries

	fragments    []wire.FragmentEntry
	fileFragment map[tree.Index]fragInfo
}

// fragInfo records where in the fragment table (and at what offset
// within that fragment block) a file's tail ended up.
type fragInfo struct {
	index  uint32
	offset uint32
	size   uint32
}

// NewWriter prepares a Writer for t, which must already be Resolve'd and
// PostProcess'd, and xt, the xattr sets referenced by t's nodes (may be
// empty).
func NewWriter(t *tree.Tree, xt *xattrset.Table, cfg Config) *Writer {
	return &Writer{
		cfg:          cfg,
		t:            t,
		xt:           xt,
		idIndex:      make(map[uint32]uint32),
		inodeRef:     make(map[tree.Index]int64),
		nodeType:     make(map[tree.Index]uint16),
		fileFragment: make(map[tree.Index]fragInfo),
	}
}

// Build writes the complete image to w, which must support Seek: the
// superblock is written last, once every table's offset is known, by
// seeking back to offset 0.
func (iw *Writer) Build(ctx context.Context, w io.WriteSeeker) error {
	if !wire.ValidBlockSize(iw.cfg.blockSize()) {
		return sqerr.Errorf(sqerr.KindLimit, "image.Build", "", "invalid block size %d", iw.cfg.blockSize())
	}
	if _, err := w.Seek(wire.SuperblockSize, io.SeekStart); err != nil {
		return err
	}

	locs, err := iw.writeData(ctx, w)
	if err != nil {
		return err
	}

	iw.assignIDTable()

	if err := iw.writeInodesAndDirs(locs); err != nil {
		return err
	}

	sb := wire.Superblock{
		Magic:       wire.Magic,
		MkfsTime:    int32(iw.cfg.MkfsTime),
		BlockSize:   iw.cfg.blockSize(),
		Fragments:   uint32(len(iw.fragments)),
		Compression: uint16(iw.cfg.compressor().ID()),
		BlockLog:    wire.BlockLog(iw.cfg.blockSize()),
		Flags:       iw.flags(),
		Major:       wire.MajorVersion,
		Minor:       wire.MinorVersion,
	}

	off, err := w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	sb.InodeTableStart = off
	if err := iw.writeMetadataChunks(w, &iw.inodeBuf); err != nil {
		return err
	}

	off, err = w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	sb.DirectoryTableStart = off
	if err := iw.writeMetadataChunks(w, &iw.dirBuf); err != nil {
		return err
	}

	if fragOff, err := iw.writeFragmentTable(w); err != nil {
		return err
	} else {
		sb.FragmentTableStart = fragOff
	}

	idOff, err := iw.writeIDTable(w)
	if err != nil {
		return err
	}
	sb.IdTableStart = idOff
	sb.NoIds = uint16(len(iw.ids))

	xattrOff, err := iw.writeXattrTables(w)
	if err != nil {
		return err
	}
	sb.XattrIdTableStart = xattrOff

	sb.RootInode = iw.inodeRef[iw.t.Root()]
	sb.Inodes = iw.distinctInodes()

	off, err = w.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if pad := off % 4096; pad > 0 {
		if _, err := w.Write(make([]byte, 4096-pad)); err != nil {
			return err
		}
		off += 4096 - pad
	}
	sb.BytesUsed = off

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, &sb)
}

func (iw *Writer) flags() uint16 {
	var f uint16
	if _, none := iw.cfg.compressor().(comp.None); none {
		f |= wire.FlagUncompressedInodes
	}
	if len(iw.fragments) == 0 {
		f |= wire.FlagNoFragments
	}
	if iw.xt == nil || iw.xt.Len() == 0 {
		f |= wire.FlagNoXattrs
	}
	return f
}

// distinctInodes counts nodes that own an inode table entry: every node
// except hard-link aliases, which share their target's.
func (iw *Writer) distinctInodes() uint32 {
	var n uint32
	iw.t.Walk(func(idx tree.Index, node *tree.Node) error {
		if iw.t.CanonicalIndex(idx) == idx {
			n++
		}
		return nil
	})
	return n
}

// assignIDTable walks t once to collect every distinct uid/gid value in
// use, then populates iw.ids/iw.idIndex in strictly ascending order
// before any inode is serialized. Running this pass ahead of
// writeInodesAndDirs means idRef never has to append an id after an
// inode referencing it has already been written, so the on-disk id
// table stays sorted without a remap pass at write time.
func (iw *Writer) assignIDTable() {
	seen := make(map[uint32]bool)
	var ids []uint32
	iw.t.Walk(func(idx tree.Index, n *tree.Node) error {
		if !seen[n.UID] {
			seen[n.UID] = true
			ids = append(ids, n.UID)
		}
		if !seen[n.GID] {
			seen[n.GID] = true
			ids = append(ids, n.GID)
		}
		return nil
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	iw.ids = ids
	iw.idIndex = make(map[uint32]uint32, len(ids))
	for i, id := range ids {
		iw.idIndex[id] = uint32(i)
	}
}

// idRef deduplicates uid/gid values into the id lookup table, returning
// the index a file's Uid/Gid inode field should store.
func (iw *Writer) idRef(id uint32) uint32 {
	if idx, ok := iw.idIndex[id]; ok {
		return idx
	}
	idx := uint32(len(iw.ids))
	iw.ids = append(iw.ids, id)
	iw.idIndex[id] = idx
	return idx
}
