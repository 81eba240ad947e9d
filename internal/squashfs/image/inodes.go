package image

import (
	"encoding/binary"

	"github.com/distr1/mksquashfs/internal/squashfs/tree"
	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

type dirEnt struct {
	startBlock  uint32
	offset      uint16
	inodeNumber uint32
	entryType   uint16
	name        string
}

// writeInodesAndDirs walks t post-order (every child processed before
// its parent), writing one inode-table record per canonical node and
// one directory-table listing per directory. Post-order is required:
// a directory's listing embeds each child's already-assigned
// (metadata-block, offset) inode reference, so children must exist in
// the inode table before their parent's listing — and, transitively,
// before their parent's own inode header — is written.
func (iw *Writer) writeInodesAndDirs(locs map[tree.Index]fileLayout) error {
	childEntries := make(map[tree.Index][]dirEnt)

	var walk func(idx tree.Index) error
	walk = func(idx tree.Index) error {
		n := iw.t.Node(idx)
		for _, c := range iw.t.Children(idx) {
			if err := walk(c); err != nil {
				return err
			}
		}

		if iw.t.Canonical(idx) != n {
			// Hard-link alias: contributes only a directory entry in its
			// parent, pointing at the canonical node's inode.
			canon := iw.t.Canonical(idx)
			canonIdx := iw.t.CanonicalIndex(idx)
			if _, written := iw.inodeRef[canonIdx]; !written && canon.Kind == tree.File {
				// The canonical file comes later in the walk; write its
				// inode now so this entry has a reference to point at.
				if err := iw.writeFileInode(canonIdx, canon, locs[canonIdx]); err != nil {
					return err
				}
			}
			parent := iw.t.Parent(idx)
			childEntries[parent] = append(childEntries[parent], dirEnt{
				startBlock:  refStartBlock(iw.inodeRef[canonIdx]),
				offset:      refOffset(iw.inodeRef[canonIdx]),
				inodeNumber: canon.InodeNumber,
				entryType:   iw.nodeType[canonIdx],
				name:        n.Name,
			})
			return nil
		}

		switch n.Kind {
		case tree.Dir:
			if err := iw.writeDirInode(idx, n, childEntries[idx]); err != nil {
				return err
			}
		case tree.File:
			if _, written := iw.inodeRef[idx]; written {
				break // already written for an earlier hard-link alias
			}
			if err := iw.writeFileInode(idx, n, locs[idx]); err != nil {
				return err
			}
		case tree.Symlink:
			if err := iw.writeSymlinkInode(idx, n); err != nil {
				return err
			}
		case tree.CharDev, tree.BlockDev:
			if err := iw.writeDevInode(idx, n); err != nil {
				return err
			}
		case tree.Fifo, tree.Socket:
			if err := iw.writeIPCInode(idx, n); err != nil {
				return err
			}
		}

		if idx != iw.t.Root() {
			parent := iw.t.Parent(idx)
			childEntries[parent] = append(childEntries[parent], dirEnt{
				startBlock:  refStartBlock(iw.inodeRef[idx]),
				offset:      refOffset(iw.inodeRef[idx]),
				inodeNumber: n.InodeNumber,
				entryType:   iw.nodeType[idx],
				name:        n.Name,
			})
		}
		return nil
	}
	return walk(iw.t.Root())
}

func refStartBlock(ref int64) uint32 {
	sb, _ := wire.SplitInodeRef(ref)
	return sb
}

func refOffset(ref int64) uint16 {
	_, off := wire.SplitInodeRef(ref)
	return off
}

func (iw *Writer) commonHeader(n *tree.Node, typ uint16) wire.InodeHeader {
	mtime := n.Mtime
	if mtime == 0 {
		mtime = iw.cfg.MkfsTime
	}
	return wire.InodeHeader{
		InodeType:   typ,
		Mode:        n.Mode,
		Uid:         uint16(iw.idRef(n.UID)),
		Gid:         uint16(iw.idRef(n.GID)),
		Mtime:       int32(mtime),
		InodeNumber: n.InodeNumber,
	}
}

// chunkPhysicalOffset converts a metadata chunk index into its byte
// offset relative to the containing table: each chunk occupies
// MetadataBlockSize bytes of payload plus a 2-byte length header.
func chunkPhysicalOffset(chunkIndex int) uint32 {
	return uint32(chunkIndex) * (wire.MetadataBlockSize + 2)
}

func (iw *Writer) recordRef(idx tree.Index, typ uint16) {
	chunkIndex := iw.inodeBuf.Len() / wire.MetadataBlockSize
	offset := uint16(iw.inodeBuf.Len() - chunkIndex*wire.MetadataBlockSize)
	iw.inodeRef[idx] = wire.MakeInodeRef(chunkPhysicalOffset(chunkIndex), offset)
	iw.nodeType[idx] = typ
}

func (iw *Writer) writeFileInode(idx tree.Index, n *tree.Node, layout fileLayout) error {
	extended := n.Nlink > 1 || n.XattrID != wire.InvalidXattr ||
		(len(layout.blocks) > 0 && uint64(layout.blocks[0].offset) > 0xFFFFFFFF)
	typ := uint16(wire.FileType)
	if extended {
		typ = wire.LFileType
	}
	iw.recordRef(idx, typ)

	frag, hasFrag := iw.fileFragment[idx]
	fragIndex := uint32(wire.InvalidFragment)
	fragOffset := uint32(0)
	if hasFrag {
		fragIndex, fragOffset = frag.index, frag.offset
	}
	var startBlock uint64
	if len(layout.blocks) > 0 {
		startBlock = uint64(layout.blocks[0].offset)
	}

	if extended {
		var sparse uint64
		for _, b := range layout.blocks {
			if b.sparse {
				sparse += uint64(iw.cfg.blockSize())
			}
		}
		if err := binary.Write(&iw.inodeBuf, binary.LittleEndian, wire.LRegInodeHeader{
			InodeHeader: iw.commonHeader(n, typ),
			StartBlock:  startBlock,
			FileSize:    n.Size,
			Sparse:      sparse,
			Nlink:       n.Nlink,
			Fragment:    fragIndex,
			Offset:      fragOffset,
			Xattr:       n.XattrID,
		}); err != nil {
			return err
		}
	} else {
		if err := binary.Write(&iw.inodeBuf, binary.LittleEndian, wire.RegInodeHeader{
			InodeHeader: iw.commonHeader(n, typ),
			StartBlock:  uint32(startBlock),
			Fragment:    fragIndex,
			Offset:      fragOffset,
			FileSize:    uint32(n.Size),
		}); err != nil {
			return err
		}
	}
	sizes := make([]uint32, len(layout.blocks))
	for i, b := range layout.blocks {
		sizes[i] = b.sizeField()
	}
	return binary.Write(&iw.inodeBuf, binary.LittleEndian, sizes)
}

func (iw *Writer) writeSymlinkInode(idx tree.Index, n *tree.Node) error {
	iw.recordRef(idx, wire.SymlinkType)
	if err := binary.Write(&iw.inodeBuf, binary.LittleEndian, wire.SymlinkInodeHeader{
		InodeHeader: iw.commonHeader(n, wire.SymlinkType),
		Nlink:       n.Nlink,
		SymlinkSize: uint32(len(n.Target)),
	}); err != nil {
		return err
	}
	_, err := iw.inodeBuf.WriteString(n.Target)
	return err
}

func (iw *Writer) writeDevInode(idx tree.Index, n *tree.Node) error {
	typ := uint16(wire.ChrDevType)
	if n.Kind == tree.BlockDev {
		typ = wire.BlkDevType
	}
	iw.recordRef(idx, typ)
	return binary.Write(&iw.inodeBuf, binary.LittleEndian, wire.DevInodeHeader{
		InodeHeader: iw.commonHeader(n, typ),
		Nlink:       n.Nlink,
		Rdev:        n.Rdev,
	})
}

func (iw *Writer) writeIPCInode(idx tree.Index, n *tree.Node) error {
	typ := uint16(wire.FifoType)
	if n.Kind == tree.Socket {
		typ = wire.SocketType
	}
	iw.recordRef(idx, typ)
	return binary.Write(&iw.inodeBuf, binary.LittleEndian, wire.IPCInodeHeader{
		InodeHeader: iw.commonHeader(n, typ),
		Nlink:       n.Nlink,
	})
}

func (iw *Writer) writeDirInode(idx tree.Index, n *tree.Node, entries []dirEnt) error {
	dirBufStart := iw.dirBuf.Len() / wire.MetadataBlockSize
	dirBufOffset := iw.dirBuf.Len()

	countByBlock := make(map[uint32]uint32)
	for _, e := range entries {
		countByBlock[e.startBlock]++
	}
	var currentBlock int64 = -1
	var base uint32
	for _, e := range entries {
		if int64(e.startBlock) != currentBlock {
			if err := binary.Write(&iw.dirBuf, binary.LittleEndian, wire.DirHeader{
				Count:       countByBlock[e.startBlock] - 1,
				StartBlock:  e.startBlock,
				InodeOffset: e.inodeNumber,
			}); err != nil {
				return err
			}
			currentBlock = int64(e.startBlock)
			base = e.inodeNumber
		}
		if err := binary.Write(&iw.dirBuf, binary.LittleEndian, wire.DirEntry{
			Offset:      e.offset,
			InodeNumber: int16(int64(e.inodeNumber) - int64(base)),
			EntryType:   e.entryType,
			Size:        uint16(len(e.name) - 1),
		}); err != nil {
			return err
		}
		if _, err := iw.dirBuf.WriteString(e.name); err != nil {
			return err
		}
	}

	listingSize := iw.dirBuf.Len() - dirBufOffset
	extended := len(entries) > wire.DirIndexInterval || listingSize > wire.MetadataBlockSize || n.XattrID != wire.InvalidXattr
	typ := uint16(wire.DirType)
	if extended {
		typ = wire.LDirType
	}
	iw.recordRef(idx, typ)

	parent := n.InodeNumber
	if idx != iw.t.Root() {
		parent = iw.t.Node(iw.t.Parent(idx)).InodeNumber
	}
	subdirs := 0
	for _, c := range iw.t.Children(idx) {
		if iw.t.Node(c).Kind == tree.Dir {
			subdirs++
		}
	}
	nlink := uint32(subdirs + 2)
	if nlink > 0 {
		nlink--
	}

	if extended {
		return binary.Write(&iw.inodeBuf, binary.LittleEndian, wire.LDirInodeHeader{
			InodeHeader: iw.commonHeader(n, typ),
			Nlink:       nlink,
			FileSize:    uint32(listingSize) + 3,
			StartBlock:  chunkPhysicalOffset(dirBufStart),
			ParentInode: parent,
			Icount:      0,
			Offset:      uint16(dirBufOffset - dirBufStart*wire.MetadataBlockSize),
			Xattr:       n.XattrID,
		})
	}
	return binary.Write(&iw.inodeBuf, binary.LittleEndian, wire.DirInodeHeader{
		InodeHeader: iw.commonHeader(n, typ),
		StartBlock:  chunkPhysicalOffset(dirBufStart),
		Nlink:       nlink,
		FileSize:    uint16(listingSize) + 3,
		Offset:      uint16(dirBufOffset - dirBufStart*wire.MetadataBlockSize),
		ParentInode: parent,
	})
}
