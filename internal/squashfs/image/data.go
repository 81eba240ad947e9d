package image

import (
	"context"
	"io"

	"github.com/distr1/mksquashfs/internal/squashfs/blockproc"
	"github.com/distr1/mksquashfs/internal/squashfs/tree"
	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

// fileLayout is everything writeInodesAndDirs needs to know about one
// file's on-disk content: its full data block locations, in order. A
// file's tail, if packed into a fragment instead of its own block, is
// not part of Blocks; look it up in Writer.fileFragment.
type fileLayout struct {
	blocks []blockLoc
}

type fragRange struct {
	node       tree.Index
	start, end int
}

// writeData reads every regular file's content in preorder, submits its
// full blocks to a blockproc.Processor (queuing unless NoFragments a
// sub-block-size tail for fragment packing instead), and writes the
// processor's ordered output to w. Because the processor's completion
// callback fires in strict submission order regardless of which worker
// finished a given block first, writing directly to w from that callback
// reproduces file-contiguous, byte-for-byte deterministic block layout
// no matter how many workers ran.
func (iw *Writer) writeData(ctx context.Context, w io.WriteSeeker) (map[tree.Index]fileLayout, error) {
	blockSize := iw.cfg.blockSize()
	layouts := make(map[tree.Index]fileLayout)

	var owners []blockOwner
	var reqs []blockproc.Request
	var fragBuf []byte
	var fragRanges []fragRange
	numFragments := 0

	flushFragment := func() {
		if len(fragBuf) == 0 {
			return
		}
		fragIndex := numFragments
		numFragments++
		owners = append(owners, blockOwner{frag: true, block: fragIndex})
		reqs = append(reqs, blockproc.Request{Seq: uint64(len(owners) - 1), Data: fragBuf, Tag: "fragment"})
		for _, r := range fragRanges {
			iw.fileFragment[r.node] = fragInfo{index: uint32(fragIndex), offset: uint32(r.start), size: uint32(r.end - r.start)}
		}
		fragBuf = nil
		fragRanges = nil
	}

	err := iw.t.Walk(func(idx tree.Index, n *tree.Node) error {
		if n.Kind != tree.File || iw.t.Canonical(idx) != n {
			return nil
		}
		layout := fileLayout{}
		var rc io.ReadCloser
		if n.Open != nil {
			var err error
			rc, err = n.Open()
			if err != nil {
				return err
			}
			defer rc.Close()
		}
		remaining := n.Size
		for remaining > 0 {
			chunk := uint64(blockSize)
			if remaining < chunk {
				chunk = remaining
			}
			isTail := chunk < uint64(blockSize)
			buf := make([]byte, chunk)
			if rc != nil {
				if _, err := io.ReadFull(rc, buf); err != nil {
					return err
				}
			}
			if isTail && !iw.cfg.NoFragments {
				start := len(fragBuf)
				fragBuf = append(fragBuf, buf...)
				fragRanges = append(fragRanges, fragRange{idx, start, len(fragBuf)})
				if len(fragBuf) >= int(blockSize) {
					flushFragment()
				}
			} else {
				owners = append(owners, blockOwner{node: idx, block: len(layout.blocks)})
				layout.blocks = append(layout.blocks, blockLoc{})
				reqs = append(reqs, blockproc.Request{Seq: uint64(len(owners) - 1), Data: buf, Tag: n.Name})
			}
			remaining -= chunk
		}
		layouts[idx] = layout
		return nil
	})
	if err != nil {
		return nil, err
	}
	flushFragment()

	iw.fragments = make([]wire.FragmentEntry, numFragments)

	p := blockproc.New(iw.cfg.compressor(), iw.cfg.workers())
	reqCh := make(chan blockproc.Request)
	go func() {
		defer close(reqCh)
		for _, r := range reqs {
			reqCh <- r
		}
	}()

	locBySeq := make(map[uint64]blockLoc)
	var writeErr error
	onDone := func(res blockproc.Result) {
		if writeErr != nil {
			return
		}
		owner := owners[res.Seq]
		var loc blockLoc
		switch {
		case res.Sparse:
			loc = blockLoc{sparse: true}
		case res.Dup:
			loc = locBySeq[res.DupOf]
		default:
			off, err := w.Seek(0, io.SeekCurrent)
			if err != nil {
				writeErr = err
				return
			}
			if _, err := w.Write(res.Stored); err != nil {
				writeErr = err
				return
			}
			loc = blockLoc{offset: off, size: uint32(len(res.Stored)), raw: res.Raw}
		}
		locBySeq[res.Seq] = loc
		if owner.frag {
			iw.fragments[owner.block] = wire.FragmentEntry{StartBlock: uint64(loc.offset), Size: loc.sizeField()}
			return
		}
		fl := layouts[owner.node]
		fl.blocks[owner.block] = loc
		layouts[owner.node] = fl
	}

	if err := p.Run(ctx, reqCh, onDone); err != nil {
		return nil, err
	}
	if writeErr != nil {
		return nil, writeErr
	}
	return layouts, nil
}
