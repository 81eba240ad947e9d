// Package blockproc compresses data blocks across a pool of worker
// goroutines and hands them back to the caller in submission order,
// regardless of which worker finished first or how many workers are
// running — the Go-idiomatic rendition of the upstream mksquashfs
// reader-thread/deflate-thread/main-thread pipeline (condition
// variables guarding a shared queue) as channels, an errgroup and a
// small out-of-order reassembly buffer, following the worker-pool shape
// internal/batch/batch.go uses for package builds.
package blockproc

import (
	"context"
	"hash/fnv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/distr1/mksquashfs/internal/squashfs/comp"
	"github.com/distr1/mksquashfs/internal/squashfs/sqerr"
	"github.com/distr1/mksquashfs/internal/trace"
)

// Request is one block submitted for compression. Seq must be dense and
// start at 0; it is both the ordering key for Drain and the identity a
// caller uses to correlate a Result back to the block it submitted.
type Request struct {
	Seq  uint64
	Data []byte
	// Tag names the block for trace events, e.g. a source path.
	Tag string
}

// Result is the outcome of compressing one Request.
type Result struct {
	Seq    uint64
	Stored []byte // the bytes to write: compressed, or Data unchanged
	Raw    bool   // true if Stored is the uncompressed original
	Sparse bool   // true if Data was entirely zero bytes; Stored is empty
	// Dup is set if an earlier block with identical (length, content)
	// was already written; DupOf names that block's Seq and Stored is
	// empty, since the image writer should point at the earlier block
	// instead of writing a second copy.
	Dup   bool
	DupOf uint64
}

// Processor runs a fixed-size pool of worker goroutines that compress
// submitted blocks with a shared comp.Compressor, deduplicate identical
// blocks, and detect all-zero ("sparse") blocks.
//
// A Processor must not be reused after Run returns.
type Processor struct {
	Comp    comp.Compressor
	Workers int

	work    chan Request
	results chan Result

	mu     sync.Mutex
	dedup  map[dedupKey]uint64 // signature -> Seq of first block seen
	onDone func(Result)
}

type dedupKey struct {
	length int
	sum    [16]byte
}

// New creates a Processor with the given compressor and worker count.
// workers must be >= 1.
func New(c comp.Compressor, workers int) *Processor {
	if workers < 1 {
		workers = 1
	}
	return &Processor{
		Comp:    c,
		Workers: workers,
		dedup:   make(map[dedupKey]uint64),
	}
}

// Run starts the worker pool, feeding it from reqs and calling onDone
// once per Request in ascending Seq order (not completion order). Run
// blocks until reqs is closed, every in-flight block has been drained in
// order, and onDone has been called for every one of them — or until a
// worker reports an error, in which case Run returns that error (the
// first one observed) after the other workers finish their current
// block.
//
// onDone is called from Run's own goroutine, never concurrently, so it
// may safely append to a shared slice without its own locking.
func (p *Processor) Run(ctx context.Context, reqs <-chan Request, onDone func(Result)) error {
	p.work = make(chan Request)
	p.results = make(chan Result)
	p.onDone = onDone

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		defer close(p.work)
		for {
			select {
			case req, ok := <-reqs:
				if !ok {
					return nil
				}
				select {
				case p.work <- req:
				case <-ctx.Done():
					return ctx.Err()
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	var workersWg sync.WaitGroup
	for w := 0; w < p.Workers; w++ {
		w := w
		workersWg.Add(1)
		eg.Go(func() error {
			defer workersWg.Done()
			return p.worker(ctx, w)
		})
	}
	go func() {
		workersWg.Wait()
		close(p.results)
	}()

	eg.Go(func() error {
		return p.drain(ctx)
	})

	return eg.Wait()
}

func (p *Processor) worker(ctx context.Context, id int) error {
	for {
		select {
		case req, ok := <-p.work:
			if !ok {
				return nil
			}
			res, err := p.process(id, req)
			if err != nil {
				return sqerr.Errorf(sqerr.KindCompress, "blockproc.worker", req.Tag, "%w", err)
			}
			select {
			case p.results <- res:
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Processor) process(workerID int, req Request) (Result, error) {
	ev := trace.Event("compress "+req.Tag, workerID)
	defer ev.Done()

	if allZero(req.Data) {
		return Result{Seq: req.Seq, Sparse: true}, nil
	}

	key := signature(req.Data)
	p.mu.Lock()
	dupSeq, isDup := p.dedup[key]
	if !isDup {
		p.dedup[key] = req.Seq
	}
	p.mu.Unlock()
	if isDup {
		return Result{Seq: req.Seq, Dup: true, DupOf: dupSeq}, nil
	}

	out, ok, err := p.Comp.Compress(nil, req.Data)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Seq: req.Seq, Stored: req.Data, Raw: true}, nil
	}
	return Result{Seq: req.Seq, Stored: out}, nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return len(b) > 0
}

func signature(b []byte) dedupKey {
	h := fnv.New128a()
	h.Write(b)
	var sum [16]byte
	copy(sum[:], h.Sum(nil))
	return dedupKey{length: len(b), sum: sum}
}

// drain reorders p.results (which may arrive out of submission order,
// since workers race each other) into strictly ascending Seq order
// before calling p.onDone, so the image writer's output is identical no
// matter how many workers ran the build.
func (p *Processor) drain(ctx context.Context) error {
	pending := make(map[uint64]Result)
	var next uint64
	for {
		select {
		case res, ok := <-p.results:
			if !ok {
				return nil
			}
			pending[res.Seq] = res
			for {
				r, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				p.onDone(r)
				next++
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
