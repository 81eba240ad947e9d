package blockproc

import (
	"context"
	"fmt"
	"testing"

	"github.com/distr1/mksquashfs/internal/squashfs/comp"
)

func blocks(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		switch {
		case i%7 == 0:
			out[i] = make([]byte, 128) // sparse
		case i%5 == 0:
			out[i] = out[0] // duplicate of the first sparse block's sibling pattern
		default:
			b := make([]byte, 128)
			for j := range b {
				b[j] = byte(i + j)
			}
			out[i] = b
		}
	}
	return out
}

func runAll(t *testing.T, workers int, data [][]byte) []Result {
	t.Helper()
	p := New(comp.NewGzip(), workers)
	reqs := make(chan Request)
	var got []Result
	done := make(chan struct{})
	var runErr error
	go func() {
		runErr = p.Run(context.Background(), reqs, func(r Result) {
			got = append(got, r)
		})
		close(done)
	}()
	for i, d := range data {
		reqs <- Request{Seq: uint64(i), Data: d, Tag: fmt.Sprintf("block-%d", i)}
	}
	close(reqs)
	<-done
	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	return got
}

func TestDeterministicOrder(t *testing.T) {
	data := blocks(40)
	var baseline []Result
	for _, workers := range []int{1, 2, 4, 8} {
		got := runAll(t, workers, data)
		if len(got) != len(data) {
			t.Fatalf("workers=%d: got %d results, want %d", workers, len(got), len(data))
		}
		for i, r := range got {
			if r.Seq != uint64(i) {
				t.Fatalf("workers=%d: results[%d].Seq = %d, want %d", workers, i, r.Seq, i)
			}
		}
		if baseline == nil {
			baseline = got
			continue
		}
		for i := range got {
			if got[i].Raw != baseline[i].Raw || got[i].Sparse != baseline[i].Sparse || got[i].Dup != baseline[i].Dup {
				t.Fatalf("workers=%d: result[%d] = %+v, baseline = %+v", workers, i, got[i], baseline[i])
			}
		}
	}
}

func TestSparseDetection(t *testing.T) {
	got := runAll(t, 2, [][]byte{make([]byte, 64)})
	if !got[0].Sparse {
		t.Fatal("want Sparse=true for all-zero block")
	}
}

func TestDedup(t *testing.T) {
	b := make([]byte, 64)
	for i := range b {
		b[i] = byte(i)
	}
	got := runAll(t, 3, [][]byte{b, append([]byte(nil), b...), b})
	if got[0].Dup {
		t.Fatal("first occurrence must not be marked as a dup")
	}
	if !got[1].Dup || got[1].DupOf != 0 {
		t.Fatalf("result[1] = %+v, want Dup of seq 0", got[1])
	}
	if !got[2].Dup || got[2].DupOf != 0 {
		t.Fatalf("result[2] = %+v, want Dup of seq 0", got[2])
	}
}
