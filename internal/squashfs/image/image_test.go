package image

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/orcaman/writerseeker"

	"github.com/distr1/mksquashfs/internal/squashfs/comp"
	"github.com/distr1/mksquashfs/internal/squashfs/image/sqfsverify"
	"github.com/distr1/mksquashfs/internal/squashfs/tree"
	"github.com/distr1/mksquashfs/internal/squashfs/wire"
	"github.com/distr1/mksquashfs/internal/squashfs/xattrset"
)

func buildSimpleTree(t *testing.T) *tree.Tree {
	t.Helper()
	tr := tree.New()
	content := func(s string) func() (io.ReadCloser, error) {
		return func() (io.ReadCloser, error) {
			return ioutil.NopCloser(bytes.NewReader([]byte(s))), nil
		}
	}
	if _, err := tr.Add("hello.txt", tree.Node{
		Kind: tree.File, Mode: 0644, Size: 5, Open: content("hello"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Add("empty.txt", tree.Node{
		Kind: tree.File, Mode: 0644,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Add("link.txt", tree.Node{
		Kind: tree.Symlink, Mode: 0777, Target: "hello.txt",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Add("dir/nested.txt", tree.Node{
		Kind: tree.File, Mode: 0644, Size: 5, Open: content("world"),
	}); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddHardLink("dir/alias.txt", "hello.txt"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resolve(); err != nil {
		t.Fatal(err)
	}
	if err := tr.PostProcess(); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestIDTableSorted(t *testing.T) {
	tr := tree.New()
	if _, err := tr.Add("c.txt", tree.Node{Kind: tree.File, Mode: 0644, UID: 500, GID: 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Add("a.txt", tree.Node{Kind: tree.File, Mode: 0644, UID: 100, GID: 50}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Add("b.txt", tree.Node{Kind: tree.File, Mode: 0644, UID: 300, GID: 50}); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resolve(); err != nil {
		t.Fatal(err)
	}
	if err := tr.PostProcess(); err != nil {
		t.Fatal(err)
	}

	w := NewWriter(tr, xattrset.NewTable(), Config{Comp: comp.None{}, MkfsTime: 1})
	var ws writerseeker.WriterSeeker
	if err := w.Build(context.Background(), &ws); err != nil {
		t.Fatal(err)
	}

	for i := 1; i < len(w.ids); i++ {
		if w.ids[i-1] >= w.ids[i] {
			t.Fatalf("id table not strictly ascending: %v", w.ids)
		}
	}
	for _, id := range []uint32{0, 50, 100, 300, 500} {
		idx, ok := w.idIndex[id]
		if !ok {
			t.Fatalf("id %d missing from idIndex", id)
		}
		if w.ids[idx] != id {
			t.Fatalf("idIndex[%d] = %d points at ids[%d] = %d", id, idx, idx, w.ids[idx])
		}
	}
}

func TestBuildProducesValidSuperblock(t *testing.T) {
	tr := buildSimpleTree(t)
	w := NewWriter(tr, xattrset.NewTable(), Config{Comp: comp.None{}, MkfsTime: 1})

	var ws writerseeker.WriterSeeker
	if err := w.Build(context.Background(), &ws); err != nil {
		t.Fatal(err)
	}

	buf, err := ioutil.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}
	var sb wire.Superblock
	if err := binary.Read(bytes.NewReader(buf[:wire.SuperblockSize]), binary.LittleEndian, &sb); err != nil {
		t.Fatal(err)
	}
	if sb.Magic != wire.Magic {
		t.Fatalf("Magic = %#x, want %#x", sb.Magic, wire.Magic)
	}
	if sb.Major != wire.MajorVersion || sb.Minor != wire.MinorVersion {
		t.Fatalf("version = %d.%d, want %d.%d", sb.Major, sb.Minor, wire.MajorVersion, wire.MinorVersion)
	}
	// The root, hello.txt, empty.txt, link.txt (symlink), dir/,
	// dir/nested.txt: 6 distinct inodes. dir/alias.txt is a hard-link
	// alias and must not be counted again.
	if sb.Inodes != 6 {
		t.Errorf("Inodes = %d, want 6", sb.Inodes)
	}
	if sb.BytesUsed%4096 != 0 {
		t.Errorf("BytesUsed = %d, not 4096-aligned", sb.BytesUsed)
	}
	if sb.RootInode == 0 {
		t.Errorf("RootInode unset")
	}
}

func TestBuildDeterministic(t *testing.T) {
	build := func() []byte {
		tr := buildSimpleTree(t)
		w := NewWriter(tr, xattrset.NewTable(), Config{Comp: comp.NewGzip(), Workers: 4, MkfsTime: 42})
		var ws writerseeker.WriterSeeker
		if err := w.Build(context.Background(), &ws); err != nil {
			t.Fatal(err)
		}
		buf, err := ioutil.ReadAll(ws.Reader())
		if err != nil {
			t.Fatal(err)
		}
		return buf
	}
	a := build()
	b := build()
	if !bytes.Equal(a, b) {
		t.Fatalf("Build output differs across runs with the same input and worker count")
	}
}

func TestUnsquashfs(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("unsquashfs"); err != nil {
		t.Skip("unsquashfs not found in $PATH")
	}

	tr := buildSimpleTree(t)
	w := NewWriter(tr, xattrset.NewTable(), Config{Comp: comp.NewGzip(), MkfsTime: time.Now().Unix()})

	out, err := ioutil.TempFile("", "mksquashfs-image-*.squashfs")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(out.Name())
	defer out.Close()

	if err := w.Build(context.Background(), out); err != nil {
		t.Fatal(err)
	}

	dir, err := ioutil.TempDir("", "mksquashfs-unsquash-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	cmd := exec.Command("unsquashfs", "-d", dir, "-f", out.Name())
	if cmdOut, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("unsquashfs: %v\n%s", err, cmdOut)
	}

	got, err := ioutil.ReadFile(dir + "/hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello" {
		t.Errorf("hello.txt content = %q, want %q", got, "hello")
	}
}

// TestRoundTripViaSqfsverify parses a built image back with this module's
// own minimal reader instead of shelling out to unsquashfs, so the
// round-trip check runs even where that binary isn't installed.
func TestRoundTripViaSqfsverify(t *testing.T) {
	tr := buildSimpleTree(t)
	w := NewWriter(tr, xattrset.NewTable(), Config{Comp: comp.NewGzip(), MkfsTime: time.Now().Unix()})

	var ws writerseeker.WriterSeeker
	if err := w.Build(context.Background(), &ws); err != nil {
		t.Fatal(err)
	}
	buf, err := ioutil.ReadAll(ws.Reader())
	if err != nil {
		t.Fatal(err)
	}

	img, err := sqfsverify.Open(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("sqfsverify.Open: %v", err)
	}

	wantContent := map[string]string{
		"hello.txt":      "hello",
		"empty.txt":      "",
		"dir/nested.txt": "world",
		"dir/alias.txt":  "hello", // hard-link alias of hello.txt
	}
	for path, want := range wantContent {
		ref, err := img.Lookup(path)
		if err != nil {
			t.Errorf("Lookup(%q): %v", path, err)
			continue
		}
		got, err := img.ReadFile(ref)
		if err != nil {
			t.Errorf("ReadFile(%q): %v", path, err)
			continue
		}
		if string(got) != want {
			t.Errorf("content of %q = %q, want %q", path, got, want)
		}
	}

	linkRef, err := img.Lookup("link.txt")
	if err != nil {
		t.Fatalf("Lookup(link.txt): %v", err)
	}
	target, err := img.ReadSymlink(linkRef)
	if err != nil {
		t.Fatalf("ReadSymlink: %v", err)
	}
	if target != "hello.txt" {
		t.Errorf("symlink target = %q, want %q", target, "hello.txt")
	}

	entries, err := img.Readdir(img.Root())
	if err != nil {
		t.Fatalf("Readdir(root): %v", err)
	}
	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name] = true
	}
	for _, want := range []string{"hello.txt", "empty.txt", "link.txt", "dir"} {
		if !names[want] {
			t.Errorf("root listing missing %q", want)
		}
	}
}
