package build

import (
	"context"
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/distr1/mksquashfs/internal/squashfs/scan"
	"github.com/distr1/mksquashfs/internal/squashfs/tree"
	"github.com/distr1/mksquashfs/internal/squashfs/wire"
	"github.com/distr1/mksquashfs/internal/squashfs/xattrset"
)

func TestBuildImageFromDir(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "sub"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(src, "hello.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(filepath.Join(src, "sub", "nested.txt"), []byte("nested"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("hello.txt", filepath.Join(src, "link.txt")); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "out.squashfs")
	cfg := Config{
		OutputPath: out,
		Dirs: []DirSource{
			{Root: src, Dest: "", Options: scan.Options{}},
		},
		BlockSize: wire.DefaultBlockSize,
		Workers:   2,
	}
	if err := BuildImage(context.Background(), cfg); err != nil {
		t.Fatalf("BuildImage: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("output not created: %v", err)
	}
	defer f.Close()

	var magic uint32
	if err := binary.Read(f, binary.LittleEndian, &magic); err != nil {
		t.Fatal(err)
	}
	if magic != wire.Magic {
		t.Errorf("magic = %#x, want %#x", magic, wire.Magic)
	}
}

func TestBuildImageFromPseudoFile(t *testing.T) {
	dir := t.TempDir()
	pseudoPath := filepath.Join(dir, "image.pseudo")
	pseudoSrc := "dir /etc 0755 0 0\n" +
		"pipe /run/fifo 0600 0 0\n"
	if err := ioutil.WriteFile(pseudoPath, []byte(pseudoSrc), 0644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out.squashfs")
	cfg := Config{
		OutputPath: out,
		Pseudos: []PseudoSource{
			{Path: pseudoPath},
		},
		BlockSize: wire.DefaultBlockSize,
	}
	if err := BuildImage(context.Background(), cfg); err != nil {
		t.Fatalf("BuildImage: %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Fatalf("output not created: %v", err)
	}
}

func TestFoldXattrsAssignsIDs(t *testing.T) {
	tr := tree.New()
	withXattr, err := tr.Add("/a.txt", tree.Node{Kind: tree.File})
	if err != nil {
		t.Fatal(err)
	}
	tr.Node(withXattr).Xattrs = []xattrset.Entry{
		{Namespace: wire.XattrUser, Name: "comment", Value: []byte("hi")},
	}
	plain, err := tr.Add("/b.txt", tree.Node{Kind: tree.File})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Resolve(); err != nil {
		t.Fatal(err)
	}
	if err := tr.PostProcess(); err != nil {
		t.Fatal(err)
	}

	xt := xattrset.NewTable()
	if err := foldXattrs(tr, xt); err != nil {
		t.Fatal(err)
	}
	if xt.Len() != 1 {
		t.Fatalf("xt.Len() = %d, want 1", xt.Len())
	}
	if tr.Node(withXattr).XattrID != 0 {
		t.Errorf("a.txt XattrID = %d, want 0", tr.Node(withXattr).XattrID)
	}
	if tr.Node(plain).XattrID != tree.InvalidXattr {
		t.Errorf("b.txt XattrID = %d, want InvalidXattr", tr.Node(plain).XattrID)
	}
}

func TestBuildImageAtomicOnFailure(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.squashfs")
	cfg := Config{
		OutputPath: out,
		Dirs: []DirSource{
			{Root: filepath.Join(dir, "does-not-exist"), Dest: ""},
		},
	}
	if err := BuildImage(context.Background(), cfg); err == nil {
		t.Fatal("expected error for nonexistent source directory")
	}
	if _, err := os.Stat(out); !os.IsNotExist(err) {
		t.Errorf("output file should not exist after a failed build, stat err = %v", err)
	}
}
