package tree

import "testing"

func TestAddCreatesParents(t *testing.T) {
	tr := New()
	idx, err := tr.Add("/usr/bin/sh", Node{Kind: File, Mode: 0755, Size: 10})
	if err != nil {
		t.Fatal(err)
	}
	if tr.Node(idx).Name != "sh" {
		t.Fatalf("Name = %q, want sh", tr.Node(idx).Name)
	}
	usr := tr.Node(tr.Parent(tr.Parent(idx)))
	if usr.Name != "usr" || !usr.IsDir() {
		t.Fatalf("grandparent = %+v, want dir usr", usr)
	}
}

func TestAddDuplicateRejected(t *testing.T) {
	tr := New()
	if _, err := tr.Add("/a", Node{Kind: File}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Add("/a", Node{Kind: File}); err == nil {
		t.Fatal("want error for duplicate path")
	}
}

func TestAddDirectoryOverwritesImplicitParent(t *testing.T) {
	tr := New()
	if _, err := tr.Add("/a/b", Node{Kind: File}); err != nil {
		t.Fatal(err)
	}
	implicit := tr.Node(tr.byPath["a"])
	if implicit.Mode != 0755 {
		t.Fatalf("implicit parent mode = %o, want 0755", implicit.Mode)
	}
	idx, err := tr.Add("/a", Node{Kind: Dir, Mode: 0700, UID: 1, GID: 2})
	if err != nil {
		t.Fatalf("explicit directory addition over an implicit parent should not fail: %v", err)
	}
	a := tr.Node(idx)
	if a.Mode != 0700 || a.UID != 1 || a.GID != 2 {
		t.Fatalf("a = %+v, want attributes overwritten by the explicit addition", a)
	}
	if _, ok := tr.Path("a/b"); !ok {
		t.Fatal("a/b should still exist after /a's attributes were overwritten")
	}
}

func TestAddDirectoryOverFileRejected(t *testing.T) {
	tr := New()
	if _, err := tr.Add("/a", Node{Kind: File}); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Add("/a", Node{Kind: Dir}); err == nil {
		t.Fatal("want error for a directory addition conflicting with an existing file")
	}
}

func TestHardLinkResolution(t *testing.T) {
	tr := New()
	orig, err := tr.Add("/file1", Node{Kind: File, Size: 42})
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.AddHardLink("/file2", "/file1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resolve(); err != nil {
		t.Fatal(err)
	}
	if err := tr.PostProcess(); err != nil {
		t.Fatal(err)
	}
	alias := tr.byPath["file2"]
	if tr.Canonical(alias) != tr.Node(orig) {
		t.Fatal("alias did not resolve to original")
	}
	if tr.Node(orig).Nlink != 2 {
		t.Fatalf("Nlink = %d, want 2", tr.Node(orig).Nlink)
	}
}

func TestHardLinkCycleRejected(t *testing.T) {
	tr := New()
	if _, err := tr.Add("/a", Node{Kind: File}); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddHardLink("/b", "/a"); err != nil {
		t.Fatal(err)
	}
	// Overwrite /a's alias target to point back at /b, forming a cycle.
	// This can't happen through the public API (AddHardLink on an
	// existing path fails as a duplicate), so we poke the field directly
	// to exercise Resolve's cycle detector.
	tr.nodes[tr.byPath["a"]].hardLinkAlias = "b"
	if err := tr.Resolve(); err == nil {
		t.Fatal("want error for hard link cycle")
	}
}

func TestHardLinkMissingTarget(t *testing.T) {
	tr := New()
	if err := tr.AddHardLink("/b", "/a"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Resolve(); err == nil {
		t.Fatal("want error for missing hard link target")
	}
}

func TestPostProcessInodeNumbering(t *testing.T) {
	tr := New()
	mustAdd(t, tr, "/b", Node{Kind: File})
	mustAdd(t, tr, "/a", Node{Kind: File})
	if err := tr.Resolve(); err != nil {
		t.Fatal(err)
	}
	if err := tr.PostProcess(); err != nil {
		t.Fatal(err)
	}
	a := tr.Node(tr.byPath["a"])
	b := tr.Node(tr.byPath["b"])
	if a.InodeNumber >= b.InodeNumber {
		t.Fatalf("sorted order not respected: a=%d b=%d", a.InodeNumber, b.InodeNumber)
	}
	if tr.Node(tr.root).InodeNumber != 1 {
		t.Fatalf("root inode = %d, want 1", tr.Node(tr.root).InodeNumber)
	}
}

func TestForceOwner(t *testing.T) {
	tr := New()
	mustAdd(t, tr, "/a", Node{Kind: File, UID: 1000, GID: 1000})
	uid, gid := uint32(0), uint32(0)
	tr.ForceUID, tr.ForceGID = &uid, &gid
	if err := tr.Resolve(); err != nil {
		t.Fatal(err)
	}
	if err := tr.PostProcess(); err != nil {
		t.Fatal(err)
	}
	a := tr.Node(tr.byPath["a"])
	if a.UID != 0 || a.GID != 0 {
		t.Fatalf("UID/GID = %d/%d, want 0/0", a.UID, a.GID)
	}
}

func mustAdd(t *testing.T, tr *Tree, path string, n Node) {
	t.Helper()
	if _, err := tr.Add(path, n); err != nil {
		t.Fatal(err)
	}
}
