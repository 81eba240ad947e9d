package pseudo

import (
	"strings"
	"testing"
)

func mustParse(t *testing.T, src string) []Entry {
	t.Helper()
	entries, err := Parse(strings.NewReader(src), "test.pseudo")
	if err != nil {
		t.Fatalf("Parse(%q) = %v", src, err)
	}
	return entries
}

func TestParseBasicKinds(t *testing.T) {
	src := `
# a comment
dir /etc 0755 0 0
slink /bin/sh 0777 0 0 /bin/bash
link /usr/bin/x 0644 0 0 /usr/bin/y
nod /dev/null 0666 0 0 c 1 3
pipe /run/fifo 0600 0 0
sock /run/sock 0600 0 0
file /etc/hostname 0644 0 0 /tmp/hostname
`
	entries := mustParse(t, src)
	if len(entries) != 7 {
		t.Fatalf("got %d entries, want 7", len(entries))
	}
	if entries[0].Kind != KindDir || entries[0].Mode != 0755 {
		t.Errorf("dir entry = %+v", entries[0])
	}
	if entries[1].Kind != KindSlink || entries[1].Target != "/bin/bash" {
		t.Errorf("slink entry = %+v", entries[1])
	}
	if entries[2].Kind != KindLink || entries[2].Target != "/usr/bin/y" {
		t.Errorf("link entry = %+v", entries[2])
	}
	nod := entries[3]
	if nod.Kind != KindNod || !nod.CharDevice || nod.Major != 1 || nod.Minor != 3 {
		t.Errorf("nod entry = %+v", nod)
	}
	if entries[6].Kind != KindFile || entries[6].Target != "/tmp/hostname" {
		t.Errorf("file entry = %+v", entries[6])
	}
}

func TestParseFileDefaultsTargetToPath(t *testing.T) {
	entries := mustParse(t, "file /etc/hostname 0644 0 0")
	if entries[0].Target != "/etc/hostname" {
		t.Errorf("Target = %q, want /etc/hostname", entries[0].Target)
	}
}

func TestParseQuotedPathWithSpace(t *testing.T) {
	entries := mustParse(t, `file "my file.txt" 0644 0 0 "/tmp/my file.txt"`)
	if entries[0].Path != "my file.txt" {
		t.Errorf("Path = %q", entries[0].Path)
	}
	if entries[0].Target != "/tmp/my file.txt" {
		t.Errorf("Target = %q", entries[0].Target)
	}
}

func TestParseQuotedEscapes(t *testing.T) {
	entries := mustParse(t, `file "quote\"here" 0644 0 0`)
	if entries[0].Path != `quote"here` {
		t.Errorf("Path = %q", entries[0].Path)
	}
}

func TestParseGlobWithTypeAndName(t *testing.T) {
	entries := mustParse(t, `glob /lib * * * -type f -name "*.so" /usr/lib`)
	if entries[0].Mode != -1 || entries[0].UID != -1 || entries[0].GID != -1 {
		t.Errorf("wildcard mode/uid/gid = %d/%d/%d, want -1/-1/-1", entries[0].Mode, entries[0].UID, entries[0].GID)
	}
	g := entries[0].Glob
	if !g.Types['f'] || g.Types['d'] || g.Types['c'] {
		t.Errorf("Types = %+v, want only f set", g.Types)
	}
	if g.NamePattern != "*.so" {
		t.Errorf("NamePattern = %q", g.NamePattern)
	}
	if g.BaseDir != "/usr/lib" {
		t.Errorf("BaseDir = %q", g.BaseDir)
	}
}

func TestParseUnknownKindReportsLine(t *testing.T) {
	_, err := Parse(strings.NewReader("dir /a 0755 0 0\nbogus /b 0755 0 0\n"), "f.pseudo")
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := err.(*ParseError)
	if !ok {
		t.Fatalf("error type = %T, want *ParseError", err)
	}
	if pe.Line != 2 || pe.File != "f.pseudo" {
		t.Errorf("ParseError = %+v", pe)
	}
}

func TestParseModeOutOfRange(t *testing.T) {
	_, err := Parse(strings.NewReader("dir /a 077777 0 0\n"), "f.pseudo")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestParseWildcardOwnerOnlyForGlob(t *testing.T) {
	entries := mustParse(t, "glob /a * * * -- /b")
	if entries[0].Glob.BaseDir != "/b" {
		t.Errorf("BaseDir = %q", entries[0].Glob.BaseDir)
	}
	if entries[0].Mode != -1 || entries[0].UID != -1 || entries[0].GID != -1 {
		t.Errorf("wildcard mode/uid/gid = %d/%d/%d, want -1/-1/-1", entries[0].Mode, entries[0].UID, entries[0].GID)
	}
	if _, err := Parse(strings.NewReader("dir /a * 0 0\n"), "f.pseudo"); err == nil {
		t.Error("dir with \"*\" mode: expected error")
	}
}
