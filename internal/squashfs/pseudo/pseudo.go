// Package pseudo parses the textual pseudo-file description language: a
// line-oriented alternative to scanning a real directory, where each
// line declares one filesystem entry plus, for "glob", a find(1)-subset
// filter over a host directory. The grammar is parsed with a plain
// bufio.Scanner over each line rather than a generated parser.
package pseudo

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Kind is the pseudo-file keyword naming a line's entry type.
type Kind int

const (
	KindDir Kind = iota
	KindSlink
	KindLink
	KindNod
	KindPipe
	KindSock
	KindFile
	KindGlob
)

// Entry is one parsed, non-comment, non-blank pseudo-file line.
type Entry struct {
	Kind Kind
	Path string

	// Mode/UID/GID are -1 when the source line specified "*" (glob only):
	// keep whatever the host filesystem already has.
	Mode int32
	UID  int64
	GID  int64

	// Target is slink's link destination, link's source path, or file's
	// host source path (defaults to Path if the line omitted it).
	Target string

	// Major/Minor are nod's device numbers; CharDevice distinguishes
	// "c" from "b".
	Major, Minor int
	CharDevice   bool

	// Glob carries glob's filter spec, populated only when Kind ==
	// KindGlob.
	Glob GlobSpec
}

// GlobSpec is glob's find(1)-subset filter, parsed by parseGlobSpec.
type GlobSpec struct {
	BaseDir      string
	Types        map[byte]bool // subset of {'b','c','d','p','f','l','s'}
	OneFilesystem bool
	KeepTime     bool
	NonRecursive bool
	NamePattern  string
	PathPattern  string
}

// ParseError reports a pseudo-file syntax error at a specific line,
// formatted as filename:line: message.
type ParseError struct {
	File    string
	Line    int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
}

// Parse reads a pseudo-file description from r, returning one Entry per
// non-empty, non-comment line. Parsing stops at the first malformed
// line, returning a *ParseError naming filename and line number.
func Parse(r io.Reader, filename string) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, &ParseError{File: filename, Line: lineNo, Message: err.Error()}
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, xerrors.Errorf("pseudo.Parse: %s: %w", filename, err)
	}
	return entries, nil
}

func parseLine(line string) (Entry, error) {
	fields, err := tokenize(line)
	if err != nil {
		return Entry{}, err
	}
	if len(fields) < 2 {
		return Entry{}, fmt.Errorf("expected at least <kind> <path>, got %q", line)
	}
	kind, err := parseKind(fields[0])
	if err != nil {
		return Entry{}, err
	}
	e := Entry{Kind: kind, Path: fields[1]}
	rest := fields[2:]

	if len(rest) < 3 {
		return Entry{}, fmt.Errorf("%s %s: expected mode uid gid", fields[0], e.Path)
	}
	mode, err := parseIntField(rest[0], "mode")
	if err != nil {
		return Entry{}, err
	}
	uid, err := parseIntField(rest[1], "uid")
	if err != nil {
		return Entry{}, err
	}
	gid, err := parseIntField(rest[2], "gid")
	if err != nil {
		return Entry{}, err
	}
	if kind != KindGlob && (mode < 0 || uid < 0 || gid < 0) {
		return Entry{}, fmt.Errorf("%s %s: \"*\" is only allowed for glob", fields[0], e.Path)
	}
	e.Mode, e.UID, e.GID = int32(mode), int64(uid), int64(gid)
	extra := rest[3:]

	if kind == KindGlob {
		spec, err := parseGlobSpec(extra)
		if err != nil {
			return Entry{}, err
		}
		e.Glob = spec
		return e, nil
	}

	switch kind {
	case KindDir, KindPipe, KindSock:
		if len(extra) != 0 {
			return Entry{}, fmt.Errorf("%s %s: unexpected extra arguments %v", fields[0], e.Path, extra)
		}
	case KindSlink:
		if len(extra) != 1 {
			return Entry{}, fmt.Errorf("slink %s: expected a link target", e.Path)
		}
		e.Target = extra[0]
	case KindLink:
		if len(extra) != 1 {
			return Entry{}, fmt.Errorf("link %s: expected a source path", e.Path)
		}
		e.Target = extra[0]
	case KindFile:
		if len(extra) > 1 {
			return Entry{}, fmt.Errorf("file %s: too many arguments", e.Path)
		}
		e.Target = e.Path
		if len(extra) == 1 {
			e.Target = extra[0]
		}
	case KindNod:
		if len(extra) != 3 {
			return Entry{}, fmt.Errorf("nod %s: expected c|b major minor", e.Path)
		}
		switch extra[0] {
		case "c":
			e.CharDevice = true
		case "b":
			e.CharDevice = false
		default:
			return Entry{}, fmt.Errorf("nod %s: device type must be c or b, got %q", e.Path, extra[0])
		}
		major, err := parseIntField(extra[1], "major")
		if err != nil {
			return Entry{}, err
		}
		minor, err := parseIntField(extra[2], "minor")
		if err != nil {
			return Entry{}, err
		}
		e.Major, e.Minor = major, minor
	}
	return e, nil
}

func parseKind(s string) (Kind, error) {
	switch s {
	case "dir":
		return KindDir, nil
	case "slink":
		return KindSlink, nil
	case "link":
		return KindLink, nil
	case "nod":
		return KindNod, nil
	case "pipe":
		return KindPipe, nil
	case "sock":
		return KindSock, nil
	case "file":
		return KindFile, nil
	case "glob":
		return KindGlob, nil
	default:
		return 0, fmt.Errorf("unknown pseudo-file kind %q", s)
	}
}

// parseIntField parses a mode/uid/gid/major/minor field, accepting "*"
// (meaning "keep the host value", only meaningful for glob) as -1.
func parseIntField(s, what string) (int, error) {
	if s == "*" {
		return -1, nil
	}
	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", what, s)
	}
	if what == "mode" && (n < 0 || n > 07777) {
		return 0, fmt.Errorf("mode %q out of range 0-07777", s)
	}
	return int(n), nil
}

func parseGlobSpec(args []string) (GlobSpec, error) {
	spec := GlobSpec{Types: make(map[byte]bool)}
	sawTypeClear := false
	allTypes := func() {
		for _, c := range "bcdpfls" {
			spec.Types[byte(c)] = true
		}
	}
	allTypes()

	i := 0
	for i < len(args) {
		a := args[i]
		if a == "--" {
			i++
			break
		}
		if !strings.HasPrefix(a, "-") {
			break // positional base-directory argument
		}
		switch a {
		case "-xdev", "-mount":
			spec.OneFilesystem = true
			i++
		case "-keeptime":
			spec.KeepTime = true
			i++
		case "-nonrecursive":
			spec.NonRecursive = true
			i++
		case "-type":
			if i+1 >= len(args) {
				return spec, fmt.Errorf("glob: -type needs an argument")
			}
			if !sawTypeClear {
				for k := range spec.Types {
					spec.Types[k] = false
				}
				sawTypeClear = true
			}
			for _, c := range args[i+1] {
				if !strings.ContainsRune("bcdpfls", c) {
					return spec, fmt.Errorf("glob: -type %q: invalid type %q", args[i+1], c)
				}
				spec.Types[byte(c)] = true
			}
			i += 2
		case "-name":
			if i+1 >= len(args) {
				return spec, fmt.Errorf("glob: -name needs an argument")
			}
			spec.NamePattern = args[i+1]
			i += 2
		case "-path":
			if i+1 >= len(args) {
				return spec, fmt.Errorf("glob: -path needs an argument")
			}
			spec.PathPattern = args[i+1]
			i += 2
		default:
			return spec, fmt.Errorf("glob: unrecognized option %q", a)
		}
	}
	if i < len(args) {
		spec.BaseDir = args[i]
		i++
	}
	if i != len(args) {
		return spec, fmt.Errorf("glob: unexpected trailing arguments %v", args[i:])
	}
	return spec, nil
}

// tokenize splits a line on whitespace, treating "…" and '…' runs as
// single literal tokens: \" and \\ are the only recognized escapes
// inside a double-quoted token.
func tokenize(line string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inToken := false
	i := 0
	for i < len(line) {
		c := line[i]
		switch {
		case c == ' ' || c == '\t':
			if inToken {
				fields = append(fields, cur.String())
				cur.Reset()
				inToken = false
			}
			i++
		case c == '"':
			inToken = true
			i++
			for i < len(line) {
				if line[i] == '\\' && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\') {
					cur.WriteByte(line[i+1])
					i += 2
					continue
				}
				if line[i] == '"' {
					i++
					break
				}
				cur.WriteByte(line[i])
				i++
			}
		case c == '\'':
			inToken = true
			i++
			for i < len(line) && line[i] != '\'' {
				cur.WriteByte(line[i])
				i++
			}
			if i >= len(line) {
				return nil, fmt.Errorf("unterminated quoted string")
			}
			i++ // closing '
		default:
			inToken = true
			cur.WriteByte(c)
			i++
		}
	}
	if inToken {
		fields = append(fields, cur.String())
	}
	return fields, nil
}
