// Package sqerr provides the error classification shared by every
// squashfs subpackage (tree, blockproc, image, scan, pseudo, build). It
// is a package of its own so that those subpackages can report
// classified errors without importing the build orchestrator package
// that in turn imports them.
package sqerr

import "golang.org/x/xerrors"

// Kind classifies an Error, so callers can tell a malformed pseudo-file
// apart from a full disk.
type Kind int

const (
	// KindIO covers failures reading file bodies or writing the image.
	KindIO Kind = iota
	// KindFormat covers malformed pseudo-file input.
	KindFormat
	// KindTree covers duplicate names, missing parents, bad paths and
	// unresolved hard links.
	KindTree
	// KindLimit covers values out of range: mode > 07777, uid/gid
	// overflow, an invalid block size, too many fragments.
	KindLimit
	// KindCompress covers a codec reporting failure.
	KindCompress
	// KindInternal covers invariant violations; treat as a bug.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindFormat:
		return "format"
	case KindTree:
		return "tree"
	case KindLimit:
		return "limit"
	case KindCompress:
		return "compress"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind so that callers can recover
// it with errors.As, while still printing and unwrapping like any other
// wrapped error (built on golang.org/x/xerrors rather than stdlib
// fmt.Errorf).
type Error struct {
	Kind Kind
	Op   string // e.g. "tree.Add", "blockproc.worker"
	Path string // offending path, if any
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	return xerrors.Errorf("%s: %s: %w", msg, e.Kind, e.Err).Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error, wrapping the formatted message as its cause.
func Errorf(kind Kind, op, path string, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Op:   op,
		Path: path,
		Err:  xerrors.Errorf(format, args...),
	}
}
