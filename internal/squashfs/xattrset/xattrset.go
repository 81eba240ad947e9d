// Package xattrset canonicalizes and deduplicates the extended attribute
// sets attached to filesystem nodes, matching the table this module's
// teacher (internal/squashfs/writer.go) never had to build since its
// subset of squashfs dropped xattr support entirely — this package is
// new code, grounded on the wire layout in internal/squashfs/wire and on
// KarpelesLab-squashfs's xattr table, generalized into its own
// reusable, order-independent set type.
package xattrset

import (
	"bytes"
	"sort"
	"strconv"

	"golang.org/x/xerrors"

	"github.com/distr1/mksquashfs/internal/squashfs/wire"
)

// Entry is one (namespace, name, value) extended attribute.
type Entry struct {
	Namespace int // one of wire.XattrUser, wire.XattrTrusted, wire.XattrSecurity
	Name      string
	Value     []byte
}

// FullName returns the attribute's on-disk name, including its
// namespace prefix (e.g. "user.comment").
func (e Entry) FullName() string {
	return wire.XattrPrefix[e.Namespace] + e.Name
}

// canonicalize sorts entries by full name, rejecting a set that names the
// same attribute twice rather than silently picking one.
func canonicalize(entries []Entry) ([]Entry, error) {
	seen := make(map[string]bool, len(entries))
	out := make([]Entry, len(entries))
	copy(out, entries)
	for _, e := range out {
		name := e.FullName()
		if seen[name] {
			return nil, xerrors.Errorf("xattrset: duplicate attribute %q in one set", name)
		}
		seen[name] = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

func signature(entries []Entry) string {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.FullName())
		buf.WriteByte(0)
		// Length-prefix the value: it may itself contain NUL bytes.
		buf.WriteString(strconv.Itoa(len(e.Value)))
		buf.WriteByte(':')
		buf.Write(e.Value)
	}
	return buf.String()
}

// Table deduplicates xattr sets across every node in an image: many
// files typically share an identical set (or none at all), and
// squashfs's xattr id table stores each distinct set exactly once.
type Table struct {
	idBySignature map[string]uint32
	sets          [][]Entry
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{idBySignature: make(map[string]uint32)}
}

// Add canonicalizes entries and returns the id of the matching set in
// the table, creating one if this exact set hasn't been seen before. An
// empty entries slice is not added to the table; callers should treat
// that case as "no xattrs" (wire.InvalidXattr) rather than calling Add.
// It returns an error if entries names the same attribute more than once.
func (t *Table) Add(entries []Entry) (uint32, error) {
	canon, err := canonicalize(entries)
	if err != nil {
		return 0, err
	}
	sig := signature(canon)
	if id, ok := t.idBySignature[sig]; ok {
		return id, nil
	}
	id := uint32(len(t.sets))
	t.sets = append(t.sets, canon)
	t.idBySignature[sig] = id
	return id, nil
}

// Len returns the number of distinct xattr sets recorded.
func (t *Table) Len() int { return len(t.sets) }

// Set returns the canonicalized entries for id.
func (t *Table) Set(id uint32) []Entry { return t.sets[id] }

// Sets returns every distinct set, in the order Add first assigned them
// ids — the order the xattr id table itself is written in.
func (t *Table) Sets() [][]Entry { return t.sets }
