package grit

import (
	"bytes"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Mode is a tree entry file mode, restricted to the set Git accepts.
type Mode uint32

const (
	ModeDir        Mode = 0o040000
	ModePlain      Mode = 0o100644
	ModeExecutable Mode = 0o100755
	ModeSymlink    Mode = 0o120000
	// ModeGitlink references a commit in another repository (submodule).
	ModeGitlink Mode = 0o160000

	// ModePlainGroupWritable was produced by historic Git versions and is
	// still accepted on decode.
	ModePlainGroupWritable Mode = 0o100664
)

// Valid returns true iff m is in the Git-allowed mode set.
func (m Mode) Valid() bool {
	switch m {
	case ModeDir, ModePlain, ModeExecutable, ModeSymlink, ModeGitlink, ModePlainGroupWritable:
		return true
	}
	return false
}

// IsDir returns true iff m describes a subtree.
func (m Mode) IsDir() bool {
	return m == ModeDir
}

// String formats the mode the way a tree payload carries it, without
// leading zeros.
func (m Mode) String() string {
	return strconv.FormatUint(uint64(m), 8)
}

// TreeEntry is a single record of a tree object.
type TreeEntry struct {
	Mode Mode
	Name string
	ID   ID
}

// Tree is an ordered list of entries.
type Tree struct {
	Entries []*TreeEntry
}

var ErrTreeNotOrdered = errors.New("tree entries are not ordered or duplicate")

// treeNameCompare implements Git's tree ordering: names compare byte-wise
// with subtree names treated as if they carried a trailing slash.
func treeNameCompare(a, b *TreeEntry) int {
	an, bn := a.Name, b.Name
	if a.Mode.IsDir() {
		an += "/"
	}
	if b.Mode.IsDir() {
		bn += "/"
	}
	if an < bn {
		return -1
	}
	if an > bn {
		return 1
	}
	return 0
}

// DecodeTree parses a tree payload, enforcing well-formed records and
// Git's sort order.
func DecodeTree(data []byte) (*Tree, error) {
	t := &Tree{}
	for len(data) > 0 {
		var ent *TreeEntry
		var err error
		ent, data, err = parseTreeEntry(data)
		if err != nil {
			return nil, err
		}
		t.Entries = append(t.Entries, ent)
		if n := len(t.Entries); n > 1 && treeNameCompare(t.Entries[n-2], t.Entries[n-1]) >= 0 {
			return nil, errors.Wrap(ErrTreeNotOrdered, ent.Name)
		}
	}
	return t, nil
}

func parseTreeEntry(data []byte) (*TreeEntry, []byte, error) {
	modeEnd := bytes.IndexByte(data, ' ')
	if modeEnd <= 0 {
		return nil, data, errors.New("tree entry: truncated mode")
	}
	if data[0] == '0' {
		return nil, data, errors.Errorf("tree entry: mode %q has leading zero", data[:modeEnd])
	}
	mode, err := strconv.ParseUint(string(data[:modeEnd]), 8, 32)
	if err != nil {
		return nil, data, errors.Wrap(err, "tree entry: mode")
	}
	if !Mode(mode).Valid() {
		return nil, data, errors.Errorf("tree entry: mode %o not allowed", mode)
	}

	nameStart := modeEnd + 1
	nameEnd := bytes.IndexByte(data[nameStart:], 0)
	if nameEnd == -1 {
		return nil, data, errors.New("tree entry: unterminated name")
	}
	nameEnd += nameStart
	if nameEnd == nameStart {
		return nil, data, errors.New("tree entry: empty name")
	}

	idStart := nameEnd + 1
	idEnd := idStart + ActiveHashKind().Size()
	if idEnd > len(data) {
		return nil, data, errors.New("tree entry: truncated object ID")
	}

	ent := &TreeEntry{
		Mode: Mode(mode),
		Name: string(data[nameStart:nameEnd]),
		ID:   IDFromHash(data[idStart:idEnd]),
	}
	return ent, data[idEnd:], nil
}

func (t *Tree) Kind() ObjectKind { return KindTree }

// Encode returns the canonical tree payload.
func (t *Tree) Encode() []byte {
	var dst []byte
	for _, ent := range t.Entries {
		dst = append(dst, ent.Mode.String()...)
		dst = append(dst, ' ')
		dst = append(dst, ent.Name...)
		dst = append(dst, 0)
		dst = append(dst, ent.ID.Raw()...)
	}
	return dst
}

func (t *Tree) ID() ID { return ComputeID(KindTree, t.Encode()) }

// Sort orders the entries by Git's tree rule. It returns
// ErrTreeNotOrdered when two entries collide.
func (t *Tree) Sort() error {
	sort.Slice(t.Entries, func(i, j int) bool {
		return treeNameCompare(t.Entries[i], t.Entries[j]) < 0
	})
	for i := 1; i < len(t.Entries); i++ {
		if treeNameCompare(t.Entries[i-1], t.Entries[i]) == 0 {
			return errors.Wrap(ErrTreeNotOrdered, t.Entries[i].Name)
		}
	}
	return nil
}

// Find returns the entry with the given name, or nil if none could be found.
func (t *Tree) Find(name string) *TreeEntry {
	if t == nil {
		return nil
	}

	for _, ent := range t.Entries {
		if ent.Name == name {
			return ent
		}
	}
	return nil
}
