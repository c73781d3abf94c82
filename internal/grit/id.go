package grit

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// maxIDSize is the widest supported digest (SHA-256).
const maxIDSize = 32

// ID references an object within a repository. The width follows the
// process-wide hash algorithm; all IDs of a session share the same width.
type ID struct {
	length uint8
	data   [maxIDSize]byte
}

// ParseID converts the given hex string to an ID.
func ParseID(s string) (ID, error) {
	size := ActiveHashKind().Size()
	if len(s) != hex.EncodedLen(size) {
		return ID{}, fmt.Errorf("invalid length for ID: %q", s)
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid ID: %s", err)
	}

	return IDFromHash(b), nil
}

// IDFromHash returns the ID for the raw digest.
func IDFromHash(hash []byte) (id ID) {
	if len(hash) != ActiveHashKind().Size() {
		panic("invalid hash type, not enough/too many bytes")
	}

	id.length = uint8(len(hash))
	copy(id.data[:], hash)
	return id
}

// Hash returns the ID for data under the active algorithm.
func Hash(data []byte) ID {
	h := NewHasher()
	_, _ = h.Write(data)
	return IDFromHash(h.Sum(nil))
}

// Raw returns the digest bytes.
func (id ID) Raw() []byte {
	return id.data[:id.length]
}

const shortStr = 4

// Str returns the shortened string version of id.
func (id *ID) Str() string {
	if id == nil {
		return "[nil]"
	}

	if id.IsNull() {
		return "[null]"
	}

	return hex.EncodeToString(id.data[:shortStr])
}

func (id ID) String() string {
	return hex.EncodeToString(id.Raw())
}

// IsNull returns true iff id only consists of null bytes.
func (id ID) IsNull() bool {
	var nullID ID

	nullID.length = id.length
	return id == nullID
}

// Equal compares an ID to another other.
func (id ID) Equal(other ID) bool {
	return id == other
}

// Less reports whether id orders before other, comparing the raw bytes
// lexicographically.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id.Raw(), other.Raw()) < 0
}

// FirstByte returns the leading digest byte, used by the index fan-out.
func (id ID) FirstByte() byte {
	return id.data[0]
}
