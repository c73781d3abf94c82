package grit

import (
	"crypto/sha1"
	"hash"
	"sync/atomic"

	sha256 "github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

// HashKind selects the object-ID algorithm for the whole process.
type HashKind uint8

const (
	// Sha1 is the default, compatible with classic Git repositories.
	Sha1 HashKind = iota
	// Sha256 corresponds to Git's sha256 object format.
	Sha256
)

var activeHashKind atomic.Uint32

// SetHashKind selects the process-wide hash algorithm. It must be called
// before any ID is created and must not change afterwards; IDs of mixed
// widths within one session are not supported.
func SetHashKind(k HashKind) {
	activeHashKind.Store(uint32(k))
}

// ActiveHashKind returns the currently selected hash algorithm.
func ActiveHashKind() HashKind {
	return HashKind(activeHashKind.Load())
}

// ParseHashKind converts a configuration string to a HashKind.
func ParseHashKind(s string) (HashKind, error) {
	switch s {
	case "sha1":
		return Sha1, nil
	case "sha256":
		return Sha256, nil
	}
	return Sha1, errors.Errorf("unknown hash algorithm %q", s)
}

func (k HashKind) String() string {
	if k == Sha256 {
		return "sha256"
	}
	return "sha1"
}

// Size returns the digest width in bytes.
func (k HashKind) Size() int {
	if k == Sha256 {
		return sha256.Size
	}
	return sha1.Size
}

// New returns a fresh digest state for the kind.
func (k HashKind) New() hash.Hash {
	if k == Sha256 {
		return sha256.New()
	}
	return sha1.New()
}

// NewHasher returns a digest state for the active algorithm. The engine
// feeds it incrementally when hashing streams too large to buffer.
func NewHasher() hash.Hash {
	return ActiveHashKind().New()
}
