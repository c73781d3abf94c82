package grit

import (
	"hash"
	"strconv"

	"github.com/pkg/errors"
)

// ObjectKind is the type tag of an object. The numeric values are the
// on-wire codes used by pack entry headers.
type ObjectKind uint8

const (
	KindCommit ObjectKind = 1
	KindTree   ObjectKind = 2
	KindBlob   ObjectKind = 3
	KindTag    ObjectKind = 4

	// KindOfsDelta and KindRefDelta only occur inside pack files. They are
	// transport encodings, never materialised as logical objects.
	KindOfsDelta ObjectKind = 6
	KindRefDelta ObjectKind = 7
)

// ErrUnknownObjectKind is returned for kind codes outside the Git set.
var ErrUnknownObjectKind = errors.New("unknown object kind")

func (k ObjectKind) String() string {
	switch k {
	case KindCommit:
		return "commit"
	case KindTree:
		return "tree"
	case KindBlob:
		return "blob"
	case KindTag:
		return "tag"
	case KindOfsDelta:
		return "ofs-delta"
	case KindRefDelta:
		return "ref-delta"
	}
	return "invalid"
}

// ParseKind converts an object type name to its kind.
func ParseKind(s string) (ObjectKind, error) {
	switch s {
	case "commit":
		return KindCommit, nil
	case "tree":
		return KindTree, nil
	case "blob":
		return KindBlob, nil
	case "tag":
		return KindTag, nil
	}
	return 0, errors.Wrap(ErrUnknownObjectKind, s)
}

// IsDelta returns true for the two pack-only transport kinds.
func (k ObjectKind) IsDelta() bool {
	return k == KindOfsDelta || k == KindRefDelta
}

// Valid returns true for kinds that may appear in a pack entry header.
func (k ObjectKind) Valid() bool {
	switch k {
	case KindCommit, KindTree, KindBlob, KindTag, KindOfsDelta, KindRefDelta:
		return true
	}
	return false
}

// AppendFrame appends the object framing header "<kind> <size>\x00" to dst.
func AppendFrame(dst []byte, kind ObjectKind, size int64) []byte {
	dst = append(dst, kind.String()...)
	dst = append(dst, ' ')
	dst = strconv.AppendInt(dst, size, 10)
	dst = append(dst, 0)
	return dst
}

// FramedEncode returns the framing header followed by the payload. The
// object ID is the digest of exactly these bytes.
func FramedEncode(kind ObjectKind, payload []byte) []byte {
	buf := AppendFrame(make([]byte, 0, len(payload)+32), kind, int64(len(payload)))
	return append(buf, payload...)
}

// ComputeID returns the object ID for a payload of the given kind.
func ComputeID(kind ObjectKind, payload []byte) ID {
	h := NewObjectHasher(kind, int64(len(payload)))
	_, _ = h.Write(payload)
	return IDFromHash(h.Sum(nil))
}

// NewObjectHasher returns a digest state pre-fed with the framing header
// for an object of the given kind and payload size. Feeding it the payload
// and summing yields the object ID; the decoder uses this to hash large
// objects without holding the frame and payload together.
func NewObjectHasher(kind ObjectKind, size int64) hash.Hash {
	h := NewHasher()
	_, _ = h.Write(AppendFrame(nil, kind, size))
	return h
}

// Object is a decoded logical object.
type Object interface {
	// Kind returns the object's type tag.
	Kind() ObjectKind
	// Encode returns the canonical payload, without framing.
	Encode() []byte
	// ID returns the object's ID under the active hash algorithm.
	ID() ID
}

// DecodeObject parses and validates a payload for the given kind.
func DecodeObject(kind ObjectKind, payload []byte) (Object, error) {
	switch kind {
	case KindBlob:
		return &Blob{Data: payload}, nil
	case KindTree:
		return DecodeTree(payload)
	case KindCommit:
		return DecodeCommit(payload)
	case KindTag:
		return DecodeTag(payload)
	}
	return nil, errors.Wrap(ErrUnknownObjectKind, kind.String())
}

// Blob is an opaque byte payload.
type Blob struct {
	Data []byte
}

func (b *Blob) Kind() ObjectKind { return KindBlob }

func (b *Blob) Encode() []byte { return b.Data }

func (b *Blob) ID() ID { return ComputeID(KindBlob, b.Data) }
