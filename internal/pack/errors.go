package pack

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/skyline93/grit/internal/grit"
)

// Format errors. The whole pack is rejected when any of these surface;
// nothing decoded before the failure may be kept by the caller.
var (
	ErrBadMagic           = errors.New("pack: bad magic")
	ErrUnsupportedVersion = errors.New("pack: unsupported version")
	ErrTruncatedHeader    = errors.New("pack: truncated header")
	ErrTruncatedPayload   = errors.New("pack: truncated payload")
)

// Semantic errors raised by the delta codec and chain resolution.
var (
	ErrDeltaTruncated       = errors.New("delta: truncated instruction stream")
	ErrDeltaOutOfBounds     = errors.New("delta: copy outside base object")
	ErrDeltaSizeMismatch    = errors.New("delta: result size mismatch")
	ErrDeltaBaseUnavailable = errors.New("delta: base object unavailable")
)

// MalformedError reports a structurally invalid pack, with the byte
// offset at which the fault was observed.
type MalformedError struct {
	Offset int64
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("pack: malformed at offset %d: %s", e.Offset, e.Reason)
}

// ChecksumError reports a trailer digest that does not match the running
// hash of the pack bytes.
type ChecksumError struct {
	Want, Got string
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("pack: checksum mismatch: computed %s, trailer has %s", e.Got, e.Want)
}

// UnresolvedDeltasError reports delta entries whose base never appeared
// in the pack.
type UnresolvedDeltasError struct {
	Count int
}

func (e *UnresolvedDeltasError) Error() string {
	return fmt.Sprintf("pack: %d unresolved delta entries at end of stream", e.Count)
}

// DuplicateObjectError reports an object ID occurring more than once in
// one pack.
type DuplicateObjectError struct {
	ID grit.ID
}

func (e *DuplicateObjectError) Error() string {
	return fmt.Sprintf("pack: duplicate object %v", e.ID)
}

// ChainTooDeepError reports a delta chain exceeding the configured
// ceiling.
type ChainTooDeepError struct {
	Offset int64
	Depth  int
}

func (e *ChainTooDeepError) Error() string {
	return fmt.Sprintf("pack: delta chain at offset %d exceeds depth %d", e.Offset, e.Depth)
}
