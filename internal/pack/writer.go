package pack

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/skyline93/grit/internal/grit"
	"github.com/skyline93/grit/internal/pack/index"
)

// Writer emits a pack of non-delta entries: a header, one compressed
// entry per object, and the trailer digest. Entry metadata accumulates
// for the index builder as objects are written.
type Writer struct {
	w      io.Writer
	off    int64
	digest hash.Hash
	crc    hash.Hash32

	zw        *zlib.Writer
	remaining uint32
	started   bool

	seen    grit.IDSet
	entries []index.Entry
	buf     []byte
}

// NewWriter returns a Writer that will emit exactly count objects to w.
func NewWriter(w io.Writer, count uint32) *Writer {
	return &Writer{
		w:         w,
		digest:    grit.NewHasher(),
		remaining: count,
		seen:      grit.NewIDSet(),
	}
}

// write sends p downstream, folding it into the trailer digest and the
// current entry's CRC.
func (w *Writer) write(p []byte) error {
	_, _ = w.digest.Write(p)
	if w.crc != nil {
		_, _ = w.crc.Write(p)
	}
	n, err := w.w.Write(p)
	w.off += int64(n)
	return errors.Wrap(err, "write pack")
}

// Write lets the zlib encoder stream through the accounting path.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.write(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *Writer) init() error {
	if w.started {
		return nil
	}
	w.started = true
	hdr := []byte{'P', 'A', 'C', 'K', 0, 0, 0, 2, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[8:], w.remaining)
	return w.write(hdr)
}

// WriteObject appends one object. The payload is compressed as-is; the
// encoder performs no delta selection.
func (w *Writer) WriteObject(kind grit.ObjectKind, payload []byte) (grit.ID, error) {
	if kind.IsDelta() || !kind.Valid() {
		return grit.ID{}, errors.Errorf("pack: cannot write %v entry", kind)
	}
	if w.remaining == 0 {
		return grit.ID{}, errors.New("pack: more objects written than declared")
	}
	if err := w.init(); err != nil {
		return grit.ID{}, err
	}

	id := grit.ComputeID(kind, payload)
	if w.seen.Has(id) {
		return grit.ID{}, &DuplicateObjectError{ID: id}
	}

	offset := w.off
	w.crc = crc32.NewIEEE()
	w.buf = appendEntryHeader(w.buf[:0], kind, int64(len(payload)))
	if err := w.write(w.buf); err != nil {
		return grit.ID{}, err
	}

	if w.zw == nil {
		w.zw = zlib.NewWriter(w)
	} else {
		w.zw.Reset(w)
	}
	if _, err := w.zw.Write(payload); err != nil {
		return grit.ID{}, errors.Wrap(err, "deflate entry")
	}
	if err := w.zw.Close(); err != nil {
		return grit.ID{}, errors.Wrap(err, "deflate entry")
	}

	crc := w.crc.Sum32()
	w.crc = nil
	w.remaining--
	w.seen.Insert(id)
	w.entries = append(w.entries, index.Entry{ID: id, Offset: uint64(offset), CRC: crc})
	return id, nil
}

// Close writes the trailer digest and returns it. The underlying writer
// is not closed.
func (w *Writer) Close() ([]byte, error) {
	if w.remaining > 0 {
		return nil, errors.Errorf("pack: close: %d declared objects not yet written", w.remaining)
	}
	if err := w.init(); err != nil {
		return nil, err
	}
	trailer := w.digest.Sum(nil)
	if _, err := w.w.Write(trailer); err != nil {
		return nil, errors.Wrap(err, "write pack trailer")
	}
	return trailer, nil
}

// Entries returns the accumulated index records, in write order.
func (w *Writer) Entries() []index.Entry {
	return w.entries
}

// appendEntryHeader encodes the variable-length type/size preamble.
func appendEntryHeader(dst []byte, kind grit.ObjectKind, size int64) []byte {
	b := byte(kind)<<4 | byte(size&0x0f)
	size >>= 4
	for size > 0 {
		dst = append(dst, b|0x80)
		b = byte(size & 0x7f)
		size >>= 7
	}
	return append(dst, b)
}

// appendBaseDistance encodes an ofs-delta back-reference. Only tests
// exercise it directly; the in-core encoder writes non-delta entries.
func appendBaseDistance(dst []byte, dist int64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(dist & 0x7f)
	for dist >>= 7; dist > 0; dist >>= 7 {
		dist--
		i--
		tmp[i] = byte(dist&0x7f) | 0x80
	}
	return append(dst, tmp[i:]...)
}
