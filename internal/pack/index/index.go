// Package index reads and writes v2 pack index files: a 256-way fan-out
// over the sorted object IDs of a pack, with per-entry CRCs and offsets.
package index

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/grit/internal/fs"
	"github.com/skyline93/grit/internal/grit"
)

// Entry is one indexed object: its ID, absolute pack offset, and the
// CRC-32 of its compressed pack bytes.
type Entry struct {
	ID     grit.ID
	Offset uint64
	CRC    uint32
}

var magic = []byte{0xff, 't', 'O', 'c'}

// Version is the only supported index layout.
const Version = 2

// largeOffsetFlag marks a 31-bit offset slot as an index into the
// 64-bit extension table.
const largeOffsetFlag = uint32(1) << 31

var (
	ErrBadMagic           = errors.New("index: bad magic")
	ErrUnsupportedVersion = errors.New("index: unsupported version")
	ErrChecksumMismatch   = errors.New("index: checksum mismatch")
	ErrCorrupt            = errors.New("index: corrupt")
)

// Write builds the index for entries and writes it to w. The entries
// need not be sorted; packTrailer is the pack's trailer digest.
func Write(w io.Writer, entries []Entry, packTrailer []byte) error {
	if len(packTrailer) != grit.ActiveHashKind().Size() {
		return errors.Errorf("index: pack trailer is %d bytes, want %d", len(packTrailer), grit.ActiveHashKind().Size())
	}

	sorted := append([]Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.Less(sorted[j].ID)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].ID == sorted[i].ID {
			return errors.Errorf("index: duplicate object %v", sorted[i].ID)
		}
	}

	digest := grit.NewHasher()
	out := io.MultiWriter(w, digest)
	buf := make([]byte, 0, 8)

	// Header.
	if _, err := out.Write(magic); err != nil {
		return errors.Wrap(err, "write index")
	}
	if err := writeU32(out, buf, Version); err != nil {
		return err
	}

	// Fan-out: fanout[b] counts IDs whose first byte is <= b.
	var fanout [256]uint32
	for _, e := range sorted {
		fanout[e.ID.FirstByte()]++
	}
	var cum uint32
	for b := 0; b < 256; b++ {
		cum += fanout[b]
		if err := writeU32(out, buf, cum); err != nil {
			return err
		}
	}

	for _, e := range sorted {
		if _, err := out.Write(e.ID.Raw()); err != nil {
			return errors.Wrap(err, "write index")
		}
	}
	for _, e := range sorted {
		if err := writeU32(out, buf, e.CRC); err != nil {
			return err
		}
	}

	// Short offsets, with the MSB redirecting into the extension table.
	var large []uint64
	for _, e := range sorted {
		if e.Offset < uint64(largeOffsetFlag) {
			if err := writeU32(out, buf, uint32(e.Offset)); err != nil {
				return err
			}
			continue
		}
		if err := writeU32(out, buf, largeOffsetFlag|uint32(len(large))); err != nil {
			return err
		}
		large = append(large, e.Offset)
	}
	for _, off := range large {
		if err := writeU64(out, buf, off); err != nil {
			return err
		}
	}

	if _, err := out.Write(packTrailer); err != nil {
		return errors.Wrap(err, "write index")
	}
	// Index trailer: digest over everything written so far.
	if _, err := w.Write(digest.Sum(nil)); err != nil {
		return errors.Wrap(err, "write index trailer")
	}
	return nil
}

// WriteFile writes the index to path, syncing it to stable storage.
func WriteFile(path string, entries []Entry, packTrailer []byte) error {
	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create index file")
	}

	bw := bufio.NewWriter(f)
	if err := Write(bw, entries, packTrailer); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "flush index file")
	}
	if err := fs.Fdatasync(f); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "sync index file")
	}
	log.Debugf("index: wrote %d entries to %v", len(entries), path)
	return errors.Wrap(f.Close(), "close index file")
}

// Index is a loaded, validated pack index.
type Index struct {
	fanout  [256]uint32
	ids     []grit.ID
	crcs    []uint32
	offsets []uint64
	// PackTrailer is the digest of the pack this index describes.
	PackTrailer []byte
}

// Load reads and validates an index file.
func Load(path string) (*Index, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open index")
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, errors.Wrap(err, "read index")
	}
	return Decode(data)
}

// Decode parses and validates a complete index image.
func Decode(data []byte) (*Index, error) {
	hashSize := grit.ActiveHashKind().Size()
	if len(data) < 4+4+256*4+2*hashSize {
		return nil, errors.Wrap(ErrCorrupt, "file too short")
	}

	// The trailer digest covers every preceding byte.
	body, trailer := data[:len(data)-hashSize], data[len(data)-hashSize:]
	digest := grit.NewHasher()
	_, _ = digest.Write(body)
	if !bytes.Equal(digest.Sum(nil), trailer) {
		return nil, ErrChecksumMismatch
	}

	if !bytes.Equal(body[:4], magic) {
		return nil, ErrBadMagic
	}
	if v := binary.BigEndian.Uint32(body[4:8]); v != Version {
		return nil, errors.Wrapf(ErrUnsupportedVersion, "version %d", v)
	}
	body = body[8:]

	ix := &Index{}
	for b := 0; b < 256; b++ {
		ix.fanout[b] = binary.BigEndian.Uint32(body[b*4:])
		if b > 0 && ix.fanout[b] < ix.fanout[b-1] {
			return nil, errors.Wrap(ErrCorrupt, "fan-out not monotonic")
		}
	}
	body = body[256*4:]
	count := int(ix.fanout[255])

	need := count*hashSize + count*4 + count*4 + hashSize
	if len(body) < need {
		return nil, errors.Wrap(ErrCorrupt, "tables truncated")
	}

	ix.ids = make([]grit.ID, count)
	for i := 0; i < count; i++ {
		ix.ids[i] = grit.IDFromHash(body[i*hashSize : (i+1)*hashSize])
		if i > 0 && !ix.ids[i-1].Less(ix.ids[i]) {
			return nil, errors.Wrap(ErrCorrupt, "object IDs not sorted")
		}
	}
	body = body[count*hashSize:]

	ix.crcs = make([]uint32, count)
	for i := 0; i < count; i++ {
		ix.crcs[i] = binary.BigEndian.Uint32(body[i*4:])
	}
	body = body[count*4:]

	shorts := make([]uint32, count)
	for i := 0; i < count; i++ {
		shorts[i] = binary.BigEndian.Uint32(body[i*4:])
	}
	body = body[count*4:]

	largeCount := 0
	for _, s := range shorts {
		if s&largeOffsetFlag != 0 {
			largeCount++
		}
	}
	if len(body) != largeCount*8+hashSize {
		return nil, errors.Wrap(ErrCorrupt, "extension table size")
	}
	large := make([]uint64, largeCount)
	for i := range large {
		large[i] = binary.BigEndian.Uint64(body[i*8:])
	}
	body = body[largeCount*8:]

	ix.offsets = make([]uint64, count)
	for i, s := range shorts {
		if s&largeOffsetFlag == 0 {
			ix.offsets[i] = uint64(s)
			continue
		}
		li := int(s &^ largeOffsetFlag)
		if li >= largeCount {
			return nil, errors.Wrap(ErrCorrupt, "extension table reference out of range")
		}
		ix.offsets[i] = large[li]
	}

	ix.PackTrailer = append([]byte(nil), body...)
	return ix, nil
}

// Count returns the number of indexed objects.
func (ix *Index) Count() uint32 {
	return ix.fanout[255]
}

// Lookup returns the pack offset and CRC for id.
func (ix *Index) Lookup(id grit.ID) (offset uint64, crc uint32, ok bool) {
	lo := uint32(0)
	if b := id.FirstByte(); b > 0 {
		lo = ix.fanout[b-1]
	}
	hi := ix.fanout[id.FirstByte()]

	span := ix.ids[lo:hi]
	i := sort.Search(len(span), func(i int) bool {
		return !span[i].Less(id)
	})
	if i >= len(span) || span[i] != id {
		return 0, 0, false
	}
	at := int(lo) + i
	return ix.offsets[at], ix.crcs[at], true
}

// Entries reconstructs the (id, offset, crc) records, in ID order.
func (ix *Index) Entries() []Entry {
	entries := make([]Entry, len(ix.ids))
	for i, id := range ix.ids {
		entries[i] = Entry{ID: id, Offset: ix.offsets[i], CRC: ix.crcs[i]}
	}
	return entries
}

func writeU32(w io.Writer, buf []byte, v uint32) error {
	buf = binary.BigEndian.AppendUint32(buf[:0], v)
	_, err := w.Write(buf)
	return errors.Wrap(err, "write index")
}

func writeU64(w io.Writer, buf []byte, v uint64) error {
	buf = binary.BigEndian.AppendUint64(buf[:0], v)
	_, err := w.Write(buf)
	return errors.Wrap(err, "write index")
}
