package pack

import (
	"bufio"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/skyline93/grit/internal/grit"
)

// countingReader tracks the absolute stream offset and feeds every
// consumed byte into the running pack digest and, while an entry is
// being read, its CRC-32. It implements io.ByteReader so the inflater
// never reads past the end of a compressed stream.
type countingReader struct {
	r      *bufio.Reader
	off    int64
	digest hash.Hash   // nil once the trailer is being read
	crc    hash.Hash32 // non-nil while inside an entry
	one    [1]byte     // scratch for ReadByte accounting
}

func (c *countingReader) account(p []byte) {
	if c.digest != nil {
		_, _ = c.digest.Write(p)
	}
	if c.crc != nil {
		_, _ = c.crc.Write(p)
	}
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.off += int64(n)
		c.account(p[:n])
	}
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err != nil {
		return 0, err
	}
	c.off++
	c.one[0] = b
	c.account(c.one[:])
	return b, nil
}

// scanner reads the pack stream entry by entry. It is single-threaded;
// the decoder's producer owns it.
type scanner struct {
	cr countingReader
	zr io.ReadCloser // reused between entries via zlib.Resetter
}

func newScanner(r io.Reader) *scanner {
	return &scanner{
		cr: countingReader{
			r:      bufio.NewReaderSize(r, 1<<16),
			digest: grit.NewHasher(),
		},
	}
}

// readPackHeader parses the magic, version and object count.
func (s *scanner) readPackHeader() (version, count uint32, err error) {
	var buf [12]byte
	if _, err := io.ReadFull(&s.cr, buf[:]); err != nil {
		return 0, 0, errors.Wrap(ErrTruncatedHeader, err.Error())
	}
	if buf[0] != 'P' || buf[1] != 'A' || buf[2] != 'C' || buf[3] != 'K' {
		return 0, 0, ErrBadMagic
	}
	version = binary.BigEndian.Uint32(buf[4:8])
	if version != 2 && version != 3 {
		return 0, 0, errors.Wrapf(ErrUnsupportedVersion, "version %d", version)
	}
	count = binary.BigEndian.Uint32(buf[8:12])
	return version, count, nil
}

// entryHeader is the parsed preamble of one pack entry.
type entryHeader struct {
	offset int64
	kind   grit.ObjectKind
	size   int64 // decoded payload size

	baseDistance int64   // ofs-delta: positive distance back to the base
	baseID       grit.ID // ref-delta
}

// readEntryHeader parses the type/size varint and, for deltas, the base
// reference. CRC accounting starts at the first header byte.
func (s *scanner) readEntryHeader() (entryHeader, error) {
	hdr := entryHeader{offset: s.cr.off}
	s.cr.crc = crc32.NewIEEE()

	first, err := s.cr.ReadByte()
	if err != nil {
		return hdr, &MalformedError{Offset: hdr.offset, Reason: "truncated entry header"}
	}
	hdr.kind = grit.ObjectKind(first >> 4 & 7)
	if !hdr.kind.Valid() {
		return hdr, &MalformedError{Offset: hdr.offset, Reason: "invalid object kind in entry header"}
	}
	hdr.size = int64(first & 0x0f)
	for shift := uint(4); first&0x80 != 0; shift += 7 {
		if shift > 60 {
			return hdr, &MalformedError{Offset: hdr.offset, Reason: "entry size varint too long"}
		}
		if first, err = s.cr.ReadByte(); err != nil {
			return hdr, &MalformedError{Offset: hdr.offset, Reason: "truncated entry size"}
		}
		hdr.size |= int64(first&0x7f) << shift
	}

	switch hdr.kind {
	case grit.KindOfsDelta:
		dist, err := s.readBaseDistance()
		if err != nil {
			return hdr, &MalformedError{Offset: hdr.offset, Reason: err.Error()}
		}
		hdr.baseDistance = dist
	case grit.KindRefDelta:
		raw := make([]byte, grit.ActiveHashKind().Size())
		if _, err := io.ReadFull(&s.cr, raw); err != nil {
			return hdr, &MalformedError{Offset: hdr.offset, Reason: "truncated ref-delta base ID"}
		}
		hdr.baseID = grit.IDFromHash(raw)
	}
	return hdr, nil
}

// readBaseDistance parses the ofs-delta back-reference. Each byte
// carries 7 bits; before shifting in a continuation the running value is
// incremented by one, which removes the ambiguity of multi-byte
// encodings.
func (s *scanner) readBaseDistance() (int64, error) {
	b, err := s.cr.ReadByte()
	if err != nil {
		return 0, errors.New("truncated ofs-delta offset")
	}
	dist := int64(b & 0x7f)
	for b&0x80 != 0 {
		if dist > 1<<48 {
			return 0, errors.New("ofs-delta offset too large")
		}
		if b, err = s.cr.ReadByte(); err != nil {
			return 0, errors.New("truncated ofs-delta offset")
		}
		dist = (dist+1)<<7 | int64(b&0x7f)
	}
	return dist, nil
}

// inflate decompresses exactly size bytes of zlib payload and verifies
// the compressed stream ends where it claims to.
func (s *scanner) inflate(offset, size int64) ([]byte, error) {
	if err := s.resetInflater(); err != nil {
		return nil, errors.Wrap(err, "inflate")
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(s.zr, buf); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, errors.Wrapf(ErrTruncatedPayload, "offset %d", offset)
		}
		return nil, errors.Wrapf(err, "inflate entry at offset %d", offset)
	}

	// Drain to the end of the compressed stream so the adler checksum is
	// verified and the next entry starts at the right offset.
	var one [1]byte
	for {
		n, err := s.zr.Read(one[:])
		if n != 0 {
			return nil, &MalformedError{Offset: offset, Reason: "entry payload larger than advertised size"}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "inflate entry at offset %d", offset)
		}
	}
}

func (s *scanner) resetInflater() error {
	if s.zr == nil {
		zr, err := zlib.NewReader(&s.cr)
		if err != nil {
			return err
		}
		s.zr = zr
		return nil
	}
	return s.zr.(zlib.Resetter).Reset(&s.cr, nil)
}

// finishEntry ends CRC accounting and returns the entry's checksum.
func (s *scanner) finishEntry() uint32 {
	sum := s.cr.crc.Sum32()
	s.cr.crc = nil
	return sum
}

// readTrailer returns the running digest of everything read so far and
// the trailer digest stored in the stream.
func (s *scanner) readTrailer() (computed, stored []byte, err error) {
	computed = s.cr.digest.Sum(nil)
	s.cr.digest = nil

	stored = make([]byte, grit.ActiveHashKind().Size())
	if _, err := io.ReadFull(&s.cr, stored); err != nil {
		return nil, nil, errors.Wrap(ErrTruncatedHeader, "trailer digest")
	}
	return computed, stored, nil
}
