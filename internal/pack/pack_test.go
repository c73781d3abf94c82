package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"

	"github.com/skyline93/grit/internal/grit"
	"github.com/skyline93/grit/internal/pack/index"
)

// rawEntry describes one entry for the hand-rolled pack builder, which
// unlike Writer can emit delta entries.
type rawEntry struct {
	kind      grit.ObjectKind
	payload   []byte
	baseIndex int     // ofs-delta: index of the base entry
	baseDist  int64   // ofs-delta: explicit distance override
	baseID    grit.ID // ref-delta
}

func buildRawPack(t *testing.T, entries []rawEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	digest := grit.NewHasher()
	out := io.MultiWriter(&buf, digest)

	hdr := []byte{'P', 'A', 'C', 'K', 0, 0, 0, 2, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(hdr[8:], uint32(len(entries)))
	if _, err := out.Write(hdr); err != nil {
		t.Fatal(err)
	}

	offsets := make([]int64, len(entries))
	for i, e := range entries {
		offsets[i] = int64(buf.Len())
		h := appendEntryHeader(nil, e.kind, int64(len(e.payload)))
		switch e.kind {
		case grit.KindOfsDelta:
			dist := e.baseDist
			if dist == 0 {
				dist = offsets[i] - offsets[e.baseIndex]
			}
			h = appendBaseDistance(h, dist)
		case grit.KindRefDelta:
			h = append(h, e.baseID.Raw()...)
		}
		if _, err := out.Write(h); err != nil {
			t.Fatal(err)
		}
		zw := zlib.NewWriter(out)
		if _, err := zw.Write(e.payload); err != nil {
			t.Fatal(err)
		}
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}

	buf.Write(digest.Sum(nil))
	return buf.Bytes()
}

type decoded struct {
	kinds map[grit.ID]grit.ObjectKind
	data  map[grit.ID][]byte
}

func decodeAll(t *testing.T, pack []byte, opts DecodeOptions) (decoded, *Result, error) {
	t.Helper()
	if opts.SpillDir == "" {
		opts.SpillDir = t.TempDir()
	}

	got := decoded{
		kinds: make(map[grit.ID]grit.ObjectKind),
		data:  make(map[grit.ID][]byte),
	}
	d := NewDecoder(bytes.NewReader(pack), opts)
	res, err := d.Decode(context.Background(), func(id grit.ID, kind grit.ObjectKind, data []byte) error {
		got.kinds[id] = kind
		got.data[id] = append([]byte(nil), data...)
		return nil
	})
	return got, res, err
}

func testTime() time.Time {
	return time.Unix(1136239445, 0).In(time.FixedZone("+0700", 7*3600))
}

// growDelta copies the whole base and appends one byte, producing a
// distinct object per chain link.
func growDelta(baseLen int, suffix byte) []byte {
	d := AppendSizes(nil, uint64(baseLen), uint64(baseLen)+1)
	d = AppendCopy(d, 0, uint32(baseLen))
	return AppendInsert(d, []byte{suffix})
}

func TestDecodeTrivialBlob(t *testing.T) {
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: []byte("hello\n")},
	})
	got, res, err := decodeAll(t, pack, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	want, _ := grit.ParseID("ce013625030ba8dba906f756967f9e9ca394464a")
	if len(got.data) != 1 {
		t.Fatalf("decoded %d objects, want 1", len(got.data))
	}
	if !bytes.Equal(got.data[want], []byte("hello\n")) {
		t.Errorf("blob bytes = %q", got.data[want])
	}
	if got.kinds[want] != grit.KindBlob {
		t.Errorf("kind = %v", got.kinds[want])
	}
	if res.Objects != 1 || len(res.Entries) != 1 {
		t.Errorf("result = %+v", res)
	}
	if res.Entries[0].ID != want || res.Entries[0].Offset != 12 {
		t.Errorf("entry = %+v", res.Entries[0])
	}
}

func TestDecodeEmptyPack(t *testing.T) {
	pack := buildRawPack(t, nil)
	got, res, err := decodeAll(t, pack, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.data) != 0 || res.Objects != 0 || len(res.Entries) != 0 {
		t.Errorf("empty pack decoded to %d objects", len(got.data))
	}

	var buf bytes.Buffer
	if err := index.Write(&buf, res.Entries, res.Trailer); err != nil {
		t.Fatalf("index.Write: %v", err)
	}
	ix, err := index.Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("index.Decode: %v", err)
	}
	if ix.Count() != 0 {
		t.Errorf("empty pack index counts %d", ix.Count())
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	blob := []byte("some file content\n")
	blobID := grit.ComputeID(grit.KindBlob, blob)

	tree := &grit.Tree{Entries: []*grit.TreeEntry{
		{Mode: grit.ModePlain, Name: "hello.txt", ID: blobID},
	}}
	treeBytes := tree.Encode()

	commit := &grit.Commit{
		Tree:      grit.ComputeID(grit.KindTree, treeBytes),
		Author:    grit.Identity{Name: "A U Thor", Email: "author@example.com", When: testTime()},
		Committer: grit.Identity{Name: "A U Thor", Email: "author@example.com", When: testTime()},
		Message:   "init\n",
	}
	commitBytes := commit.Encode()

	objects := map[grit.ObjectKind][]byte{
		grit.KindBlob:   blob,
		grit.KindTree:   treeBytes,
		grit.KindCommit: commitBytes,
	}

	var buf bytes.Buffer
	w := NewWriter(&buf, uint32(len(objects)))
	want := decoded{
		kinds: make(map[grit.ID]grit.ObjectKind),
		data:  make(map[grit.ID][]byte),
	}
	for kind, payload := range objects {
		id, err := w.WriteObject(kind, payload)
		if err != nil {
			t.Fatalf("WriteObject(%v): %v", kind, err)
		}
		want.kinds[id] = kind
		want.data[id] = payload
	}
	trailer, err := w.Close()
	if err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, res, err := decodeAll(t, buf.Bytes(), DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if diff := cmp.Diff(want.data, got.data); diff != "" {
		t.Errorf("object bytes (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want.kinds, got.kinds); diff != "" {
		t.Errorf("object kinds (-want +got):\n%s", diff)
	}
	if !bytes.Equal(res.Trailer, trailer) {
		t.Error("decode trailer differs from writer trailer")
	}

	// The writer's accumulated entries match what decoding derives.
	sortEntries := func(es []index.Entry) []index.Entry {
		out := append([]index.Entry(nil), es...)
		sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
		return out
	}
	if diff := cmp.Diff(sortEntries(w.Entries()), sortEntries(res.Entries)); diff != "" {
		t.Errorf("index entries (-writer +decoder):\n%s", diff)
	}

	// Index round trip: every decoded entry is found with exact values.
	var ixBuf bytes.Buffer
	if err := index.Write(&ixBuf, res.Entries, res.Trailer); err != nil {
		t.Fatalf("index.Write: %v", err)
	}
	ix, err := index.Decode(ixBuf.Bytes())
	if err != nil {
		t.Fatalf("index.Decode: %v", err)
	}
	for _, e := range res.Entries {
		off, crc, ok := ix.Lookup(e.ID)
		if !ok || off != e.Offset || crc != e.CRC {
			t.Errorf("index Lookup(%v) = (%d, %d, %v), want (%d, %d)", e.ID, off, crc, ok, e.Offset, e.CRC)
		}
	}
}

func TestOfsDeltaChain(t *testing.T) {
	base := bytes.Repeat([]byte{'a'}, 1024)
	delta := AppendSizes(nil, 1024, 1536)
	delta = AppendCopy(delta, 0, 1024)
	delta = AppendInsert(delta, bytes.Repeat([]byte{'b'}, 512))

	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: base},
		{kind: grit.KindOfsDelta, payload: delta, baseIndex: 0},
	})

	got, res, err := decodeAll(t, pack, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.data) != 2 {
		t.Fatalf("decoded %d objects, want 2", len(got.data))
	}

	wantResult := append(append([]byte(nil), base...), bytes.Repeat([]byte{'b'}, 512)...)
	resultID := grit.ComputeID(grit.KindBlob, wantResult)
	if !bytes.Equal(got.data[resultID], wantResult) {
		t.Error("delta result missing or wrong")
	}
	if got.kinds[resultID] != grit.KindBlob {
		t.Errorf("delta result kind = %v", got.kinds[resultID])
	}
	if len(res.Entries) != 2 {
		t.Errorf("result has %d entries", len(res.Entries))
	}
}

func TestRefDeltaBeforeBase(t *testing.T) {
	// The delta entry precedes its base in the stream, exercising the
	// waitlist path.
	base := []byte("the quick brown fox")
	baseID := grit.ComputeID(grit.KindBlob, base)
	delta := growDelta(len(base), '!')

	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindRefDelta, payload: delta, baseID: baseID},
		{kind: grit.KindBlob, payload: base},
	})

	got, _, err := decodeAll(t, pack, DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := append(append([]byte(nil), base...), '!')
	if !bytes.Equal(got.data[grit.ComputeID(grit.KindBlob, want)], want) {
		t.Error("ref-delta before base did not resolve")
	}
}

func TestUnresolvedRefDelta(t *testing.T) {
	delta := growDelta(10, 'x')
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindRefDelta, payload: delta, baseID: grit.Hash([]byte("never-in-pack"))},
	})

	_, _, err := decodeAll(t, pack, DecodeOptions{})
	var unresolved *UnresolvedDeltasError
	if !errors.As(err, &unresolved) {
		t.Fatalf("Decode = %v, want UnresolvedDeltasError", err)
	}
	if unresolved.Count != 1 {
		t.Errorf("Count = %d, want 1", unresolved.Count)
	}
}

func TestChecksumMismatch(t *testing.T) {
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: []byte("hello\n")},
	})
	pack[len(pack)-1] ^= 0xff

	_, _, err := decodeAll(t, pack, DecodeOptions{})
	var mismatch *ChecksumError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Decode = %v, want ChecksumError", err)
	}
}

func TestCorruptPayload(t *testing.T) {
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: bytes.Repeat([]byte("corrupt me "), 100)},
	})
	// Flip a byte inside the compressed payload.
	pack[40] ^= 0xff

	if _, _, err := decodeAll(t, pack, DecodeOptions{}); err == nil {
		t.Error("Decode accepted corrupted payload")
	}
}

func TestHeaderErrors(t *testing.T) {
	valid := buildRawPack(t, nil)

	t.Run("bad magic", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		data[0] = 'X'
		if _, _, err := decodeAll(t, data, DecodeOptions{}); !errors.Is(err, ErrBadMagic) {
			t.Errorf("Decode = %v, want ErrBadMagic", err)
		}
	})

	t.Run("unsupported version", func(t *testing.T) {
		data := append([]byte(nil), valid...)
		data[7] = 9
		if _, _, err := decodeAll(t, data, DecodeOptions{}); !errors.Is(err, ErrUnsupportedVersion) {
			t.Errorf("Decode = %v, want ErrUnsupportedVersion", err)
		}
	})

	t.Run("truncated header", func(t *testing.T) {
		if _, _, err := decodeAll(t, valid[:6], DecodeOptions{}); !errors.Is(err, ErrTruncatedHeader) {
			t.Errorf("Decode = %v, want ErrTruncatedHeader", err)
		}
	})
}

func TestDuplicateObject(t *testing.T) {
	payload := []byte("twice\n")
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: payload},
		{kind: grit.KindBlob, payload: payload},
	})

	_, _, err := decodeAll(t, pack, DecodeOptions{})
	var dup *DuplicateObjectError
	if !errors.As(err, &dup) {
		t.Fatalf("Decode = %v, want DuplicateObjectError", err)
	}
	if dup.ID != grit.ComputeID(grit.KindBlob, payload) {
		t.Errorf("duplicate ID = %v", dup.ID)
	}
}

func TestMalformedOfsDelta(t *testing.T) {
	delta := growDelta(10, 'x')
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: bytes.Repeat([]byte{'m'}, 10)},
		{kind: grit.KindOfsDelta, payload: delta, baseDist: 1 << 30},
	})

	_, _, err := decodeAll(t, pack, DecodeOptions{})
	var malformed *MalformedError
	if !errors.As(err, &malformed) {
		t.Fatalf("Decode = %v, want MalformedError", err)
	}
}

func TestDeltaChainDepth(t *testing.T) {
	base := []byte("0123456789")
	entries := []rawEntry{{kind: grit.KindBlob, payload: base}}
	length := len(base)
	for i := 0; i < 3; i++ {
		entries = append(entries, rawEntry{
			kind:      grit.KindOfsDelta,
			payload:   growDelta(length, byte('A'+i)),
			baseIndex: i,
		})
		length++
	}
	pack := buildRawPack(t, entries)

	// Depth exactly at the ceiling succeeds.
	opts := DecodeOptions{MaxDeltaDepth: 3}
	if got, _, err := decodeAll(t, pack, opts); err != nil {
		t.Fatalf("Decode at ceiling: %v", err)
	} else if len(got.data) != 4 {
		t.Fatalf("decoded %d objects, want 4", len(got.data))
	}

	// One deeper fails.
	opts = DecodeOptions{MaxDeltaDepth: 2}
	_, _, err := decodeAll(t, pack, opts)
	var deep *ChainTooDeepError
	if !errors.As(err, &deep) {
		t.Fatalf("Decode past ceiling = %v, want ChainTooDeepError", err)
	}
}

func TestLargeObjectSpilled(t *testing.T) {
	base := bytes.Repeat([]byte{'L'}, 64)
	delta := growDelta(len(base), '+')

	opts := DecodeOptions{LargeObjectThreshold: 16}
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: base},
		{kind: grit.KindOfsDelta, payload: delta, baseIndex: 0},
	})

	got, _, err := decodeAll(t, pack, opts)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := append(append([]byte(nil), base...), '+')
	if !bytes.Equal(got.data[grit.ComputeID(grit.KindBlob, want)], want) {
		t.Error("delta against spilled large base did not resolve")
	}
}

func TestLargeObjectSpillDisabled(t *testing.T) {
	base := bytes.Repeat([]byte{'L'}, 64)
	delta := growDelta(len(base), '+')

	opts := DecodeOptions{
		LargeObjectThreshold:    16,
		DisableLargeObjectSpill: true,
		Workers:                 1,
	}
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: base},
		{kind: grit.KindOfsDelta, payload: delta, baseIndex: 0},
	})

	_, _, err := decodeAll(t, pack, opts)
	if !errors.Is(err, ErrDeltaBaseUnavailable) {
		t.Fatalf("Decode = %v, want ErrDeltaBaseUnavailable", err)
	}
}

func TestDecodeCancelled(t *testing.T) {
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: []byte("hello\n")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := NewDecoder(bytes.NewReader(pack), DecodeOptions{SpillDir: t.TempDir()})
	_, err := d.Decode(ctx, func(grit.ID, grit.ObjectKind, []byte) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Decode = %v, want context.Canceled", err)
	}
}

func TestSinkErrorPropagates(t *testing.T) {
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: []byte("hello\n")},
	})

	boom := errors.New("boom")
	d := NewDecoder(bytes.NewReader(pack), DecodeOptions{SpillDir: t.TempDir()})
	_, err := d.Decode(context.Background(), func(grit.ID, grit.ObjectKind, []byte) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("Decode = %v, want wrapped sink error", err)
	}
}

func TestProgressReported(t *testing.T) {
	pack := buildRawPack(t, []rawEntry{
		{kind: grit.KindBlob, payload: []byte("one")},
		{kind: grit.KindBlob, payload: []byte("two")},
	})

	var mu sync.Mutex
	var last [2]uint32
	opts := DecodeOptions{
		Progress: func(done, total uint32) {
			mu.Lock()
			last = [2]uint32{done, total}
			mu.Unlock()
		},
	}
	if _, _, err := decodeAll(t, pack, opts); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if last != [2]uint32{2, 2} {
		t.Errorf("final progress = %v, want [2 2]", last)
	}
}

func TestWriterErrors(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 1)

	if _, err := w.WriteObject(grit.KindOfsDelta, nil); err == nil {
		t.Error("WriteObject accepted a delta kind")
	}
	if _, err := w.Close(); err == nil {
		t.Error("Close succeeded with objects outstanding")
	}

	if _, err := w.WriteObject(grit.KindBlob, []byte("only\n")); err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if _, err := w.WriteObject(grit.KindBlob, []byte("extra\n")); err == nil {
		t.Error("WriteObject accepted more objects than declared")
	}
}

func TestWriterRejectsDuplicate(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 2)
	if _, err := w.WriteObject(grit.KindBlob, []byte("same")); err != nil {
		t.Fatal(err)
	}
	if _, err := w.WriteObject(grit.KindBlob, []byte("same")); err == nil {
		t.Error("WriteObject accepted a duplicate object")
	}
}

func TestSha256PackRoundTrip(t *testing.T) {
	grit.SetHashKind(grit.Sha256)
	defer grit.SetHashKind(grit.Sha1)

	var buf bytes.Buffer
	w := NewWriter(&buf, 1)
	id, err := w.WriteObject(grit.KindBlob, []byte("sha256 payload\n"))
	if err != nil {
		t.Fatalf("WriteObject: %v", err)
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, res, err := decodeAll(t, buf.Bytes(), DecodeOptions{})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := got.data[id]; !ok {
		t.Error("sha256 object missing after decode")
	}
	if len(res.Trailer) != 32 {
		t.Errorf("trailer is %d bytes, want 32", len(res.Trailer))
	}
}

func TestDecodeManyObjects(t *testing.T) {
	// A tight cache budget forces spilling mid-decode.
	const n = 200
	var buf bytes.Buffer
	w := NewWriter(&buf, n)
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("object %d: %s\n", i, bytes.Repeat([]byte{'q'}, 512)))
		if _, err := w.WriteObject(grit.KindBlob, payload); err != nil {
			t.Fatalf("WriteObject %d: %v", i, err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opts := DecodeOptions{CacheBudgetBytes: 8 << 10}
	got, res, err := decodeAll(t, buf.Bytes(), opts)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.data) != n || len(res.Entries) != n {
		t.Errorf("decoded %d objects with %d entries, want %d", len(got.data), len(res.Entries), n)
	}
}
