// Package pack reads and writes Git pack files: streaming entry decode,
// zlib decompression, delta resolution across a worker pool, and
// re-encoding of object sets into self-contained packs.
package pack

import (
	"context"
	"io"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/skyline93/grit/internal/cache"
	"github.com/skyline93/grit/internal/fs"
	"github.com/skyline93/grit/internal/grit"
	"github.com/skyline93/grit/internal/pack/index"
)

// Sink receives each fully resolved object. Calls are serialised but not
// ordered by pack offset; callers needing an order must sort afterwards.
// The data slice is only valid for the duration of the call if the
// caller intends to mutate it.
type Sink func(id grit.ID, kind grit.ObjectKind, data []byte) error

// Progress is invoked at a bounded rate with the number of entries
// decoded so far and the total advertised by the pack header.
type Progress func(done, total uint32)

// DecodeOptions bundles the decoder configuration.
type DecodeOptions struct {
	// Workers is the size of the resolution pool. Zero means one worker
	// per logical CPU.
	Workers int
	// CacheBudgetBytes caps resident bytes of the base-object cache.
	CacheBudgetBytes int64
	// SpillDir receives the cache spill file. Empty means the OS temp dir.
	SpillDir string
	// MaxDeltaDepth caps delta chain traversal.
	MaxDeltaDepth int
	// LargeObjectThreshold is the decoded size at or above which a base
	// object bypasses the resident cache.
	LargeObjectThreshold int64
	// DisableLargeObjectSpill stops oversized bases from being written to
	// the spill tier at production. Deltas against such bases then fail
	// instead of resolving through the spill file.
	DisableLargeObjectSpill bool
	// Progress, when non-nil, receives decode progress.
	Progress Progress
}

// DefaultDecodeOptions returns the standard decoder configuration.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{
		Workers:              runtime.NumCPU(),
		CacheBudgetBytes:     64 << 20,
		MaxDeltaDepth:        50,
		LargeObjectThreshold: 16 << 20,
	}
}

func (o DecodeOptions) withDefaults() DecodeOptions {
	def := DefaultDecodeOptions()
	if o.Workers <= 0 {
		o.Workers = def.Workers
	}
	if o.CacheBudgetBytes <= 0 {
		o.CacheBudgetBytes = def.CacheBudgetBytes
	}
	if o.MaxDeltaDepth <= 0 {
		o.MaxDeltaDepth = def.MaxDeltaDepth
	}
	if o.LargeObjectThreshold <= 0 {
		o.LargeObjectThreshold = def.LargeObjectThreshold
	}
	return o
}

// Result summarises a successful decode.
type Result struct {
	// Objects is the entry count from the pack header.
	Objects uint32
	// Trailer is the pack's verified trailer digest.
	Trailer []byte
	// Entries holds one (id, offset, crc) record per object, in
	// resolution order, ready for the index builder.
	Entries []index.Entry
}

// Decoder streams through a pack, resolves all deltas, and hands every
// object to a caller-supplied sink.
type Decoder struct {
	opts DecodeOptions
	sc   *scanner
	file *os.File

	store *cache.Store
	wl    *waitlist

	// rm guards the resolution maps. Base arrival (record + waitlist
	// take) and delta lookup (check + register) both run under it, which
	// makes wake-ups exactly-once.
	rm       sync.Mutex
	offsetID map[int64]grit.ID
	depths   map[grit.ID]int
	seen     grit.IDSet
	entries  []index.Entry

	sinkMu sync.Mutex
	sink   Sink

	done  atomic.Uint32
	total uint32
}

// NewDecoder reads a pack from r.
func NewDecoder(r io.Reader, opts DecodeOptions) *Decoder {
	opts = opts.withDefaults()
	return &Decoder{
		opts: opts,
		sc:   newScanner(r),
		store: cache.New(cache.Options{
			BudgetBytes: opts.CacheBudgetBytes,
			SpillDir:    opts.SpillDir,
		}),
		wl:       newWaitlist(),
		offsetID: make(map[int64]grit.ID),
		depths:   make(map[grit.ID]int),
		seen:     grit.NewIDSet(),
	}
}

// Open reads a pack from a file.
func Open(path string, opts DecodeOptions) (*Decoder, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open pack")
	}
	d := NewDecoder(f, opts)
	d.file = f
	return d, nil
}

// Close releases the underlying file, if any.
func (d *Decoder) Close() error {
	if d.file == nil {
		return nil
	}
	return d.file.Close()
}

// job carries one parsed-and-inflated entry from the producer to the
// resolution workers.
type job struct {
	hdr   entryHeader
	data  []byte // object payload, or delta instruction stream
	crc   uint32
	large bool
}

// Decode runs the full decode. On success every object has been emitted
// to sink exactly once and the trailer digest has been verified. On any
// error the pack is rejected as a whole; the caller must discard sink
// callbacks it already received.
func (d *Decoder) Decode(ctx context.Context, sink Sink) (*Result, error) {
	if sink == nil {
		return nil, errors.New("pack: nil sink")
	}
	d.sink = sink

	defer func() {
		if err := d.store.Clear(); err != nil {
			log.Warnf("pack: clearing decode cache: %v", err)
		}
		d.wl.clear()
	}()

	version, total, err := d.sc.readPackHeader()
	if err != nil {
		return nil, err
	}
	d.total = total
	log.Debugf("pack: version %d, %d objects, %d workers", version, total, d.opts.Workers)

	wg, wctx := errgroup.WithContext(ctx)
	jobs := make(chan job, d.opts.Workers*2)
	for i := 0; i < d.opts.Workers; i++ {
		wg.Go(func() error {
			return d.worker(wctx, jobs)
		})
	}

	produceErr := d.produce(wctx, jobs, total)
	close(jobs)

	var computed, stored []byte
	if produceErr == nil {
		computed, stored, produceErr = d.sc.readTrailer()
	}

	if err := wg.Wait(); err != nil {
		return nil, err
	}
	if produceErr != nil {
		return nil, produceErr
	}

	if string(computed) != string(stored) {
		return nil, &ChecksumError{
			Want: grit.IDFromHash(stored).String(),
			Got:  grit.IDFromHash(computed).String(),
		}
	}
	if n := d.wl.len(); n > 0 {
		return nil, &UnresolvedDeltasError{Count: n}
	}

	if d.opts.Progress != nil {
		d.opts.Progress(d.done.Load(), total)
	}
	return &Result{
		Objects: total,
		Trailer: stored,
		Entries: d.entries,
	}, nil
}

// produce reads entries in stream order and hands them to the workers.
// It is the only goroutine touching the scanner.
func (d *Decoder) produce(ctx context.Context, jobs chan<- job, total uint32) error {
	for i := uint32(0); i < total; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		hdr, err := d.sc.readEntryHeader()
		if err != nil {
			return err
		}
		data, err := d.sc.inflate(hdr.offset, hdr.size)
		if err != nil {
			return err
		}
		crc := d.sc.finishEntry()

		jb := job{
			hdr:   hdr,
			data:  data,
			crc:   crc,
			large: !hdr.kind.IsDelta() && hdr.size >= d.opts.LargeObjectThreshold,
		}
		select {
		case jobs <- jb:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (d *Decoder) worker(ctx context.Context, jobs <-chan job) error {
	for {
		var jb job
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case jb, ok = <-jobs:
			if !ok {
				return nil
			}
		}

		if jb.hdr.kind.IsDelta() {
			err := d.processDelta(ctx, jb)
			if err != nil {
				return err
			}
			continue
		}

		id := grit.ComputeID(jb.hdr.kind, jb.data)
		err := d.emit(ctx, resolved{
			offset: jb.hdr.offset,
			id:     id,
			kind:   jb.hdr.kind,
			data:   jb.data,
			crc:    jb.crc,
			large:  jb.large,
		})
		if err != nil {
			return err
		}
	}
}

// resolved is a fully reconstructed object about to be emitted.
type resolved struct {
	offset int64
	id     grit.ID
	kind   grit.ObjectKind
	data   []byte
	depth  int
	crc    uint32
	large  bool
}

// emit publishes a resolved object and walks the chain of dependents it
// unblocks. The walk is iterative; chains at the depth ceiling must not
// grow the goroutine stack.
func (d *Decoder) emit(ctx context.Context, r resolved) error {
	stack := []resolved{r}
	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		// Cache before recording the resolution: a worker that observes
		// the offset/ID maps must be able to fetch the bytes.
		if cur.large {
			if !d.opts.DisableLargeObjectSpill {
				if err := d.store.InsertSpilled(cur.id, cur.kind, cur.data); err != nil {
					return err
				}
			}
		} else {
			if err := d.store.Insert(cur.id, cur.kind, cur.data); err != nil {
				return err
			}
		}

		d.rm.Lock()
		if d.seen.Has(cur.id) {
			d.rm.Unlock()
			return &DuplicateObjectError{ID: cur.id}
		}
		d.seen.Insert(cur.id)
		d.offsetID[cur.offset] = cur.id
		d.depths[cur.id] = cur.depth
		d.entries = append(d.entries, index.Entry{
			ID:     cur.id,
			Offset: uint64(cur.offset),
			CRC:    cur.crc,
		})
		waiters := d.wl.takeOffset(cur.offset)
		waiters = append(waiters, d.wl.takeID(cur.id)...)
		d.rm.Unlock()

		if cur.large && d.opts.DisableLargeObjectSpill && len(waiters) > 0 {
			return errors.Wrapf(ErrDeltaBaseUnavailable, "object %v exceeds the streaming threshold and spilling is disabled", cur.id)
		}

		d.sinkMu.Lock()
		err := d.sink(cur.id, cur.kind, cur.data)
		d.sinkMu.Unlock()
		if err != nil {
			return errors.Wrap(err, "sink")
		}
		d.tickProgress()

		for _, p := range waiters {
			next, err := d.applyPending(cur, p)
			if err != nil {
				return err
			}
			stack = append(stack, next)
		}
	}
	return nil
}

// applyPending reconstructs one parked delta entry against its base.
func (d *Decoder) applyPending(base resolved, p pending) (resolved, error) {
	depth := base.depth + 1
	if depth > d.opts.MaxDeltaDepth {
		return resolved{}, &ChainTooDeepError{Offset: p.offset, Depth: d.opts.MaxDeltaDepth}
	}
	data, err := Apply(base.data, p.delta)
	if err != nil {
		return resolved{}, errors.Wrapf(err, "entry at offset %d", p.offset)
	}
	return resolved{
		offset: p.offset,
		id:     grit.ComputeID(base.kind, data),
		kind:   base.kind,
		data:   data,
		depth:  depth,
		crc:    p.crc,
	}, nil
}

// processDelta resolves a delta entry immediately when its base is
// already known, or parks it on the waitlist.
func (d *Decoder) processDelta(ctx context.Context, jb job) error {
	p := pending{offset: jb.hdr.offset, crc: jb.crc, delta: jb.data}

	var baseID grit.ID
	d.rm.Lock()
	if jb.hdr.kind == grit.KindOfsDelta {
		baseOffset := jb.hdr.offset - jb.hdr.baseDistance
		if jb.hdr.baseDistance == 0 || baseOffset < 0 {
			d.rm.Unlock()
			return &MalformedError{Offset: jb.hdr.offset, Reason: "ofs-delta base outside pack"}
		}
		id, ok := d.offsetID[baseOffset]
		if !ok {
			d.wl.registerOffset(baseOffset, p)
			d.rm.Unlock()
			return nil
		}
		baseID = id
	} else {
		if !d.seen.Has(jb.hdr.baseID) {
			d.wl.registerID(jb.hdr.baseID, p)
			d.rm.Unlock()
			return nil
		}
		baseID = jb.hdr.baseID
	}
	baseDepth := d.depths[baseID]
	d.rm.Unlock()

	kind, baseData, err := d.store.Get(baseID)
	if err == cache.ErrNotFound {
		return errors.Wrapf(ErrDeltaBaseUnavailable, "base %v of entry at offset %d", baseID, jb.hdr.offset)
	}
	if err != nil {
		return err
	}

	next, err := d.applyPending(resolved{
		id:    baseID,
		kind:  kind,
		data:  baseData,
		depth: baseDepth,
	}, p)
	if err != nil {
		return err
	}
	return d.emit(ctx, next)
}

const progressStride = 512

func (d *Decoder) tickProgress() {
	done := d.done.Add(1)
	if d.opts.Progress == nil {
		return
	}
	if done%progressStride == 0 || done == d.total {
		d.opts.Progress(done, d.total)
	}
}
