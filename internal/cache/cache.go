// Package cache holds decoded base objects so nearby delta entries
// resolve without re-decoding. Resident bytes stay under a configured
// budget; least-recently-used entries spill to a per-session temporary
// file and remain retrievable by ID.
package cache

import (
	"container/list"
	"os"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/skyline93/grit/internal/fs"
	"github.com/skyline93/grit/internal/grit"
)

// ErrNotFound is returned by Get for IDs that were never inserted.
var ErrNotFound = errors.New("object not in cache")

// entryOverhead approximates the bookkeeping bytes a resident entry
// costs beyond its payload (map slot, list element, entry struct).
const entryOverhead = 160

// Options bundles the cache configuration.
type Options struct {
	// BudgetBytes caps the summed heap cost of resident entries.
	BudgetBytes int64
	// SpillDir is the directory for the spill file. Empty means the OS
	// temp directory. Each Store creates its own uniquely named file, so
	// concurrent decoders may share a directory.
	SpillDir string
}

// DefaultOptions returns the standard cache configuration.
func DefaultOptions() Options {
	return Options{
		BudgetBytes: 64 << 20,
	}
}

type entry struct {
	kind grit.ObjectKind
	buf  []byte // nil while spilled
	elem *list.Element

	spilled  bool // bytes exist in the spill file
	spillOff int64
	spillLen int

	// loading is non-nil while a worker reads the spilled bytes back
	// from disk; concurrent getters wait on it instead of issuing a
	// second read.
	loading chan struct{}
}

func (e *entry) cost() int64 {
	return int64(len(e.buf)) + entryOverhead
}

// Store is a two-tier keyed store for decoded objects. It is safe for
// concurrent use by the resolution workers.
type Store struct {
	m       sync.Mutex
	opts    Options
	entries map[grit.ID]*entry
	lru     *list.List // front = most recently used; values are grit.ID
	used    int64

	spill    *os.File
	spillOff int64
}

// New returns an empty Store. The spill file is created the first time an
// entry is spilled, by eviction or by InsertSpilled.
func New(opts Options) *Store {
	if opts.BudgetBytes <= 0 {
		opts.BudgetBytes = DefaultOptions().BudgetBytes
	}
	return &Store{
		opts:    opts,
		entries: make(map[grit.ID]*entry),
		lru:     list.New(),
	}
}

// Insert stores data under id. Inserting an existing id only refreshes
// its LRU position. Entries evicted to honour the budget move to the
// spill file but remain retrievable.
func (s *Store) Insert(id grit.ID, kind grit.ObjectKind, data []byte) error {
	s.m.Lock()
	defer s.m.Unlock()

	if e, ok := s.entries[id]; ok {
		s.touch(e)
		return nil
	}

	e := &entry{kind: kind, buf: data}
	e.elem = s.lru.PushFront(id)
	s.entries[id] = e
	s.used += e.cost()

	return s.evictLocked()
}

// InsertSpilled stores data under id directly in the spill tier, without
// it ever becoming resident. The decoder uses this for objects at or above
// the streaming threshold that may still serve as delta bases.
func (s *Store) InsertSpilled(id grit.ID, kind grit.ObjectKind, data []byte) error {
	s.m.Lock()
	defer s.m.Unlock()

	if _, ok := s.entries[id]; ok {
		return nil
	}

	e := &entry{kind: kind, buf: data}
	if err := s.spillLocked(e); err != nil {
		return err
	}
	e.buf = nil
	s.entries[id] = e
	return nil
}

// Get returns the kind and bytes stored under id, reading the spill file
// when the entry is not resident. The returned slice is shared; callers
// must not modify it.
func (s *Store) Get(id grit.ID) (grit.ObjectKind, []byte, error) {
	s.m.Lock()
	for {
		e, ok := s.entries[id]
		if !ok {
			s.m.Unlock()
			return 0, nil, ErrNotFound
		}

		if e.buf != nil {
			if e.elem != nil {
				s.lru.MoveToFront(e.elem)
			}
			buf := e.buf
			kind := e.kind
			s.m.Unlock()
			return kind, buf, nil
		}

		if e.loading != nil {
			// Another getter is already reading this entry from disk.
			ch := e.loading
			s.m.Unlock()
			<-ch
			s.m.Lock()
			continue
		}

		e.loading = make(chan struct{})
		off, length := e.spillOff, e.spillLen
		spill := s.spill
		s.m.Unlock()

		buf := make([]byte, length)
		_, err := spill.ReadAt(buf, off)

		s.m.Lock()
		close(e.loading)
		e.loading = nil
		if err != nil {
			s.m.Unlock()
			return 0, nil, errors.Wrap(err, "read spilled object")
		}

		// Promote: the entry re-enters the LRU and may push others out.
		e.buf = buf
		e.elem = s.lru.PushFront(id)
		s.used += e.cost()
		evictErr := s.evictLocked()
		kind := e.kind
		s.m.Unlock()
		return kind, buf, evictErr
	}
}

// Contains returns true iff id has been inserted.
func (s *Store) Contains(id grit.ID) bool {
	s.m.Lock()
	defer s.m.Unlock()

	_, ok := s.entries[id]
	return ok
}

// ResidentBytes returns the current heap cost of the resident tier.
func (s *Store) ResidentBytes() int64 {
	s.m.Lock()
	defer s.m.Unlock()

	return s.used
}

// Clear releases all entries and deletes the spill file.
func (s *Store) Clear() error {
	s.m.Lock()
	defer s.m.Unlock()

	s.entries = make(map[grit.ID]*entry)
	s.lru.Init()
	s.used = 0
	s.spillOff = 0

	if s.spill == nil {
		return nil
	}
	name := s.spill.Name()
	_ = s.spill.Close()
	s.spill = nil
	return fs.RemoveIfExists(name)
}

// evictLocked spills least-recently-used entries until the resident tier
// fits the budget again. Caller holds s.m.
func (s *Store) evictLocked() error {
	for s.used > s.opts.BudgetBytes && s.lru.Len() > 0 {
		elem := s.lru.Back()
		id := elem.Value.(grit.ID)
		e := s.entries[id]

		if !e.spilled {
			if err := s.spillLocked(e); err != nil {
				return err
			}
		}

		s.used -= e.cost()
		s.lru.Remove(elem)
		e.elem = nil
		e.buf = nil
	}
	return nil
}

// spillLocked appends e.buf to the spill file and records its location.
// Already-spilled entries are never rewritten. Caller holds s.m; holding
// the lock during the write serialises spill I/O and is what stalls
// producers when the cache is at budget.
func (s *Store) spillLocked(e *entry) error {
	if s.spill == nil {
		if s.opts.SpillDir != "" {
			if err := fs.MkdirAll(s.opts.SpillDir, 0o700); err != nil {
				return errors.Wrap(err, "create spill directory")
			}
		}
		f, err := fs.TempFile(s.opts.SpillDir, "grit-spill-")
		if err != nil {
			return errors.Wrap(err, "create spill file")
		}
		log.Debugf("cache: spill file %v created", f.Name())
		s.spill = f
	}

	off := s.spillOff
	write := func() error {
		_, err := s.spill.WriteAt(e.buf, off)
		return err
	}
	// Interrupted or short-lived-pressure write failures are the
	// retryable tier; give them a few attempts before surfacing.
	err := backoff.Retry(write, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3))
	if err != nil {
		return errors.Wrap(err, "spill object")
	}

	e.spilled = true
	e.spillOff = off
	e.spillLen = len(e.buf)
	s.spillOff += int64(len(e.buf))
	return nil
}

func (s *Store) touch(e *entry) {
	if e.elem != nil {
		s.lru.MoveToFront(e.elem)
	}
}
