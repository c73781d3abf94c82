package pack

import (
	"sync"

	"github.com/skyline93/grit/internal/grit"
)

// pending is a delta entry parked until its base object is decoded.
type pending struct {
	offset int64 // the delta entry's own pack offset
	crc    uint32
	delta  []byte
}

// waitlist indexes pending delta entries by their missing base, either
// by pack offset (ofs-delta) or by object ID (ref-delta). It is shared
// across resolution workers; take is atomic so one base arrival wakes
// every dependent exactly once.
type waitlist struct {
	m        sync.Mutex
	byOffset map[int64][]pending
	byID     map[grit.ID][]pending
	count    int
}

func newWaitlist() *waitlist {
	return &waitlist{
		byOffset: make(map[int64][]pending),
		byID:     make(map[grit.ID][]pending),
	}
}

func (w *waitlist) registerOffset(baseOffset int64, p pending) {
	w.m.Lock()
	defer w.m.Unlock()

	w.byOffset[baseOffset] = append(w.byOffset[baseOffset], p)
	w.count++
}

func (w *waitlist) registerID(baseID grit.ID, p pending) {
	w.m.Lock()
	defer w.m.Unlock()

	w.byID[baseID] = append(w.byID[baseID], p)
	w.count++
}

// takeOffset removes and returns all entries waiting on the base at the
// given offset.
func (w *waitlist) takeOffset(baseOffset int64) []pending {
	w.m.Lock()
	defer w.m.Unlock()

	ps := w.byOffset[baseOffset]
	if len(ps) > 0 {
		delete(w.byOffset, baseOffset)
		w.count -= len(ps)
	}
	return ps
}

// takeID removes and returns all entries waiting on the base with the
// given ID.
func (w *waitlist) takeID(baseID grit.ID) []pending {
	w.m.Lock()
	defer w.m.Unlock()

	ps := w.byID[baseID]
	if len(ps) > 0 {
		delete(w.byID, baseID)
		w.count -= len(ps)
	}
	return ps
}

func (w *waitlist) len() int {
	w.m.Lock()
	defer w.m.Unlock()

	return w.count
}

func (w *waitlist) clear() {
	w.m.Lock()
	defer w.m.Unlock()

	w.byOffset = make(map[int64][]pending)
	w.byID = make(map[grit.ID][]pending)
	w.count = 0
}
