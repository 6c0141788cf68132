package retention

import (
	"sync"

	"github.com/funbringer/zenith/pkg/types"
)

// InFlight tracks the LSNs of read requests currently being served. The
// oldest of them is a floor for the GC horizon: history a reader is still
// looking at must not be pruned from under it.
type InFlight struct {
	mu    sync.Mutex
	reads map[uint64]types.Lsn
	next  uint64
}

// NewInFlight creates an empty registry.
func NewInFlight() *InFlight {
	return &InFlight{reads: make(map[uint64]types.Lsn)}
}

// Register records a read at lsn and returns a token for Deregister.
func (f *InFlight) Register(lsn types.Lsn) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.reads[f.next] = lsn
	return f.next
}

// Deregister removes a completed read.
func (f *InFlight) Deregister(token uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reads, token)
}

// Oldest returns the lowest in-flight LSN, if any.
func (f *InFlight) Oldest() (types.Lsn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reads) == 0 {
		return types.InvalidLsn, false
	}
	first := true
	var oldest types.Lsn
	for _, lsn := range f.reads {
		if first || lsn < oldest {
			oldest = lsn
			first = false
		}
	}
	return oldest, true
}

// Count returns the number of registered reads.
func (f *InFlight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reads)
}

// Horizon computes and owns the GC horizon: the lowest LSN that must remain
// reconstructable. The retention component is its only writer; everything
// else reads.
type Horizon struct {
	mu          sync.Mutex
	current     types.Lsn
	backupFloor types.Lsn

	inflight *InFlight
	applied  func() types.Lsn // watermark getter

	// retentionWindow is the LSN distance below the watermark that always
	// stays reconstructable, regardless of readers.
	retentionWindow uint64

	// trackBackups: when set, history above the last acknowledged backup
	// stays reconstructable until the next backupCompleted ack.
	trackBackups bool
}

// NewHorizon wires a horizon computation.
func NewHorizon(inflight *InFlight, applied func() types.Lsn, retentionWindow uint64, trackBackups bool) *Horizon {
	return &Horizon{
		inflight:        inflight,
		applied:         applied,
		retentionWindow: retentionWindow,
		trackBackups:    trackBackups,
	}
}

// BackupCompleted advances the backup-floor term. Called when the external
// backup collaborator acknowledges a snapshot at lsn.
func (h *Horizon) BackupCompleted(lsn types.Lsn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if lsn > h.backupFloor {
		h.backupFloor = lsn
	}
}

// BackupFloor returns the last acknowledged backup LSN.
func (h *Horizon) BackupFloor() types.Lsn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.backupFloor
}

// Compute recomputes the horizon as the minimum of the oldest in-flight
// read, the retention window below the watermark, and the backup floor.
// The result never decreases across successive computations.
func (h *Horizon) Compute() types.Lsn {
	h.mu.Lock()
	defer h.mu.Unlock()

	wm := h.applied()
	cand := types.InvalidLsn
	if uint64(wm) > h.retentionWindow {
		cand = wm - types.Lsn(h.retentionWindow)
	}
	if h.trackBackups && h.backupFloor < cand {
		cand = h.backupFloor
	}
	if oldest, ok := h.inflight.Oldest(); ok && oldest < cand {
		cand = oldest
	}
	if cand > h.current {
		h.current = cand
	}
	return h.current
}

// Current returns the last computed horizon without recomputing.
func (h *Horizon) Current() types.Lsn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}
