package store

import (
	"fmt"
	"sync"

	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

// chain is the ordered version history of one page. Records are kept in
// strictly increasing LSN order. Each chain has its own lock so unrelated
// pages never contend; the lock is held only for slice extraction and
// mutation, never across redo.
type chain struct {
	mu         sync.RWMutex
	recs       []*wal.Record
	compacting bool
}

// maxLSN returns the LSN of the newest record. Caller holds mu.
func (c *chain) maxLSN() types.Lsn {
	if len(c.recs) == 0 {
		return types.InvalidLsn
	}
	return c.recs[len(c.recs)-1].LSN
}

// append adds a record. The record's LSN must exceed the chain's maximum.
func (c *chain) append(rec *wal.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if max := c.maxLSN(); rec.LSN <= max {
		return fmt.Errorf("append at %s but chain max is %s: %w", rec.LSN, max, types.ErrOutOfOrderInsert)
	}
	c.recs = append(c.recs, rec)
	return nil
}

// lookup extracts the slice from the nearest base at or below atLsn through
// atLsn inclusive. The returned slice is a copy; the records themselves are
// immutable and shared.
func (c *chain) lookup(atLsn types.Lsn) ([]*wal.Record, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Newest record with LSN <= atLsn.
	last := -1
	for i := len(c.recs) - 1; i >= 0; i-- {
		if c.recs[i].LSN <= atLsn {
			last = i
			break
		}
	}
	if last < 0 {
		// Every surviving record is newer than the request; whatever existed
		// at atLsn has been pruned away.
		return nil, fmt.Errorf("no version at or below %s: %w", atLsn, types.ErrLsnTooOld)
	}

	// Nearest base at or before last.
	base := -1
	for i := last; i >= 0; i-- {
		if c.recs[i].IsBase() {
			base = i
			break
		}
	}
	if base < 0 {
		return nil, fmt.Errorf("no base image at or below %s: %w", atLsn, types.ErrLsnTooOld)
	}

	out := make([]*wal.Record, last-base+1)
	copy(out, c.recs[base:last+1])
	return out, nil
}

// insertBase replaces the record at imageLSN with a materialized full image,
// or inserts it in order if no record exists at that LSN. Returns the bytes
// freed (negative when the chain grows).
func (c *chain) insertBase(rec *wal.Record) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.recs {
		if r.LSN == rec.LSN {
			freed := r.Size() - rec.Size()
			c.recs[i] = rec
			return freed
		}
		if r.LSN > rec.LSN {
			c.recs = append(c.recs[:i], append([]*wal.Record{rec}, c.recs[i:]...)...)
			return -rec.Size()
		}
	}
	c.recs = append(c.recs, rec)
	return -rec.Size()
}

// prune removes records strictly older than the newest base at or below
// belowLsn. That base (and everything after it) always survives, so any
// read at belowLsn or newer stays serviceable. Returns records removed and
// bytes freed.
func (c *chain) prune(belowLsn types.Lsn) (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	base := -1
	for i := len(c.recs) - 1; i >= 0; i-- {
		if c.recs[i].LSN <= belowLsn && c.recs[i].IsBase() {
			base = i
			break
		}
	}
	if base <= 0 {
		return 0, 0
	}
	freed := 0
	for _, r := range c.recs[:base] {
		freed += r.Size()
	}
	c.recs = append([]*wal.Record(nil), c.recs[base:]...)
	return base, freed
}

// length returns the number of stored records.
func (c *chain) length() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.recs)
}

// oldestLSN returns the LSN of the oldest surviving record.
func (c *chain) oldestLSN() (types.Lsn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.recs) == 0 {
		return types.InvalidLsn, false
	}
	return c.recs[0].LSN, true
}
