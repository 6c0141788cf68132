package store

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

const numShards = 256

// VersionStore is the concurrent multi-version index from page identity to
// its version chain. Chains live in a sharded arena keyed by PageID hash;
// each chain synchronizes independently, there is no global lock and no
// cross-chain ordering requirement.
//
// Under normal operation the ingestion pipeline is the sole appender and
// the retention component the sole pruner; readers run concurrently with
// both.
type VersionStore struct {
	shards        [numShards]storeShard
	residentBytes atomic.Int64
	maxBytes      int64
}

type storeShard struct {
	mu     sync.RWMutex
	chains map[types.PageID]*chain
}

// New creates a store. maxResidentBytes bounds the memory-pressure check;
// zero disables it.
func New(maxResidentBytes int64) *VersionStore {
	s := &VersionStore{maxBytes: maxResidentBytes}
	for i := range s.shards {
		s.shards[i].chains = make(map[types.PageID]*chain)
	}
	return s
}

func (s *VersionStore) shard(p types.PageID) *storeShard {
	return &s.shards[p.Hash()%numShards]
}

// getChain returns the chain for a page, creating it when create is set.
func (s *VersionStore) getChain(p types.PageID, create bool) *chain {
	sh := s.shard(p)
	sh.mu.RLock()
	c := sh.chains[p]
	sh.mu.RUnlock()
	if c != nil || !create {
		return c
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c = sh.chains[p]; c == nil {
		c = &chain{}
		sh.chains[p] = c
	}
	return c
}

// Append inserts the record into the chain of every page it touches,
// preserving LSN order. An LSN at or below a chain's maximum is an
// ingestion-side bug and fails with ErrOutOfOrderInsert.
func (s *VersionStore) Append(rec *wal.Record) error {
	for _, p := range rec.Pages {
		if err := s.getChain(p, true).append(rec); err != nil {
			return fmt.Errorf("page %s: %w", p, err)
		}
		s.residentBytes.Add(int64(rec.Size()))
	}
	return nil
}

// Lookup returns the chain slice from the nearest preceding base record
// through atLsn inclusive. The chain guard is held only for the extraction,
// not for the ensuing redo.
func (s *VersionStore) Lookup(p types.PageID, atLsn types.Lsn) ([]*wal.Record, error) {
	c := s.getChain(p, false)
	if c == nil {
		return nil, fmt.Errorf("page %s: %w", p, types.ErrPageNotFound)
	}
	recs, err := c.lookup(atLsn)
	if err != nil {
		return nil, fmt.Errorf("page %s: %w", p, err)
	}
	return recs, nil
}

// InsertBase installs a materialized full image produced by compaction as
// the new chain base.
func (s *VersionStore) InsertBase(p types.PageID, rec *wal.Record) {
	freed := s.getChain(p, true).insertBase(rec)
	s.residentBytes.Add(int64(-freed))
}

// Prune removes records below belowLsn from the page's chain, provided a
// base record at or below belowLsn survives to anchor reconstruction.
// Returns the number of records removed.
func (s *VersionStore) Prune(p types.PageID, belowLsn types.Lsn) int {
	c := s.getChain(p, false)
	if c == nil {
		return 0
	}
	removed, freed := c.prune(belowLsn)
	s.residentBytes.Add(int64(-freed))
	return removed
}

// BeginCompact takes the chain-level compaction guard. It returns false if
// another compaction pass already owns the chain.
func (s *VersionStore) BeginCompact(p types.PageID) bool {
	c := s.getChain(p, false)
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compacting {
		return false
	}
	c.compacting = true
	return true
}

// EndCompact releases the compaction guard.
func (s *VersionStore) EndCompact(p types.PageID) {
	c := s.getChain(p, false)
	if c == nil {
		return
	}
	c.mu.Lock()
	c.compacting = false
	c.mu.Unlock()
}

// Pages snapshots the set of pages currently holding a chain.
func (s *VersionStore) Pages() []types.PageID {
	var out []types.PageID
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for p := range sh.chains {
			out = append(out, p)
		}
		sh.mu.RUnlock()
	}
	return out
}

// ChainLen returns the stored length of a page's chain.
func (s *VersionStore) ChainLen(p types.PageID) int {
	c := s.getChain(p, false)
	if c == nil {
		return 0
	}
	return c.length()
}

// OldestLSN returns the oldest surviving record LSN of a page's chain.
func (s *VersionStore) OldestLSN(p types.PageID) (types.Lsn, bool) {
	c := s.getChain(p, false)
	if c == nil {
		return types.InvalidLsn, false
	}
	return c.oldestLSN()
}

// ResidentBytes returns the approximate memory held by stored records.
func (s *VersionStore) ResidentBytes() int64 { return s.residentBytes.Load() }

// OverBudget reports whether the store exceeds its configured memory bound.
func (s *VersionStore) OverBudget() bool {
	return s.maxBytes > 0 && s.residentBytes.Load() > s.maxBytes
}
