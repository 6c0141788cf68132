package retention

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/funbringer/zenith/internal/metrics"
	"github.com/funbringer/zenith/internal/redo"
	"github.com/funbringer/zenith/internal/storage"
	"github.com/funbringer/zenith/internal/store"
	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

// Compactor periodically recomputes the GC horizon and compacts version
// chains with history below it: a fresh full image is materialized at the
// horizon, installed as the new chain base, and everything strictly older
// is pruned. Compaction runs concurrently with reads and ingestion; a
// per-chain guard excludes two passes on the same chain.
type Compactor struct {
	store   *store.VersionStore
	engine  *redo.Engine
	horizon *Horizon
	backend storage.Backend
	metrics *metrics.Registry

	interval time.Duration
	kick     chan struct{}

	// Newest horizon below which every chain's history is captured by a
	// persisted base image. Advances only after a pass where every chain
	// persisted cleanly.
	durable atomic.Uint64

	// Base LSN last persisted per page, so unchanged single-base chains
	// are not re-uploaded every pass. Touched only from the pass itself.
	persisted map[types.PageID]types.Lsn
}

// NewCompactor wires a compactor. backend may be nil (bases are then kept
// only in memory and the durable floor never advances).
func NewCompactor(vs *store.VersionStore, engine *redo.Engine, horizon *Horizon, backend storage.Backend, m *metrics.Registry, interval time.Duration) *Compactor {
	return &Compactor{
		store:     vs,
		engine:    engine,
		horizon:   horizon,
		backend:   backend,
		metrics:   m,
		interval:  interval,
		kick:      make(chan struct{}, 1),
		persisted: make(map[types.PageID]types.Lsn),
	}
}

// Durable returns the newest LSN at or below which every page delta is
// captured by a persisted base image. The applied watermark may only be
// checkpointed at or below this floor, otherwise a restart would resume
// the stream past deltas that exist nowhere durable.
func (c *Compactor) Durable() types.Lsn {
	return types.Lsn(c.durable.Load())
}

// Kick requests an out-of-cycle pass, e.g. under memory pressure. Never
// blocks; coalesces with a pending kick.
func (c *Compactor) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Run drives periodic compaction until ctx is cancelled.
func (c *Compactor) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.kick:
		}
		if err := c.CompactOnce(ctx); err != nil {
			log.Printf("compaction: pass failed: %v", err)
		}
	}
}

// CompactOnce runs one full pass over the store.
func (c *Compactor) CompactOnce(ctx context.Context) error {
	h := c.horizon.Compute()
	c.metrics.GCHorizon.Set(float64(h))
	if h == types.InvalidLsn {
		return nil
	}

	pages := c.store.Pages()
	c.metrics.StoreChainsTotal.Set(float64(len(pages)))

	var pruned, failed int
	for _, p := range pages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.compactChain(ctx, p, h)
		if err != nil {
			// A chain that cannot be compacted is a data-integrity concern
			// but never halts the pass or other chains.
			log.Printf("compaction: page %s: %v", p, err)
			failed++
			continue
		}
		pruned += n
	}

	// The floor moves only when the whole pass persisted: a single failed
	// chain may have deltas below h that exist nowhere durable.
	if failed == 0 && c.backend != nil {
		c.advanceDurable(h)
	}

	c.metrics.CompactionRunsTotal.Inc()
	c.metrics.CompactionPrunedTotal.Add(float64(pruned))
	c.metrics.StoreResidentBytes.Set(float64(c.store.ResidentBytes()))
	if pruned > 0 {
		log.Printf("compaction: horizon=%s pruned=%d resident_bytes=%d", h, pruned, c.store.ResidentBytes())
	}
	return nil
}

// compactChain compacts one chain if it has history at or below the horizon.
func (c *Compactor) compactChain(ctx context.Context, p types.PageID, h types.Lsn) (int, error) {
	oldest, ok := c.store.OldestLSN(p)
	if !ok || oldest > h {
		return 0, nil
	}
	if !c.store.BeginCompact(p) {
		return 0, nil
	}
	defer c.store.EndCompact(p)

	recs, err := c.store.Lookup(p, h)
	if err != nil {
		// Nothing reconstructable at the horizon (e.g. the chain starts
		// above it); pruning below the existing base is still safe.
		return c.store.Prune(p, h), nil
	}
	if len(recs) == 1 && recs[0].IsFullImage() {
		// The base is already a materialized image. It still has to reach
		// the backend once, or a restart from a checkpoint above it would
		// lose the page.
		if err := c.persistBase(p, recs[0].LSN, h, recs[0].Payload); err != nil {
			return 0, err
		}
		return c.store.Prune(p, h), nil
	}

	image, err := c.engine.Replay(ctx, p, recs)
	if err != nil {
		return 0, err
	}
	baseLSN := recs[len(recs)-1].LSN

	// Persist before mutating the chain: a base that only exists in memory
	// must not replace history the backend has never seen.
	if err := c.persistBase(p, baseLSN, h, image); err != nil {
		return 0, err
	}

	base := &wal.Record{
		LSN:     baseLSN,
		Rmgr:    wal.RmgrPage,
		Flags:   wal.FlagFullImage,
		Pages:   []types.PageID{p},
		Payload: image,
	}
	c.store.InsertBase(p, base)
	return c.store.Prune(p, baseLSN), nil
}

// persistBase uploads a materialized base unless this exact base already
// reached the backend during this run.
func (c *Compactor) persistBase(p types.PageID, baseLSN, covered types.Lsn, image []byte) error {
	if c.backend == nil {
		return nil
	}
	if c.persisted[p] == baseLSN {
		return nil
	}
	if err := c.backend.StoreImage(p, baseLSN, covered, image); err != nil {
		return err
	}
	c.persisted[p] = baseLSN
	return nil
}

func (c *Compactor) advanceDurable(h types.Lsn) {
	for {
		cur := c.durable.Load()
		if uint64(h) <= cur || c.durable.CompareAndSwap(cur, uint64(h)) {
			return
		}
	}
}
