package retention

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/funbringer/zenith/internal/metrics"
	"github.com/funbringer/zenith/internal/redo"
	"github.com/funbringer/zenith/internal/storage"
	"github.com/funbringer/zenith/internal/store"
	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

var testPage = types.PageID{RelID: 1663, Fork: types.ForkMain, BlockNo: 9}

func fixedApplied(lsn types.Lsn) func() types.Lsn {
	return func() types.Lsn { return lsn }
}

func TestHorizon_WindowTerm(t *testing.T) {
	h := NewHorizon(NewInFlight(), fixedApplied(1000), 300, false)
	if got := h.Compute(); got != 700 {
		t.Errorf("Expected horizon 700, got %s", got)
	}
}

func TestHorizon_WindowExceedsHistory(t *testing.T) {
	h := NewHorizon(NewInFlight(), fixedApplied(100), 300, false)
	if got := h.Compute(); got != types.InvalidLsn {
		t.Errorf("Expected invalid horizon while history fits the window, got %s", got)
	}
}

func TestHorizon_InFlightTerm(t *testing.T) {
	inflight := NewInFlight()
	h := NewHorizon(inflight, fixedApplied(1000), 300, false)

	token := inflight.Register(500)
	if got := h.Compute(); got != 500 {
		t.Errorf("Expected horizon clamped to the oldest in-flight read 500, got %s", got)
	}

	inflight.Deregister(token)
	if got := h.Compute(); got != 700 {
		t.Errorf("Expected horizon 700 after the read finished, got %s", got)
	}
}

func TestHorizon_BackupFloorTerm(t *testing.T) {
	h := NewHorizon(NewInFlight(), fixedApplied(1000), 300, true)

	// No backup acknowledged yet: nothing above the floor may be pruned.
	if got := h.Compute(); got != types.InvalidLsn {
		t.Errorf("Expected horizon held at the backup floor, got %s", got)
	}

	h.BackupCompleted(600)
	if got := h.Compute(); got != 600 {
		t.Errorf("Expected horizon 600 after backup ack, got %s", got)
	}

	// Acks never regress the floor.
	h.BackupCompleted(400)
	if got := h.BackupFloor(); got != 600 {
		t.Errorf("Backup floor regressed to %s", got)
	}
}

func TestHorizon_Monotonic(t *testing.T) {
	inflight := NewInFlight()
	h := NewHorizon(inflight, fixedApplied(1000), 300, false)

	if got := h.Compute(); got != 700 {
		t.Fatalf("Expected horizon 700, got %s", got)
	}

	// A new old reader cannot move the horizon backwards.
	token := inflight.Register(100)
	if got := h.Compute(); got != 700 {
		t.Errorf("Horizon regressed to %s", got)
	}
	inflight.Deregister(token)
}

func TestInFlight_Oldest(t *testing.T) {
	f := NewInFlight()
	if _, ok := f.Oldest(); ok {
		t.Error("Empty registry should report no oldest read")
	}

	t1 := f.Register(300)
	f.Register(100)
	f.Register(200)

	if oldest, ok := f.Oldest(); !ok || oldest != 100 {
		t.Errorf("Expected oldest 100, got %s (ok=%v)", oldest, ok)
	}
	if f.Count() != 3 {
		t.Errorf("Expected 3 registered reads, got %d", f.Count())
	}
	_ = t1
}

func buildChain(t *testing.T, vs *store.VersionStore) {
	t.Helper()
	recs := []*wal.Record{
		{LSN: 100, Rmgr: wal.RmgrPage, Flags: wal.FlagInit, Pages: []types.PageID{testPage}},
		{LSN: 150, Rmgr: wal.RmgrPage, Pages: []types.PageID{testPage},
			Payload: wal.AppendWriteOp(nil, 0, []byte{'A'})},
		{LSN: 200, Rmgr: wal.RmgrPage, Pages: []types.PageID{testPage},
			Payload: wal.AppendWriteOp(nil, 1, []byte{'B'})},
		{LSN: 300, Rmgr: wal.RmgrPage, Pages: []types.PageID{testPage},
			Payload: wal.AppendWriteOp(nil, 2, []byte{'C'})},
	}
	for _, rec := range recs {
		if err := vs.Append(rec); err != nil {
			t.Fatalf("Append at %s failed: %v", rec.LSN, err)
		}
	}
}

func TestCompactor_ObservationallyTransparent(t *testing.T) {
	vs := store.New(0)
	engine := redo.NewEngine(nil, 0)
	buildChain(t, vs)

	readAt := func(lsn types.Lsn) []byte {
		recs, err := vs.Lookup(testPage, lsn)
		if err != nil {
			t.Fatalf("Lookup at %s failed: %v", lsn, err)
		}
		image, err := engine.Replay(context.Background(), testPage, recs)
		if err != nil {
			t.Fatalf("Replay at %s failed: %v", lsn, err)
		}
		return image
	}

	// Horizon lands at 200: applied 300 with a window of 100.
	before200 := readAt(200)
	before300 := readAt(300)

	h := NewHorizon(NewInFlight(), fixedApplied(300), 100, false)
	c := NewCompactor(vs, engine, h, nil, metrics.New(), time.Minute)
	if err := c.CompactOnce(context.Background()); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}

	// History below the horizon is gone, the chain shrank.
	if got := vs.ChainLen(testPage); got != 2 {
		t.Errorf("Expected chain length 2 after compaction, got %d", got)
	}

	// Reads at and above the horizon are byte-identical.
	if !bytes.Equal(readAt(200), before200) {
		t.Error("Read at the horizon changed after compaction")
	}
	if !bytes.Equal(readAt(300), before300) {
		t.Error("Read above the horizon changed after compaction")
	}

	// The new base is a materialized full image at the old record's LSN.
	recs, err := vs.Lookup(testPage, 200)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(recs) != 1 || !recs[0].IsFullImage() || recs[0].LSN != 200 {
		t.Errorf("Expected a single full image base at 200")
	}
}

func TestCompactor_NothingBelowHorizon(t *testing.T) {
	vs := store.New(0)
	engine := redo.NewEngine(nil, 0)
	buildChain(t, vs)

	// Horizon at 100: the chain's oldest record, nothing to do.
	h := NewHorizon(NewInFlight(), fixedApplied(300), 200, false)
	c := NewCompactor(vs, engine, h, nil, metrics.New(), time.Minute)
	if err := c.CompactOnce(context.Background()); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if got := vs.ChainLen(testPage); got != 4 {
		t.Errorf("Expected untouched chain of 4, got %d", got)
	}
}

func TestCompactor_IdempotentPass(t *testing.T) {
	vs := store.New(0)
	engine := redo.NewEngine(nil, 0)
	buildChain(t, vs)

	h := NewHorizon(NewInFlight(), fixedApplied(300), 100, false)
	c := NewCompactor(vs, engine, h, nil, metrics.New(), time.Minute)

	for i := 0; i < 3; i++ {
		if err := c.CompactOnce(context.Background()); err != nil {
			t.Fatalf("Pass %d failed: %v", i, err)
		}
	}
	if got := vs.ChainLen(testPage); got != 2 {
		t.Errorf("Expected stable chain length 2 after repeated passes, got %d", got)
	}
}

func TestCompactor_DurableFloorAdvances(t *testing.T) {
	vs := store.New(0)
	engine := redo.NewEngine(nil, 0)
	buildChain(t, vs)

	backend, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer backend.Close()

	h := NewHorizon(NewInFlight(), fixedApplied(300), 100, false)
	c := NewCompactor(vs, engine, h, backend, metrics.New(), time.Minute)

	if got := c.Durable(); got != types.InvalidLsn {
		t.Fatalf("Expected no durable floor before the first pass, got %s", got)
	}
	if err := c.CompactOnce(context.Background()); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if got := c.Durable(); got != 200 {
		t.Errorf("Expected durable floor 200, got %s", got)
	}

	// The materialized base reached the backend with its coverage.
	image, imageLSN, covered, err := backend.LoadImage(testPage, 200)
	if err != nil {
		t.Fatalf("LoadImage failed: %v", err)
	}
	if imageLSN != 200 || covered != 200 {
		t.Errorf("Expected persisted base at 200 covering 200, got %s covering %s", imageLSN, covered)
	}
	if image[0] != 'A' || image[1] != 'B' {
		t.Errorf("Persisted base has bytes (%q, %q)", image[0], image[1])
	}
}

func TestCompactor_NoBackendNoFloor(t *testing.T) {
	vs := store.New(0)
	buildChain(t, vs)

	h := NewHorizon(NewInFlight(), fixedApplied(300), 100, false)
	c := NewCompactor(vs, redo.NewEngine(nil, 0), h, nil, metrics.New(), time.Minute)
	if err := c.CompactOnce(context.Background()); err != nil {
		t.Fatalf("Compaction failed: %v", err)
	}
	if got := c.Durable(); got != types.InvalidLsn {
		t.Errorf("Durable floor moved to %s without a backend", got)
	}
}

func TestCompactor_Kick(t *testing.T) {
	c := NewCompactor(store.New(0), redo.NewEngine(nil, 0),
		NewHorizon(NewInFlight(), fixedApplied(0), 0, false), nil, metrics.New(), time.Hour)

	// Kick never blocks, even when one is already pending.
	c.Kick()
	c.Kick()
	c.Kick()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}
