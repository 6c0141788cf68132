package ingest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/funbringer/zenith/internal/metrics"
	"github.com/funbringer/zenith/internal/storage"
	"github.com/funbringer/zenith/internal/store"
	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

var testPage = types.PageID{RelID: 1663, Fork: types.ForkMain, BlockNo: 3}

func record(t *testing.T, lsn, prev types.Lsn, flags uint8) *wal.Record {
	t.Helper()
	return &wal.Record{
		LSN:     lsn,
		PrevLSN: prev,
		Rmgr:    wal.RmgrPage,
		Flags:   flags,
		Pages:   []types.PageID{testPage},
	}
}

func newTestPipeline(initial types.Lsn) (*Pipeline, *store.VersionStore, *Watermark) {
	vs := store.New(0)
	wm := NewWatermark(initial)
	p := NewPipeline(nil, vs, wm, nil, metrics.New())
	return p, vs, wm
}

func TestPipeline_ApplyAdvancesWatermark(t *testing.T) {
	p, vs, wm := newTestPipeline(0)

	if err := p.Apply(record(t, 100, 0, wal.FlagInit)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if err := p.Apply(record(t, 150, 100, 0)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if wm.Get() != 150 {
		t.Errorf("Expected watermark 150, got %s", wm.Get())
	}
	if got := vs.ChainLen(testPage); got != 2 {
		t.Errorf("Expected 2 records in chain, got %d", got)
	}
}

func TestPipeline_IdempotentSkip(t *testing.T) {
	p, vs, wm := newTestPipeline(0)

	if err := p.Apply(record(t, 100, 0, wal.FlagInit)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// Re-application after a reconnect: at or below the watermark is a no-op,
	// not an error.
	if err := p.Apply(record(t, 100, 0, wal.FlagInit)); err != nil {
		t.Errorf("Replayed record should be skipped, got %v", err)
	}
	if err := p.Apply(record(t, 50, 0, wal.FlagInit)); err != nil {
		t.Errorf("Stale record should be skipped, got %v", err)
	}

	if wm.Get() != 100 {
		t.Errorf("Watermark moved on skipped records: %s", wm.Get())
	}
	if got := vs.ChainLen(testPage); got != 1 {
		t.Errorf("Skipped records reached the store: chain length %d", got)
	}
}

func TestPipeline_GapDetection(t *testing.T) {
	p, _, wm := newTestPipeline(0)

	if err := p.Apply(record(t, 100, 0, wal.FlagInit)); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	// The record names 150 as its predecessor, but only 100 was applied.
	err := p.Apply(record(t, 200, 150, 0))
	if err == nil {
		t.Fatal("Expected a gap error")
	}
	if wm.Get() != 100 {
		t.Errorf("Watermark must not advance past a gap: %s", wm.Get())
	}
}

func TestPipeline_ConsumeStream(t *testing.T) {
	p, _, wm := newTestPipeline(0)

	var buf bytes.Buffer
	buf.Write(wal.EncodeStreamHeader(0))
	for _, rec := range []*wal.Record{
		record(t, 100, 0, wal.FlagInit),
		record(t, 150, 100, 0),
		record(t, 200, 150, 0),
	} {
		frame, err := wal.EncodeRecord(rec)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		buf.Write(frame)
	}

	if err := p.consume(context.Background(), &buf); err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if wm.Get() != 200 {
		t.Errorf("Expected watermark 200 after clean stream, got %s", wm.Get())
	}
}

func TestPipeline_ConsumeRejectsFutureStart(t *testing.T) {
	p, _, _ := newTestPipeline(100)

	// The sender claims to start at 500 while we resume from 100: records
	// in between never arrived.
	var buf bytes.Buffer
	buf.Write(wal.EncodeStreamHeader(500))

	if err := p.consume(context.Background(), &buf); err == nil {
		t.Fatal("Expected an error for a stream starting past the watermark")
	}
}

func TestPipeline_ConsumeStopsOnCorruption(t *testing.T) {
	p, _, wm := newTestPipeline(0)

	var buf bytes.Buffer
	buf.Write(wal.EncodeStreamHeader(0))
	frame, err := wal.EncodeRecord(record(t, 100, 0, wal.FlagInit))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	buf.Write(frame)
	frame2, err := wal.EncodeRecord(record(t, 150, 100, 0))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	frame2[len(frame2)-1] ^= 0x01
	buf.Write(frame2)

	err = p.consume(context.Background(), &buf)
	if !errors.Is(err, types.ErrDecode) {
		t.Fatalf("Expected ErrDecode, got %v", err)
	}
	// The good prefix was applied before the corruption.
	if wm.Get() != 100 {
		t.Errorf("Expected watermark 100, got %s", wm.Get())
	}
}

// scriptedSource serves canned streams, one per Connect call.
type scriptedSource struct {
	mu       sync.Mutex
	streams  [][]byte
	resumeAt []types.Lsn
}

func (s *scriptedSource) Connect(ctx context.Context, from types.Lsn) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumeAt = append(s.resumeAt, from)
	if len(s.streams) == 0 {
		return nil, errors.New("no more streams")
	}
	stream := s.streams[0]
	s.streams = s.streams[1:]
	return io.NopCloser(bytes.NewReader(stream)), nil
}

func TestPipeline_ReconnectResumesFromWatermark(t *testing.T) {
	var first bytes.Buffer
	first.Write(wal.EncodeStreamHeader(0))
	f, err := wal.EncodeRecord(&wal.Record{
		LSN: 100, Rmgr: wal.RmgrPage, Flags: wal.FlagInit,
		Pages: []types.PageID{testPage},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	first.Write(f)

	var second bytes.Buffer
	second.Write(wal.EncodeStreamHeader(100))
	f, err = wal.EncodeRecord(&wal.Record{
		LSN: 150, PrevLSN: 100, Rmgr: wal.RmgrPage,
		Pages: []types.PageID{testPage},
	})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	second.Write(f)

	src := &scriptedSource{streams: [][]byte{first.Bytes(), second.Bytes()}}
	vs := store.New(0)
	wm := NewWatermark(0)
	p := NewPipeline(src, vs, wm, nil, metrics.New())
	p.minBackoff = time.Millisecond
	p.maxBackoff = 2 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for wm.Get() < 150 {
		select {
		case <-deadline:
			t.Fatalf("Timed out waiting for watermark 150, at %s", wm.Get())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	src.mu.Lock()
	defer src.mu.Unlock()
	if len(src.resumeAt) < 2 {
		t.Fatalf("Expected at least 2 connects, got %d", len(src.resumeAt))
	}
	if src.resumeAt[0] != 0 {
		t.Errorf("First connect should resume from 0, got %s", src.resumeAt[0])
	}
	if src.resumeAt[1] != 100 {
		t.Errorf("Second connect should resume from the watermark, got %s", src.resumeAt[1])
	}
}

// The checkpoint is a resume position: it must never run ahead of what
// persisted base images cover, or a restart would skip deltas that exist
// nowhere durable.
func TestPipeline_CheckpointHeldToDurableFloor(t *testing.T) {
	backend, err := storage.NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	defer backend.Close()

	p := NewPipeline(nil, store.New(0), NewWatermark(1000), backend, metrics.New())
	p.DurableFloor = func() types.Lsn { return 300 }

	if err := p.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	got, err := backend.LoadCheckpoint()
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got != 300 {
		t.Errorf("Expected checkpoint held at the durable floor 300, got %s", got)
	}

	// Without a floor the watermark itself is the resume position.
	p.DurableFloor = nil
	if err := p.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}
	got, err = backend.LoadCheckpoint()
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got != 1000 {
		t.Errorf("Expected checkpoint 1000, got %s", got)
	}
}

func TestWatermark_Monotonic(t *testing.T) {
	wm := NewWatermark(100)
	wm.advance(150)
	if wm.Get() != 150 {
		t.Errorf("Expected 150, got %s", wm.Get())
	}
	wm.advance(120)
	if wm.Get() != 150 {
		t.Errorf("Watermark regressed to %s", wm.Get())
	}
}

func TestTCPSource_Handshake(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	defer lis.Close()

	got := make(chan types.Lsn, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req [8]byte
		if _, err := io.ReadFull(conn, req[:]); err != nil {
			return
		}
		got <- types.Lsn(uint64(req[0]) | uint64(req[1])<<8 | uint64(req[2])<<16 | uint64(req[3])<<24 |
			uint64(req[4])<<32 | uint64(req[5])<<40 | uint64(req[6])<<48 | uint64(req[7])<<56)
	}()

	src := &TCPSource{Addr: lis.Addr().String(), DialTimeout: time.Second}
	stream, err := src.Connect(context.Background(), 0xDEADBEEF)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer stream.Close()

	select {
	case lsn := <-got:
		if lsn != 0xDEADBEEF {
			t.Errorf("Expected resume LSN 0xDEADBEEF, got %x", uint64(lsn))
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for handshake")
	}
}
