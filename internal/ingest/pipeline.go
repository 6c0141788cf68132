package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/funbringer/zenith/internal/metrics"
	"github.com/funbringer/zenith/internal/storage"
	"github.com/funbringer/zenith/internal/store"
	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

// State of the ingestion connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Pipeline is the single writer to the version store. It consumes decoded
// records in strict LSN order, advances the applied watermark, and tears
// the stream down on gaps or decode corruption, reconnecting with backoff
// from the watermark.
type Pipeline struct {
	src     StreamSource
	store   *store.VersionStore
	wm      *Watermark
	backend storage.Backend
	metrics *metrics.Registry

	// DurableFloor, when set, caps the checkpointed LSN at what persisted
	// base images are known to cover. Checkpointing past that floor would
	// let a restart resume the stream beyond deltas that exist nowhere
	// durable.
	DurableFloor func() types.Lsn

	state atomic.Int32

	// Reconnect backoff bounds.
	minBackoff time.Duration
	maxBackoff time.Duration

	// Checkpoint the watermark every checkpointEvery applied records.
	checkpointEvery int
	sinceCheckpoint int
}

// NewPipeline wires a pipeline. backend may be nil (no checkpointing, used
// in tests).
func NewPipeline(src StreamSource, vs *store.VersionStore, wm *Watermark, backend storage.Backend, m *metrics.Registry) *Pipeline {
	return &Pipeline{
		src:             src,
		store:           vs,
		wm:              wm,
		backend:         backend,
		metrics:         m,
		minBackoff:      100 * time.Millisecond,
		maxBackoff:      5 * time.Second,
		checkpointEvery: 1024,
	}
}

// State returns the connection state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// Run drives the connect/stream/reconnect loop until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	backoff := p.minBackoff
	for {
		if ctx.Err() != nil {
			p.state.Store(int32(StateDisconnected))
			return
		}

		p.state.Store(int32(StateConnecting))
		resumeAt := p.wm.Get()
		stream, err := p.src.Connect(ctx, resumeAt)
		if err != nil {
			log.Printf("ingest: connect failed (resume=%s): %v", resumeAt, err)
			p.metrics.IngestReconnectsTotal.Inc()
			p.state.Store(int32(StateDisconnected))
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, p.maxBackoff)
			continue
		}

		p.state.Store(int32(StateStreaming))
		backoff = p.minBackoff
		err = p.consume(ctx, stream)
		stream.Close()
		p.state.Store(int32(StateDisconnected))

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("ingest: stream ended at watermark %s: %v", p.wm.Get(), err)
		}
		p.metrics.IngestReconnectsTotal.Inc()
		if !sleepCtx(ctx, backoff) {
			return
		}
	}
}

// consume decodes and applies records until the stream ends or a
// fatal-to-stream condition is hit. Returns nil on clean EOF.
func (p *Pipeline) consume(ctx context.Context, stream io.Reader) error {
	dec, err := wal.NewStreamDecoder(stream)
	if err != nil {
		return err
	}
	if start := dec.StartLSN(); start > p.wm.Get() {
		p.metrics.IngestGapsTotal.Inc()
		return fmt.Errorf("stream starts at %s but watermark is %s: retransmission required", start, p.wm.Get())
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := dec.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if errors.Is(err, types.ErrDecode) {
				return fmt.Errorf("decode corruption, requesting retransmission: %w", err)
			}
			return err
		}
		if err := p.Apply(rec); err != nil {
			return err
		}
	}
}

// Apply feeds one decoded record through the idempotence and gap checks and
// into the store. Exposed so tests and recovery replay can push records
// without a socket.
func (p *Pipeline) Apply(rec *wal.Record) error {
	wm := p.wm.Get()

	// Idempotent re-application after reconnect: anything at or below the
	// watermark has already been applied.
	if rec.LSN <= wm {
		p.metrics.IngestSkippedTotal.Inc()
		return nil
	}

	// The record names its predecessor; a predecessor above the watermark
	// means records between watermark and here never arrived.
	if rec.PrevLSN > wm {
		p.metrics.IngestGapsTotal.Inc()
		return fmt.Errorf("gap: record %s follows %s but watermark is %s", rec.LSN, rec.PrevLSN, wm)
	}

	if err := p.store.Append(rec); err != nil {
		// Out-of-order append is an ingestion bug: fatal to the stream, the
		// reconnect restarts cleanly from the watermark.
		return fmt.Errorf("append failed: %w", err)
	}

	p.wm.advance(rec.LSN)
	p.metrics.IngestRecordsTotal.Inc()
	p.metrics.IngestBytesTotal.Add(float64(rec.Size()))
	p.metrics.AppliedLSN.Set(float64(rec.LSN))

	p.sinceCheckpoint++
	if p.backend != nil && p.sinceCheckpoint >= p.checkpointEvery {
		p.sinceCheckpoint = 0
		cp := p.checkpointLSN()
		if err := p.backend.StoreCheckpoint(cp); err != nil {
			log.Printf("ingest: checkpoint at %s failed: %v", cp, err)
		}
	}
	return nil
}

// Checkpoint persists the resume position, used at shutdown.
func (p *Pipeline) Checkpoint() error {
	if p.backend == nil {
		return nil
	}
	return p.backend.StoreCheckpoint(p.checkpointLSN())
}

// checkpointLSN is the watermark held back to the durable floor.
func (p *Pipeline) checkpointLSN() types.Lsn {
	cp := p.wm.Get()
	if p.DurableFloor != nil {
		cp = min(cp, p.DurableFloor())
	}
	return cp
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
