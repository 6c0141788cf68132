package redo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

// Replayer applies one WAL record to a page image, producing a new image.
// Application is deterministic and total: no partial application, no skipped
// records. Implementations never mutate the input image.
type Replayer interface {
	Apply(ctx context.Context, image []byte, rec *wal.Record) ([]byte, error)
}

// Engine reconstructs page images by replaying chain slices. Records whose
// resource manager it understands replay in process; the long tail is
// delegated to an external replay oracle under a deadline.
type Engine struct {
	native          Replayer
	delegate        Replayer
	delegateTimeout time.Duration
}

// NewEngine builds an engine. delegate may be nil when no oracle is
// configured; delegated records then fail with ErrRedo.
func NewEngine(delegate Replayer, delegateTimeout time.Duration) *Engine {
	return &Engine{
		native:          NativeReplayer{},
		delegate:        delegate,
		delegateTimeout: delegateTimeout,
	}
}

// Replay materializes the exact page image at the slice's end. The slice
// must begin with a base record (full image or page-init); every subsequent
// record applies in increasing LSN order.
func (e *Engine) Replay(ctx context.Context, p types.PageID, recs []*wal.Record) ([]byte, error) {
	if len(recs) == 0 {
		return nil, fmt.Errorf("page %s: empty replay slice: %w", p, types.ErrRedo)
	}
	if !recs[0].IsBase() {
		return nil, fmt.Errorf("page %s: replay slice does not start at a base record (lsn %s): %w",
			p, recs[0].LSN, types.ErrRedo)
	}

	var image []byte
	for _, rec := range recs {
		var err error
		image, err = e.applyOne(ctx, image, rec)
		if err != nil {
			return nil, fmt.Errorf("page %s lsn %s: %w", p, rec.LSN, err)
		}
	}
	return image, nil
}

func (e *Engine) applyOne(ctx context.Context, image []byte, rec *wal.Record) ([]byte, error) {
	if rec.Rmgr == wal.RmgrPage {
		return e.native.Apply(ctx, image, rec)
	}
	if e.delegate == nil {
		return nil, fmt.Errorf("no replay oracle for rmgr %d: %w", rec.Rmgr, types.ErrRedo)
	}
	if e.delegateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.delegateTimeout)
		defer cancel()
	}
	out, err := e.delegate.Apply(ctx, image, rec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("replay oracle: %v: %w", err, types.ErrRedoTimeout)
		}
		return nil, err
	}
	return out, nil
}

// NativeReplayer is the in-process replayer for RmgrPage records.
type NativeReplayer struct{}

// Apply replays one record. For base records the input image is ignored;
// for delta records the ops apply to a copy, last writer wins per byte
// range.
func (NativeReplayer) Apply(_ context.Context, image []byte, rec *wal.Record) ([]byte, error) {
	switch {
	case rec.IsFullImage():
		if len(rec.Payload) != types.PageSize {
			return nil, fmt.Errorf("full image payload is %d bytes: %w", len(rec.Payload), types.ErrRedo)
		}
		out := make([]byte, types.PageSize)
		copy(out, rec.Payload)
		return out, nil

	case rec.IsInit():
		// Page defined from scratch: start from zeros, then apply any ops
		// the init record carries.
		return applyOps(make([]byte, types.PageSize), rec.Payload)

	default:
		if len(image) != types.PageSize {
			return nil, fmt.Errorf("delta applied to %d byte image: %w", len(image), types.ErrRedo)
		}
		out := make([]byte, types.PageSize)
		copy(out, image)
		return applyOps(out, rec.Payload)
	}
}

func applyOps(page []byte, payload []byte) ([]byte, error) {
	ops, err := wal.ParseOps(payload)
	if err != nil {
		return nil, fmt.Errorf("unparseable delta payload: %v: %w", err, types.ErrRedo)
	}
	for _, op := range ops {
		switch op.Kind {
		case wal.OpWrite:
			if int(op.Offset)+len(op.Data) > len(page) {
				return nil, fmt.Errorf("write beyond page: off=%d len=%d: %w", op.Offset, len(op.Data), types.ErrRedo)
			}
			copy(page[op.Offset:], op.Data)
		case wal.OpMemset:
			if int(op.Offset)+int(op.Length) > len(page) {
				return nil, fmt.Errorf("memset beyond page: off=%d len=%d: %w", op.Offset, op.Length, types.ErrRedo)
			}
			for i := 0; i < int(op.Length); i++ {
				page[int(op.Offset)+i] = op.Fill
			}
		case wal.OpMemmove:
			if int(op.Offset)+int(op.Length) > len(page) || int(op.SrcOff)+int(op.Length) > len(page) {
				return nil, fmt.Errorf("memmove beyond page: dst=%d src=%d len=%d: %w", op.Offset, op.SrcOff, op.Length, types.ErrRedo)
			}
			copy(page[op.Offset:int(op.Offset)+int(op.Length)], page[op.SrcOff:int(op.SrcOff)+int(op.Length)])
		default:
			return nil, fmt.Errorf("unknown op kind 0x%02x: %w", op.Kind, types.ErrRedo)
		}
	}
	return page, nil
}
