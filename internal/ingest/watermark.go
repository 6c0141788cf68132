package ingest

import (
	"sync/atomic"

	"github.com/funbringer/zenith/pkg/types"
)

// Watermark is the process-wide applied-LSN state: the highest LSN fully
// ingested and visible to readers. The ingestion pipeline is its only
// writer; everything else reads.
type Watermark struct {
	v atomic.Uint64
}

// NewWatermark initializes the watermark, normally from the last checkpoint
// position recovered at startup.
func NewWatermark(initial types.Lsn) *Watermark {
	w := &Watermark{}
	w.v.Store(uint64(initial))
	return w
}

// Get returns the current applied LSN.
func (w *Watermark) Get() types.Lsn { return types.Lsn(w.v.Load()) }

// advance moves the watermark forward. It never goes backwards.
func (w *Watermark) advance(lsn types.Lsn) {
	for {
		cur := w.v.Load()
		if uint64(lsn) <= cur || w.v.CompareAndSwap(cur, uint64(lsn)) {
			return
		}
	}
}
