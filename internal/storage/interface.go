package storage

import "github.com/funbringer/zenith/pkg/types"

// Backend persists materialized base images and the applied-LSN checkpoint.
// The in-memory version store is authoritative at runtime; the backend
// exists so the watermark and compacted bases survive a restart, and so
// snapshot extractions have somewhere cold to go.
type Backend interface {
	// StoreImage persists a full page image materialized at lsn. covered
	// is the newest LSN the image is an exact reconstruction for:
	// compaction has proven no deltas exist in (lsn, covered].
	StoreImage(p types.PageID, lsn, covered types.Lsn, image []byte) error

	// LoadImage loads the newest persisted image at or before lsn,
	// returning the image, the LSN it was materialized at and the LSN it
	// covers through.
	LoadImage(p types.PageID, lsn types.Lsn) ([]byte, types.Lsn, types.Lsn, error)

	// StoreCheckpoint durably records the applied-LSN watermark.
	StoreCheckpoint(lsn types.Lsn) error

	// LoadCheckpoint returns the last recorded watermark, or InvalidLsn if
	// none exists.
	LoadCheckpoint() (types.Lsn, error)

	// Close releases backend resources.
	Close() error
}
