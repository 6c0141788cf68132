package types

import (
	"fmt"
	"time"
)

// PageSize is the fixed size of every page image served by the pageserver.
const PageSize = 8192

// Lsn is a position in the WAL stream. LSNs are totally ordered and
// monotonically non-decreasing within a single ingestion stream.
type Lsn uint64

// InvalidLsn is the zero value, used as "no position".
const InvalidLsn Lsn = 0

// String formats an LSN the way Postgres does: high/low hex halves.
func (l Lsn) String() string {
	return fmt.Sprintf("%X/%08X", uint64(l)>>32, uint32(l))
}

// ForkNumber selects one of the per-relation forks.
type ForkNumber uint8

const (
	ForkMain ForkNumber = iota
	ForkFSM
	ForkVM
)

func (f ForkNumber) String() string {
	switch f {
	case ForkMain:
		return "main"
	case ForkFSM:
		return "fsm"
	case ForkVM:
		return "vm"
	default:
		return fmt.Sprintf("fork(%d)", uint8(f))
	}
}

// PageID identifies one fixed-size page. Immutable once created.
type PageID struct {
	RelID   uint32
	Fork    ForkNumber
	BlockNo uint32
}

func (p PageID) String() string {
	return fmt.Sprintf("rel=%d fork=%s block=%d", p.RelID, p.Fork, p.BlockNo)
}

// Hash returns an FNV-1a hash of the page identity, used for shard selection.
func (p PageID) Hash() uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for _, b := range [9]byte{
		byte(p.RelID), byte(p.RelID >> 8), byte(p.RelID >> 16), byte(p.RelID >> 24),
		byte(p.Fork),
		byte(p.BlockNo), byte(p.BlockNo >> 8), byte(p.BlockNo >> 16), byte(p.BlockNo >> 24),
	} {
		h ^= uint32(b)
		h *= prime32
	}
	return h
}

// Snapshot describes a named point-in-time the backup collaborator may pull.
type Snapshot struct {
	ID          string    `json:"id"`
	LSN         Lsn       `json:"lsn"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description,omitempty"`
}
