package wal

import (
	"github.com/funbringer/zenith/pkg/types"
)

// Stream framing constants. The wire format is versioned: a stream starts
// with a header carrying magic, format version and the start LSN, followed
// by length-prefixed records.
const (
	StreamMagic   uint32 = 0x5A4E5448 // "ZNTH"
	StreamVersion uint32 = 1

	// StreamHeaderSize: magic(4) + version(4) + startLSN(8)
	StreamHeaderSize = 16

	// Fixed part of a record body:
	// rmgr(1) flags(1) lsn(8) prev(8) rel(4) fork(1) block(4) nExtra(1)
	recordFixedSize = 28

	// MaxRecordSize bounds a single record frame. Anything larger is a
	// length overrun and decoded as corruption.
	MaxRecordSize = types.PageSize + 1<<20
)

// Resource manager tags. RmgrPage records are replayed natively; any other
// tag is delegated to the external replay oracle.
const (
	RmgrPage uint8 = 0
)

// Record flags.
const (
	// FlagInit: the record defines the page from scratch, no earlier
	// version is needed to replay it.
	FlagInit uint8 = 1 << 0

	// FlagFullImage: the payload is a complete page image.
	FlagFullImage uint8 = 1 << 1
)

// Record is one decoded WAL mutation. A record may touch more than one page
// (Pages[0] is the primary target); the payload is either a full page image
// or a delta op stream sufficient for redo.
type Record struct {
	LSN     types.Lsn
	PrevLSN types.Lsn // LSN of the preceding record in the stream
	Rmgr    uint8
	Flags   uint8
	Pages   []types.PageID
	Payload []byte
}

// IsInit reports whether the record defines its page from scratch.
func (r *Record) IsInit() bool { return r.Flags&FlagInit != 0 }

// IsFullImage reports whether the payload is a complete page image.
func (r *Record) IsFullImage() bool { return r.Flags&FlagFullImage != 0 }

// IsBase reports whether redo can start from this record without any
// earlier version.
func (r *Record) IsBase() bool { return r.IsInit() || r.IsFullImage() }

// Size approximates the resident memory cost of the record, used for the
// store's byte accounting.
func (r *Record) Size() int {
	return recordFixedSize + len(r.Pages)*9 + len(r.Payload)
}
