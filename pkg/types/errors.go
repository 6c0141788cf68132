package types

import "errors"

// Error taxonomy of the page store. Every failure path returns one of these,
// possibly wrapped with context; callers discriminate with errors.Is.
var (
	// ErrNotYetIngested: the requested LSN is above the applied watermark.
	// Recoverable per request, the caller should retry with backoff.
	ErrNotYetIngested = errors.New("requested lsn not yet ingested")

	// ErrPageNotFound: no version chain exists for the page.
	ErrPageNotFound = errors.New("page not found")

	// ErrLsnTooOld: history below the requested LSN has been pruned and no
	// full image remains to reconstruct from.
	ErrLsnTooOld = errors.New("requested lsn is below the gc horizon")

	// ErrOutOfOrderInsert: an append whose LSN is not greater than the
	// chain's current maximum. Ingestion-side bug, fatal to the stream.
	ErrOutOfOrderInsert = errors.New("out of order chain insert")

	// ErrDecode: malformed record boundary in the WAL stream. Fatal for the
	// current stream position.
	ErrDecode = errors.New("wal decode error")

	// ErrRedo: a delta could not be applied to the current image.
	ErrRedo = errors.New("redo failed")

	// ErrRedoTimeout: the external replay oracle did not answer in time.
	ErrRedoTimeout = errors.New("redo timed out")

	// ErrUnavailable: the store is under resource pressure; a compaction
	// pass has been triggered and new reads are refused meanwhile.
	ErrUnavailable = errors.New("store temporarily unavailable")

	// ErrSnapshotNotFound: no snapshot with the requested ID.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Status is the wire-level result code of the page read protocol.
type Status uint8

const (
	StatusOK Status = iota
	StatusNotYetIngested
	StatusPageNotFound
	StatusLsnTooOld
	StatusRedoError
	StatusRedoTimeout
	StatusUnavailable
	StatusInvalidRequest
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotYetIngested:
		return "not_yet_ingested"
	case StatusPageNotFound:
		return "page_not_found"
	case StatusLsnTooOld:
		return "lsn_too_old"
	case StatusRedoError:
		return "redo_error"
	case StatusRedoTimeout:
		return "redo_timeout"
	case StatusUnavailable:
		return "unavailable"
	case StatusInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// StatusForError maps a GetPage error onto its wire status code.
func StatusForError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotYetIngested):
		return StatusNotYetIngested
	case errors.Is(err, ErrPageNotFound):
		return StatusPageNotFound
	case errors.Is(err, ErrLsnTooOld):
		return StatusLsnTooOld
	case errors.Is(err, ErrRedoTimeout):
		return StatusRedoTimeout
	case errors.Is(err, ErrRedo):
		return StatusRedoError
	case errors.Is(err, ErrUnavailable):
		return StatusUnavailable
	default:
		return StatusRedoError
	}
}

// ErrForStatus is the inverse mapping, used by protocol clients.
func ErrForStatus(s Status) error {
	switch s {
	case StatusOK:
		return nil
	case StatusNotYetIngested:
		return ErrNotYetIngested
	case StatusPageNotFound:
		return ErrPageNotFound
	case StatusLsnTooOld:
		return ErrLsnTooOld
	case StatusRedoError:
		return ErrRedo
	case StatusRedoTimeout:
		return ErrRedoTimeout
	case StatusUnavailable:
		return ErrUnavailable
	default:
		return errors.New("invalid request")
	}
}
