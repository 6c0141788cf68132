package pageservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/funbringer/zenith/internal/ingest"
	"github.com/funbringer/zenith/internal/metrics"
	"github.com/funbringer/zenith/internal/redo"
	"github.com/funbringer/zenith/internal/retention"
	"github.com/funbringer/zenith/internal/storage"
	"github.com/funbringer/zenith/internal/store"
	"github.com/funbringer/zenith/internal/wal"
	"github.com/funbringer/zenith/pkg/types"
)

// Service answers GetPage@LSN requests against the version store.
type Service struct {
	store    *store.VersionStore
	engine   *redo.Engine
	wm       *ingest.Watermark
	inflight *retention.InFlight
	backend  storage.Backend
	comp     *retention.Compactor
	metrics  *metrics.Registry

	// Checkpoint LSN the instance booted from. Every page delta at or
	// below it is captured by that page's newest persisted base image, so
	// cold reads may trust persisted bases through this point.
	restored types.Lsn
}

// NewService wires the read path. restored is the checkpoint LSN the
// instance resumed from, InvalidLsn on a fresh start.
func NewService(vs *store.VersionStore, engine *redo.Engine, wm *ingest.Watermark,
	inflight *retention.InFlight, backend storage.Backend, comp *retention.Compactor,
	restored types.Lsn, reg *metrics.Registry) *Service {
	return &Service{
		store:    vs,
		engine:   engine,
		wm:       wm,
		inflight: inflight,
		backend:  backend,
		comp:     comp,
		restored: restored,
		metrics:  reg,
	}
}

// GetPage reconstructs the image of page p as of lsn. The request LSN is
// registered as in-flight for the duration of the call so retention cannot
// prune the versions it depends on.
func (s *Service) GetPage(ctx context.Context, p types.PageID, lsn types.Lsn) ([]byte, error) {
	return s.serve(ctx, p, lsn, false)
}

// BackupReader is the read view used by snapshot extraction. Extraction
// only reconstructs versions that already exist, so its reads are served
// even under memory pressure and never schedule a compaction pass.
type BackupReader struct {
	svc *Service
}

func (s *Service) BackupReader() *BackupReader { return &BackupReader{svc: s} }

func (r *BackupReader) GetPage(ctx context.Context, p types.PageID, lsn types.Lsn) ([]byte, error) {
	return r.svc.serve(ctx, p, lsn, true)
}

func (s *Service) serve(ctx context.Context, p types.PageID, lsn types.Lsn, backup bool) ([]byte, error) {
	start := time.Now()
	image, err := s.getPage(ctx, p, lsn, backup)
	if s.metrics != nil {
		s.metrics.RecordGetPage(types.StatusForError(err).String(), time.Since(start))
	}
	return image, err
}

func (s *Service) getPage(ctx context.Context, p types.PageID, lsn types.Lsn, backup bool) ([]byte, error) {
	if lsn > s.wm.Get() {
		return nil, fmt.Errorf("page %s at %s: %w", p, lsn, types.ErrNotYetIngested)
	}
	if !backup && s.store.OverBudget() {
		if s.comp != nil {
			s.comp.Kick()
		}
		return nil, fmt.Errorf("version store over memory budget: %w", types.ErrUnavailable)
	}

	token := s.inflight.Register(lsn)
	defer s.inflight.Deregister(token)
	if s.metrics != nil {
		s.metrics.InFlightReads.Inc()
		defer s.metrics.InFlightReads.Dec()
	}

	recs, err := s.store.Lookup(p, lsn)
	switch {
	case err == nil:
	case errors.Is(err, types.ErrPageNotFound):
		// No resident chain at all: the page may live only in persisted
		// bases (e.g. all its deltas predate the restore point).
		return s.coldRead(p, lsn, err)
	case errors.Is(err, types.ErrLsnTooOld):
		// The chain survives but its base prefix is missing. After a
		// restart the persisted base can fill that prefix; a base pruned
		// within this run cannot, deltas between it and the request were
		// compacted into a newer image and serving the old base would
		// silently drop them.
		recs, err = s.recoverBase(p, lsn, err)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	redoStart := time.Now()
	image, err := s.engine.Replay(ctx, p, recs)
	if s.metrics != nil {
		s.metrics.RedoDuration.Observe(time.Since(redoStart).Seconds())
	}
	return image, err
}

// coldRead serves a persisted base image for a page with no resident chain.
// The image is only served when it provably is the page's newest version at
// or before the request LSN: either the request falls inside the coverage
// recorded at compaction time, or at or below the restore point, up to
// which every delta is captured by the page's newest persisted base.
func (s *Service) coldRead(p types.PageID, lsn types.Lsn, lookupErr error) ([]byte, error) {
	if s.backend == nil {
		return nil, lookupErr
	}
	image, imageLSN, covered, err := s.backend.LoadImage(p, lsn)
	if err != nil || imageLSN == types.InvalidLsn {
		return nil, lookupErr
	}
	if lsn <= covered {
		return image, nil
	}
	if newest, ok := s.newestPersisted(p); ok && newest == imageLSN && lsn <= s.restored {
		return image, nil
	}
	// An image exists but nothing proves it current at the request LSN:
	// whatever sat between it and the request has been compacted away.
	return nil, fmt.Errorf("page %s at %s: persisted image at %s covers only through %s: %w",
		p, lsn, imageLSN, covered, types.ErrLsnTooOld)
}

// recoverBase re-admits the page's newest persisted base into the resident
// chain, rebuilding the prefix a restart left behind. Valid only for the
// newest persisted image: deltas above it up to the restore point do not
// exist, and deltas above the restore point are resident, so the rebuilt
// chain has no holes.
func (s *Service) recoverBase(p types.PageID, lsn types.Lsn, lookupErr error) ([]*wal.Record, error) {
	if s.backend == nil {
		return nil, lookupErr
	}
	image, imageLSN, _, err := s.backend.LoadImage(p, lsn)
	if err != nil || imageLSN == types.InvalidLsn {
		return nil, lookupErr
	}
	if newest, ok := s.newestPersisted(p); !ok || newest != imageLSN {
		return nil, lookupErr
	}
	if oldest, ok := s.store.OldestLSN(p); ok && oldest <= s.restored && oldest > imageLSN {
		// A resident record below the restore point and above the image
		// means this prefix was pruned in this run, not lost to a restart.
		return nil, lookupErr
	}

	s.store.InsertBase(p, &wal.Record{
		LSN:     imageLSN,
		Rmgr:    wal.RmgrPage,
		Flags:   wal.FlagFullImage,
		Pages:   []types.PageID{p},
		Payload: image,
	})
	return s.store.Lookup(p, lsn)
}

// newestPersisted returns the LSN of the page's newest persisted base.
func (s *Service) newestPersisted(p types.PageID) (types.Lsn, bool) {
	_, newest, _, err := s.backend.LoadImage(p, types.Lsn(^uint64(0)))
	if err != nil || newest == types.InvalidLsn {
		return types.InvalidLsn, false
	}
	return newest, true
}
