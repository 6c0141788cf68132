package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/funbringer/zenith/internal/config"
	"github.com/funbringer/zenith/internal/ingest"
	"github.com/funbringer/zenith/internal/metrics"
	"github.com/funbringer/zenith/internal/pageservice"
	"github.com/funbringer/zenith/internal/redo"
	"github.com/funbringer/zenith/internal/retention"
	"github.com/funbringer/zenith/internal/snapshots"
	"github.com/funbringer/zenith/internal/storage"
	"github.com/funbringer/zenith/internal/store"
	"github.com/funbringer/zenith/pkg/types"
)

// PageServer owns every component of a running pageserver instance.
type PageServer struct {
	Config    config.Config
	Store     *store.VersionStore
	Engine    *redo.Engine
	Watermark *ingest.Watermark
	Pipeline  *ingest.Pipeline
	InFlight  *retention.InFlight
	Horizon   *retention.Horizon
	Compactor *retention.Compactor
	Backend   storage.Backend
	Service   *pageservice.Service
	Snapshots *snapshots.Manager
	Metrics   *metrics.Registry

	pageSrv *pageservice.Server
	cancel  context.CancelFunc
}

// NewPageServer builds a pageserver from cfg. The applied watermark is
// seeded from the backend's checkpoint so ingestion resumes where the
// previous run left off.
func NewPageServer(cfg config.Config) (*PageServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend storage.Backend
	var err error
	switch cfg.StorageBackend {
	case "s3":
		backend, err = storage.NewS3Storage(cfg.S3)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		log.Printf("Using S3 storage backend: bucket=%s endpoint=%s", cfg.S3.Bucket, cfg.S3.Endpoint)
	case "file", "":
		backend, err = storage.NewFileStorage(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create file storage: %w", err)
		}
		log.Printf("Using file storage backend: %s", cfg.DataDir)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}

	checkpoint, err := backend.LoadCheckpoint()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if checkpoint != types.InvalidLsn {
		log.Printf("Resuming from checkpoint LSN %s", checkpoint)
	}

	reg := metrics.New()
	vs := store.New(cfg.MaxResidentBytes)
	wm := ingest.NewWatermark(checkpoint)

	var delegate redo.Replayer
	if cfg.RedoDelegateURL != "" {
		delegate = redo.NewOracleReplayer(cfg.RedoDelegateURL)
	}
	engine := redo.NewEngine(delegate, cfg.RedoDelegateTimeout.Std())

	inflight := retention.NewInFlight()
	horizon := retention.NewHorizon(inflight, wm.Get, cfg.RetentionWindow, cfg.TrackBackups)
	compactor := retention.NewCompactor(vs, engine, horizon, backend, reg, cfg.CompactionInterval.Std())

	svc := pageservice.NewService(vs, engine, wm, inflight, backend, compactor, checkpoint, reg)

	snapMgr, err := snapshots.NewManager(cfg.DataDir, svc.BackupReader(), vs)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot manager: %w", err)
	}

	ps := &PageServer{
		Config:    cfg,
		Store:     vs,
		Engine:    engine,
		Watermark: wm,
		InFlight:  inflight,
		Horizon:   horizon,
		Compactor: compactor,
		Backend:   backend,
		Service:   svc,
		Snapshots: snapMgr,
		Metrics:   reg,
		pageSrv:   pageservice.NewServer(svc),
	}

	if cfg.WALSourceAddr != "" {
		src := &ingest.TCPSource{Addr: cfg.WALSourceAddr, DialTimeout: 10 * time.Second}
		ps.Pipeline = ingest.NewPipeline(src, vs, wm, backend, reg)
		// The boot checkpoint stays the floor until a compaction pass of
		// this run persists further coverage.
		ps.Pipeline.DurableFloor = func() types.Lsn {
			return max(compactor.Durable(), checkpoint)
		}
	}

	return ps, nil
}

// Start launches the ingestion pipeline, the compaction loop and the page
// protocol listener. It returns once the listener is accepting.
func (ps *PageServer) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	ps.cancel = cancel

	if ps.Pipeline != nil {
		go ps.Pipeline.Run(ctx)
	}
	go ps.Compactor.Run(ctx)

	lis, err := net.Listen("tcp", ps.Config.ListenPageAddr)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on %s: %w", ps.Config.ListenPageAddr, err)
	}
	log.Printf("Page service listening on %s", lis.Addr())

	go func() {
		if err := ps.pageSrv.Serve(lis); err != nil {
			log.Printf("page service: %v", err)
		}
	}()
	return nil
}

// Stop shuts the instance down: listeners close, background loops exit and
// the final watermark is checkpointed.
func (ps *PageServer) Stop() {
	if ps.cancel != nil {
		ps.cancel()
	}
	ps.pageSrv.Shutdown()

	if ps.Pipeline != nil {
		if err := ps.Pipeline.Checkpoint(); err != nil {
			log.Printf("final checkpoint: %v", err)
		}
	}
	if err := ps.Snapshots.Close(); err != nil {
		log.Printf("snapshot manager close: %v", err)
	}
	if err := ps.Backend.Close(); err != nil {
		log.Printf("backend close: %v", err)
	}
}
