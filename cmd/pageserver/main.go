package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/funbringer/zenith/internal/api"
	"github.com/funbringer/zenith/internal/config"
	"github.com/funbringer/zenith/internal/server"
)

var (
	configFile = flag.String("config", "", "Path to YAML configuration file")

	listenPageAddr = flag.String("listen-page", "", "Page protocol listen address")
	listenHTTPAddr = flag.String("listen-http", "", "Admin HTTP listen address")
	walSourceAddr  = flag.String("wal-source", "", "WAL acceptor address to stream from")
	dataDir        = flag.String("data-dir", "", "Data directory for persistent storage")

	storageBackend = flag.String("storage-backend", "", "Storage backend: file or s3")
	s3Endpoint     = flag.String("s3-endpoint", "", "S3 endpoint (e.g., https://s3.amazonaws.com or http://minio:9000)")
	s3Bucket       = flag.String("s3-bucket", "", "S3 bucket name")
	s3Region       = flag.String("s3-region", "", "AWS region")
	s3AccessKey    = flag.String("s3-access-key", "", "S3 access key ID")
	s3SecretKey    = flag.String("s3-secret-key", "", "S3 secret access key")
	s3Prefix       = flag.String("s3-prefix", "", "Optional prefix for S3 objects")

	maxResidentBytes = flag.Int64("max-resident-bytes", 0, "Version store memory budget (0 = unlimited)")
	retentionWindow  = flag.Uint64("retention-window", 0, "How far behind the watermark history stays readable")
	compactInterval  = flag.Duration("compaction-interval", 0, "Background compaction period")
	redoDelegateURL  = flag.String("redo-delegate", "", "External replay oracle URL")
)

func main() {
	flag.Parse()

	cfg := config.Default()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	applyFlags(&cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}
	absDataDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		log.Fatalf("Failed to get absolute path: %v", err)
	}
	cfg.DataDir = absDataDir

	pageServer, err := server.NewPageServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create pageserver: %v", err)
	}

	if err := pageServer.Start(); err != nil {
		log.Fatalf("Failed to start pageserver: %v", err)
	}

	httpServer := &http.Server{
		Addr:    cfg.ListenHTTPAddr,
		Handler: api.NewRouter(pageServer),
	}
	go func() {
		log.Printf("Admin HTTP listening on %s", cfg.ListenHTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to serve: %v", err)
		}
	}()

	log.Printf("Pageserver started")
	log.Printf("  Page protocol: %s", cfg.ListenPageAddr)
	log.Printf("  Admin HTTP:    %s", cfg.ListenHTTPAddr)
	log.Printf("  Data dir:      %s", cfg.DataDir)
	if cfg.WALSourceAddr != "" {
		log.Printf("  WAL source:    %s", cfg.WALSourceAddr)
	} else {
		log.Printf("  WAL source:    none (read-only)")
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("Shutting down")
	httpServer.Close()
	pageServer.Stop()
}

// applyFlags overrides file configuration with any flag that was set.
func applyFlags(cfg *config.Config) {
	if *listenPageAddr != "" {
		cfg.ListenPageAddr = *listenPageAddr
	}
	if *listenHTTPAddr != "" {
		cfg.ListenHTTPAddr = *listenHTTPAddr
	}
	if *walSourceAddr != "" {
		cfg.WALSourceAddr = *walSourceAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *storageBackend != "" {
		cfg.StorageBackend = *storageBackend
	}
	if *s3Endpoint != "" {
		cfg.S3.Endpoint = *s3Endpoint
	}
	if *s3Bucket != "" {
		cfg.S3.Bucket = *s3Bucket
	}
	if *s3Region != "" {
		cfg.S3.Region = *s3Region
	}
	if *s3AccessKey != "" {
		cfg.S3.AccessKey = *s3AccessKey
	}
	if *s3SecretKey != "" {
		cfg.S3.SecretKey = *s3SecretKey
	}
	if *s3Prefix != "" {
		cfg.S3.Prefix = *s3Prefix
	}
	if *maxResidentBytes != 0 {
		cfg.MaxResidentBytes = *maxResidentBytes
	}
	if *retentionWindow != 0 {
		cfg.RetentionWindow = *retentionWindow
	}
	if *compactInterval != 0 {
		cfg.CompactionInterval = config.Duration(*compactInterval)
	}
	if *redoDelegateURL != "" {
		cfg.RedoDelegateURL = *redoDelegateURL
	}
}
