package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pageserver.yaml")
	data := `
listen_page_addr: ":7000"
wal_source_addr: "safekeeper:5430"
data_dir: "/var/lib/pageserver"
storage_backend: s3
s3:
  endpoint: "http://minio:9000"
  bucket: "pages"
  region: "us-east-1"
max_resident_bytes: 1073741824
retention_window: 4096
compaction_interval: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":7000", cfg.ListenPageAddr)
	assert.Equal(t, "safekeeper:5430", cfg.WALSourceAddr)
	assert.Equal(t, "/var/lib/pageserver", cfg.DataDir)
	assert.Equal(t, "s3", cfg.StorageBackend)
	assert.Equal(t, "pages", cfg.S3.Bucket)
	assert.Equal(t, int64(1<<30), cfg.MaxResidentBytes)
	assert.Equal(t, uint64(4096), cfg.RetentionWindow)
	assert.Equal(t, 30*time.Second, cfg.CompactionInterval.Std())

	// Unset keys keep their defaults.
	assert.Equal(t, ":9898", cfg.ListenHTTPAddr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty page addr", func(c *Config) { c.ListenPageAddr = "" }},
		{"empty http addr", func(c *Config) { c.ListenHTTPAddr = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown backend", func(c *Config) { c.StorageBackend = "tape" }},
		{"s3 without bucket", func(c *Config) { c.StorageBackend = "s3" }},
		{"negative budget", func(c *Config) { c.MaxResidentBytes = -1 }},
		{"zero compaction interval", func(c *Config) { c.CompactionInterval = 0 }},
		{"delegate without timeout", func(c *Config) {
			c.RedoDelegateURL = "http://oracle:8080"
			c.RedoDelegateTimeout = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
