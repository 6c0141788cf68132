package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/funbringer/zenith/internal/storage"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the full pageserver configuration. Values come from a YAML
// file when -config is given; command line flags override file values.
type Config struct {
	// ListenPageAddr is the address of the page read protocol listener.
	ListenPageAddr string `yaml:"listen_page_addr"`

	// ListenHTTPAddr is the address of the admin and metrics listener.
	ListenHTTPAddr string `yaml:"listen_http_addr"`

	// WALSourceAddr is the safekeeper endpoint the ingestion stream dials.
	WALSourceAddr string `yaml:"wal_source_addr"`

	// DataDir holds persisted images, checkpoints and snapshot metadata.
	DataDir string `yaml:"data_dir"`

	// StorageBackend selects the persistence backend: file or s3.
	StorageBackend string `yaml:"storage_backend"`

	S3 storage.S3Config `yaml:"s3"`

	// MaxResidentBytes caps the version store's memory before reads are
	// refused and compaction is forced. Zero means unlimited.
	MaxResidentBytes int64 `yaml:"max_resident_bytes"`

	// RetentionWindow is how far behind the applied watermark history is
	// kept readable, in LSN units.
	RetentionWindow uint64 `yaml:"retention_window"`

	// TrackBackups holds the GC horizon at the last completed backup until
	// the backup collaborator reports progress.
	TrackBackups bool `yaml:"track_backups"`

	// CompactionInterval is the period of the background compaction loop.
	CompactionInterval Duration `yaml:"compaction_interval"`

	// RedoDelegateURL is the external replay oracle for record types the
	// native replayer does not understand. Empty disables delegation.
	RedoDelegateURL string `yaml:"redo_delegate_url"`

	// RedoDelegateTimeout bounds each delegated replay call.
	RedoDelegateTimeout Duration `yaml:"redo_delegate_timeout"`
}

// Default returns the configuration used when no file or flags are given.
func Default() Config {
	return Config{
		ListenPageAddr:      ":6400",
		ListenHTTPAddr:      ":9898",
		DataDir:             "./pageserver-data",
		StorageBackend:      "file",
		RetentionWindow:     1 << 30,
		CompactionInterval:  Duration(time.Minute),
		RedoDelegateTimeout: Duration(5 * time.Second),
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.ListenPageAddr == "" {
		return fmt.Errorf("listen_page_addr must not be empty")
	}
	if c.ListenHTTPAddr == "" {
		return fmt.Errorf("listen_http_addr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	switch c.StorageBackend {
	case "file", "":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("s3.bucket is required when using S3 storage")
		}
		if c.S3.Endpoint == "" {
			return fmt.Errorf("s3.endpoint is required when using S3 storage")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s (supported: file, s3)", c.StorageBackend)
	}
	if c.MaxResidentBytes < 0 {
		return fmt.Errorf("max_resident_bytes must not be negative")
	}
	if c.CompactionInterval <= 0 {
		return fmt.Errorf("compaction_interval must be positive")
	}
	if c.RedoDelegateURL != "" && c.RedoDelegateTimeout <= 0 {
		return fmt.Errorf("redo_delegate_timeout must be positive when a delegate is configured")
	}
	return nil
}
