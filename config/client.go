package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	errs "github.com/specklesystems/speckle-server-sub009/errors"
	"github.com/specklesystems/speckle-server-sub009/objects"
)

// ClientConfig configures the send and receive tools.
//
// Values are layered: defaults, then the YAML file (when one is given),
// then SPECKLE_* environment variables, then command-line flags applied by
// the caller.
type ClientConfig struct {
	Server   string `yaml:"server"`
	Stream   string `yaml:"stream"`
	Token    string `yaml:"token"`
	CacheDir string `yaml:"cache_dir"`

	// Interval is the sweep period of pending reference waits.
	Interval time.Duration `yaml:"interval"`
	// Timeout bounds how long a referenced record is awaited.
	Timeout time.Duration `yaml:"timeout"`
	// ChunkSize applies to chunk tags that name no size.
	ChunkSize     int           `yaml:"chunk_size"`
	MaxBufferSize int           `yaml:"max_buffer_size"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryBackoff  time.Duration `yaml:"retry_backoff"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`
	Compress      bool          `yaml:"compress"`

	IgnoreProperties []string `yaml:"ignore_properties"`

	// Schemas maps a speckle_type to field tags ("detach", "chunk",
	// "chunk=N").
	Schemas map[string]map[string]string `yaml:"schemas"`
}

// DefaultClient returns the client defaults.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		CacheDir:      DefaultCacheDir(),
		Interval:      20 * time.Millisecond,
		Timeout:       3 * time.Minute,
		ChunkSize:     objects.DefaultChunkSize,
		MaxBufferSize: 200_000,
		MaxRetries:    3,
		RetryBackoff:  time.Second,
		UploadTimeout: 2 * time.Minute,
	}
}

// DefaultCacheDir is the per-user cache location.
func DefaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "speckle")
	}
	return filepath.Join(os.TempDir(), "speckle")
}

// LoadClient builds a ClientConfig from the defaults, the YAML file at path
// (skipped when path is empty) and the environment.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, errs.Configuration("config", "parsing %s: %v", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides connection settings from SPECKLE_* variables.
func (c *ClientConfig) ApplyEnv() {
	c.Server = getEnv("SPECKLE_SERVER", c.Server)
	c.Stream = getEnv("SPECKLE_STREAM", c.Stream)
	c.Token = getEnv("SPECKLE_TOKEN", c.Token)
	c.CacheDir = getEnv("SPECKLE_CACHE_DIR", c.CacheDir)
}

// Validate checks the settings every command needs.
func (c *ClientConfig) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Server) == "" {
		problems = append(problems, "server URL is required")
	}
	if strings.TrimSpace(c.Stream) == "" {
		problems = append(problems, "stream id is required")
	}
	if c.Interval <= 0 {
		problems = append(problems, "interval must be positive")
	}
	if c.Timeout <= 0 {
		problems = append(problems, "timeout must be positive")
	}
	if c.ChunkSize <= 0 {
		problems = append(problems, "chunk_size must be positive")
	}
	if c.MaxBufferSize <= 0 {
		problems = append(problems, "max_buffer_size must be positive")
	}
	if c.MaxRetries <= 0 {
		problems = append(problems, "max_retries must be positive")
	}
	if len(problems) > 0 {
		return errs.Configuration("config", "%s", strings.Join(problems, "; "))
	}
	return nil
}

// Registry builds the schema registry described by Schemas.
func (c *ClientConfig) Registry() *objects.Registry {
	reg := objects.NewRegistry()
	for speckleType, tags := range c.Schemas {
		reg.RegisterTags(speckleType, tags)
	}
	return reg
}
