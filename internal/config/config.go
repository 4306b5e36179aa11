package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config is the root navigation configuration. Fields are pointers so a
// partial JSON file overrides only what it names; the Get* methods
// provide the fallback defaults.
type Config struct {
	// Pipeline params
	BufferSize    *int    `json:"buffer_size,omitempty"`
	Workers       *int    `json:"workers,omitempty"`
	TaskQueueSize *int    `json:"task_queue_size,omitempty"`
	LockTimeout   *string `json:"lock_timeout,omitempty"` // duration string like "2s"

	// Chain params
	SearchWindow *int    `json:"search_window,omitempty"`
	CandidateTTL *string `json:"candidate_ttl,omitempty"` // duration string like "500ms"

	// Stage module lists, run in order.
	Preprocessing []ModuleSpec `json:"preprocessing,omitempty"`
	Odometry      []ModuleSpec `json:"odometry,omitempty"`
	VertexTest    []ModuleSpec `json:"vertex_test,omitempty"`
	Localization  []ModuleSpec `json:"localization,omitempty"`

	// ArchivePath is the SQLite file for graph persistence; empty
	// disables archiving.
	ArchivePath *string `json:"archive_path,omitempty"`
}

// ModuleSpec names a registered module type and carries its raw
// configuration block.
type ModuleSpec struct {
	Type   string          `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// Default returns the configuration used when no file is given: one
// downsampler, wheel odometry with the standard keyframe test, and
// prior-based localization.
func Default() *Config {
	return &Config{
		Preprocessing: []ModuleSpec{{Type: "downsample"}},
		Odometry:      []ModuleSpec{{Type: "wheel_odometry"}},
		VertexTest:    []ModuleSpec{{Type: "keyframe_test"}},
		Localization:  []ModuleSpec{{Type: "prior_localization"}},
	}
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and stay under the max file size. Fields omitted from the
// JSON retain their defaults, so partial configs are safe.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if c.BufferSize != nil && *c.BufferSize < 1 {
		return fmt.Errorf("buffer_size must be >= 1, got %d", *c.BufferSize)
	}
	if c.Workers != nil && *c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", *c.Workers)
	}
	if c.TaskQueueSize != nil && *c.TaskQueueSize < 1 {
		return fmt.Errorf("task_queue_size must be >= 1, got %d", *c.TaskQueueSize)
	}
	if c.SearchWindow != nil && *c.SearchWindow < 1 {
		return fmt.Errorf("search_window must be >= 1, got %d", *c.SearchWindow)
	}
	if c.LockTimeout != nil && *c.LockTimeout != "" {
		if _, err := time.ParseDuration(*c.LockTimeout); err != nil {
			return fmt.Errorf("invalid lock_timeout '%s': %w", *c.LockTimeout, err)
		}
	}
	if c.CandidateTTL != nil && *c.CandidateTTL != "" {
		if _, err := time.ParseDuration(*c.CandidateTTL); err != nil {
			return fmt.Errorf("invalid candidate_ttl '%s': %w", *c.CandidateTTL, err)
		}
	}
	for _, list := range [][]ModuleSpec{c.Preprocessing, c.Odometry, c.VertexTest, c.Localization} {
		for _, spec := range list {
			if spec.Type == "" {
				return fmt.Errorf("module spec missing type")
			}
		}
	}
	return nil
}

// GetBufferSize returns the buffer_size value or the default.
func (c *Config) GetBufferSize() int {
	if c.BufferSize == nil {
		return 4 // default
	}
	return *c.BufferSize
}

// GetWorkers returns the workers value or the default.
func (c *Config) GetWorkers() int {
	if c.Workers == nil {
		return 2 // default
	}
	return *c.Workers
}

// GetTaskQueueSize returns the task_queue_size value or the default.
func (c *Config) GetTaskQueueSize() int {
	if c.TaskQueueSize == nil {
		return 8 // default
	}
	return *c.TaskQueueSize
}

// GetSearchWindow returns the search_window value or the default.
func (c *Config) GetSearchWindow() int {
	if c.SearchWindow == nil {
		return 5 // default
	}
	return *c.SearchWindow
}

// GetLockTimeout parses and returns the LockTimeout as a time.Duration.
func (c *Config) GetLockTimeout() time.Duration {
	if c.LockTimeout == nil || *c.LockTimeout == "" {
		return 2 * time.Second // default
	}
	d, err := time.ParseDuration(*c.LockTimeout)
	if err != nil {
		return 2 * time.Second // default on parse error
	}
	return d
}

// GetCandidateTTL parses and returns the CandidateTTL as a time.Duration.
func (c *Config) GetCandidateTTL() time.Duration {
	if c.CandidateTTL == nil || *c.CandidateTTL == "" {
		return 500 * time.Millisecond // default
	}
	d, err := time.ParseDuration(*c.CandidateTTL)
	if err != nil {
		return 500 * time.Millisecond // default on parse error
	}
	return d
}

// GetArchivePath returns the archive_path value or empty.
func (c *Config) GetArchivePath() string {
	if c.ArchivePath == nil {
		return ""
	}
	return *c.ArchivePath
}
