package chunklog

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidvella/chunklog/chunkio"
	"github.com/davidvella/chunklog/segment"
	"github.com/davidvella/chunklog/storage"
)

// Default configuration values.
const (
	DefaultPreallocateBytes     = 1024 * 1024
	DefaultCheckpointAfterBytes = 768 * 1024
	DefaultBufferBytes          = 16 * 1024
	DefaultMaxDiskUsagePercent  = 95
)

// Config describes a write-ahead log. It is read once at Open and never
// consulted again, so mutating it afterwards has no effect.
type Config struct {
	// Dir is the directory holding the segment files. Ignored when Backend
	// is set.
	Dir string `yaml:"dir"`

	// PreallocateBytes is the extent reserved for each new segment file.
	// Segments never grow past it; an entry that does not fit continues in
	// the next segment.
	PreallocateBytes uint32 `yaml:"preallocate_bytes"`

	// CheckpointAfterBytes is the number of bytes written to the active
	// segment before a checkpoint is triggered. Keep it below
	// PreallocateBytes so checkpoints begin before the extent runs out.
	CheckpointAfterBytes uint64 `yaml:"checkpoint_after_bytes"`

	// BufferBytes sizes the in-memory write buffer.
	BufferBytes int `yaml:"buffer_bytes"`

	// VersionInfo is an arbitrary tag of at most 255 bytes stored in every
	// segment header. The engine never interprets it; hosts typically use
	// it to detect the format of the payloads inside the log.
	VersionInfo []byte `yaml:"version_info"`

	// MaxDiskUsagePercent is the volume usage ceiling, in percent, past
	// which appends are rejected with ErrQuotaExceeded. 100 disables the
	// check. The zero value selects DefaultMaxDiskUsagePercent.
	MaxDiskUsagePercent uint16 `yaml:"max_disk_usage_percent"`

	// Backend overrides the storage backend. When nil, a local filesystem
	// backend rooted at Dir is used.
	Backend storage.Backend `yaml:"-"`

	// Metrics receives the engine's Prometheus metrics. When nil, metrics
	// are recorded but not registered anywhere.
	Metrics *Metrics `yaml:"-"`

	// OnBackgroundError, when set, observes failures from background
	// checkpointing and reclamation. The same error is also returned from
	// the next Append, Checkpoint or Close call.
	OnBackgroundError func(error) `yaml:"-"`
}

// DefaultConfig returns the default configuration for a log directory:
// 1 MiB preallocation, a 768 KiB checkpoint threshold, a 16 KiB buffer and
// a 95% disk usage ceiling.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                  dir,
		PreallocateBytes:     DefaultPreallocateBytes,
		CheckpointAfterBytes: DefaultCheckpointAfterBytes,
		BufferBytes:          DefaultBufferBytes,
		MaxDiskUsagePercent:  DefaultMaxDiskUsagePercent,
	}
}

// LoadConfig reads a YAML configuration file. Fields absent from the file
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("chunklog: failed to read config %s: %w", path, err)
	}

	cfg := Config{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("chunklog: failed to parse config %s: %w", path, err)
	}
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.PreallocateBytes == 0 {
		c.PreallocateBytes = DefaultPreallocateBytes
	}
	if c.CheckpointAfterBytes == 0 {
		c.CheckpointAfterBytes = DefaultCheckpointAfterBytes
	}
	if c.BufferBytes == 0 {
		c.BufferBytes = DefaultBufferBytes
	}
	if c.MaxDiskUsagePercent == 0 {
		c.MaxDiskUsagePercent = DefaultMaxDiskUsagePercent
	}
	return c
}

// Validate checks the configuration. A CheckpointAfterBytes at or above
// PreallocateBytes is legal but will roll segments mid-entry more often;
// it is not rejected here.
func (c Config) Validate() error {
	if c.Dir == "" && c.Backend == nil {
		return errors.New("chunklog: either Dir or Backend is required")
	}
	if c.MaxDiskUsagePercent > 100 {
		return fmt.Errorf("chunklog: max disk usage percent %d outside [0,100]", c.MaxDiskUsagePercent)
	}
	if len(c.VersionInfo) > 255 {
		return fmt.Errorf("chunklog: version info is %d bytes, limit is 255", len(c.VersionInfo))
	}
	if c.BufferBytes < 0 {
		return errors.New("chunklog: buffer bytes must not be negative")
	}
	// A segment must fit its header plus at least one one-byte fragment,
	// or an append could never make progress inside it.
	minExtent := segment.Header{VersionInfo: c.VersionInfo}.EncodedLen() + chunkio.HeaderSize + 1
	if int64(c.PreallocateBytes) < int64(minExtent) {
		return fmt.Errorf("chunklog: preallocate bytes %d cannot hold a segment header and a chunk", c.PreallocateBytes)
	}
	return nil
}
