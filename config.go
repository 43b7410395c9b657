package gridstore

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v2"
)

// Config configures a StorageManager. Every key from the configuration
// table lives here as a typed field; yaml tags match the `sm.*` /
// `rest.*` dotted names so LoadConfig can read a config file using the
// same names operators already know from the key table.
type Config struct {
	// Paths lists the array root directories this manager serves.
	// validate requires at least one entry; nothing else reads it, since
	// every call takes a full array URI.
	Paths []string `yaml:"paths"`

	// TileCacheSize is the LRU cap in bytes (sm.tile_cache_size).
	TileCacheSize int64 `yaml:"sm.tile_cache_size"`
	// NumReaderThreads sizes the reader pool (sm.num_reader_threads).
	NumReaderThreads int `yaml:"sm.num_reader_threads"`
	// NumWriterThreads sizes the writer pool (sm.num_writer_threads).
	NumWriterThreads int `yaml:"sm.num_writer_threads"`
	// NumAsyncThreads sizes the async query pool (sm.num_async_threads).
	NumAsyncThreads int `yaml:"sm.num_async_threads"`

	// ConsolidationSteps is the merge policy step count
	// (sm.consolidation.steps).
	ConsolidationSteps int `yaml:"sm.consolidation.steps"`
	// ConsolidationStepMinFrags is the minimum fragment count considered
	// per step (sm.consolidation.step_min_frags).
	ConsolidationStepMinFrags int `yaml:"sm.consolidation.step_min_frags"`
	// ConsolidationStepMaxFrags is the maximum fragment count considered
	// per step (sm.consolidation.step_max_frags).
	ConsolidationStepMaxFrags int `yaml:"sm.consolidation.step_max_frags"`
	// ConsolidationStepSizeRatio bounds how close in size fragments must
	// be to merge together (sm.consolidation.step_size_ratio).
	ConsolidationStepSizeRatio float64 `yaml:"sm.consolidation.step_size_ratio"`

	// MinFreeBytes blocks local-backend writes that would push the
	// filesystem under this many free bytes.
	MinFreeBytes uint64 `yaml:"sm.min_free_bytes"`

	// RestServerAddress enables the REST client when non-empty
	// (rest.server_address).
	RestServerAddress string `yaml:"rest.server_address"`
	// RestSerializationFormat selects the REST client's wire encoding
	// (rest.server_serialization_format).
	RestSerializationFormat string `yaml:"rest.server_serialization_format"`

	// Logger is an optional structured logger. If nil, a stderr logger
	// at Info level is used, matching the ancestor project's default.
	Logger *slog.Logger `yaml:"-"`
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(h)
}

// withDefaults fills in zero-valued fields the way the ancestor's own
// config loader backfilled Server/Port/ServingPort, returning a new,
// fully-populated Config.
func (c Config) withDefaults() Config {
	if c.TileCacheSize <= 0 {
		c.TileCacheSize = 64 << 20 // 64MiB
	}
	if c.NumReaderThreads <= 0 {
		c.NumReaderThreads = 4
	}
	if c.NumWriterThreads <= 0 {
		c.NumWriterThreads = 4
	}
	if c.NumAsyncThreads <= 0 {
		c.NumAsyncThreads = 2
	}
	if c.ConsolidationSteps <= 0 {
		c.ConsolidationSteps = 1
	}
	if c.ConsolidationStepMinFrags <= 0 {
		c.ConsolidationStepMinFrags = 2
	}
	if c.ConsolidationStepMaxFrags <= 0 {
		c.ConsolidationStepMaxFrags = 10
	}
	if c.ConsolidationStepSizeRatio <= 0 {
		c.ConsolidationStepSizeRatio = 0.15
	}
	if c.Logger == nil {
		c.Logger = defaultLogger()
	}
	return c
}

func (c Config) validate() error {
	if len(c.Paths) == 0 {
		return newErr("Config.validate", KindInvalidArgument, fmt.Errorf("at least one path must be provided"))
	}
	return nil
}

// RestEnabled reports whether a REST client should be initialized,
// mirroring the ancestor's "presence of a key enables the feature"
// convention rather than a separate boolean flag.
func (c Config) RestEnabled() bool {
	return c.RestServerAddress != ""
}

// LoadConfig reads a YAML config file, the same way the ancestor's
// internal/config.GetConfig did, and applies withDefaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, newErr("LoadConfig", KindIOError, err)
	}

	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, newErr("LoadConfig", KindInvalidArgument, fmt.Errorf("parse %s: %w", path, err))
	}

	return c.withDefaults(), nil
}
