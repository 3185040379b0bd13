// Package config loads the kernel configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sushant-115/gojokernel/core/catalog"
	"github.com/sushant-115/gojokernel/core/indexing/hash"
	"github.com/sushant-115/gojokernel/core/transaction/concurrency"
	"github.com/sushant-115/gojokernel/core/write_engine/buffer"
	"github.com/sushant-115/gojokernel/pkg/logger"
	"github.com/sushant-115/gojokernel/pkg/telemetry"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBlockSize = 4096
	DefaultLogFile   = "gojodb.log"
	envPrefix        = "GOJODB_"
)

type BufferConfig struct {
	PoolSize    int           `yaml:"pool_size"`
	MaxWait     time.Duration `yaml:"max_wait"`
	WaitEpsilon time.Duration `yaml:"wait_epsilon"`
	MaxEscapes  int           `yaml:"max_escapes"`
}

type LockConfig struct {
	MaxWait     time.Duration `yaml:"max_wait"`
	WaitEpsilon time.Duration `yaml:"wait_epsilon"`
}

// Config holds all the configuration of a kernel instance.
type Config struct {
	DataDir   string `yaml:"data_dir"`
	BlockSize int    `yaml:"block_size"`
	LogFile   string `yaml:"log_file"`
	// Isolation is the level used when a caller does not pick one.
	Isolation string `yaml:"isolation"`

	Buffer    BufferConfig     `yaml:"buffer"`
	Lock      LockConfig       `yaml:"lock"`
	Catalog   catalog.Config   `yaml:"catalog"`
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

func Default() Config {
	bufs := buffer.DefaultConfig()
	locks := concurrency.DefaultLockTableConfig()
	cat := catalog.DefaultConfig()
	cat.HashBuckets = hash.DefaultBuckets
	return Config{
		DataDir:   "gojodb_data",
		BlockSize: DefaultBlockSize,
		LogFile:   DefaultLogFile,
		Isolation: concurrency.Serializable.String(),
		Buffer: BufferConfig{
			PoolSize:    bufs.PoolSize,
			MaxWait:     bufs.MaxWait,
			WaitEpsilon: bufs.WaitEpsilon,
			MaxEscapes:  bufs.MaxEscapes,
		},
		Lock:    LockConfig{MaxWait: locks.MaxWait, WaitEpsilon: locks.WaitEpsilon},
		Catalog: cat,
		Logger:  logger.Config{Level: "info", Format: "json", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName:      "gojokernel",
			TraceSampleRatio: 1,
		},
	}
}

// Load reads path over the defaults. An empty path or a missing file
// leaves the defaults in place.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from GOJODB_* environment variables.
func (c *Config) ApplyEnv() error {
	var err error
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			n, convErr := strconv.Atoi(v)
			if convErr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", envPrefix, name, convErr))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + name); ok {
			d, parseErr := time.ParseDuration(v)
			if parseErr != nil {
				err = multierr.Append(err, fmt.Errorf("%s%s: %w", envPrefix, name, parseErr))
				return
			}
			*dst = d
		}
	}

	str("DATA_DIR", &c.DataDir)
	num("BLOCK_SIZE", &c.BlockSize)
	str("LOG_FILE", &c.LogFile)
	str("ISOLATION", &c.Isolation)
	num("BUFFER_POOL_SIZE", &c.Buffer.PoolSize)
	dur("BUFFER_MAX_WAIT", &c.Buffer.MaxWait)
	num("BUFFER_MAX_ESCAPES", &c.Buffer.MaxEscapes)
	dur("LOCK_MAX_WAIT", &c.Lock.MaxWait)
	num("HASH_BUCKETS", &c.Catalog.HashBuckets)
	str("LOG_LEVEL", &c.Logger.Level)
	str("LOG_FORMAT", &c.Logger.Format)
	num("PROMETHEUS_PORT", &c.Telemetry.PrometheusPort)
	if v, ok := os.LookupEnv(envPrefix + "TELEMETRY_ENABLED"); ok {
		b, parseErr := strconv.ParseBool(v)
		if parseErr != nil {
			err = multierr.Append(err, fmt.Errorf("%sTELEMETRY_ENABLED: %w", envPrefix, parseErr))
		} else {
			c.Telemetry.Enabled = b
		}
	}
	return err
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var err error
	if c.DataDir == "" {
		err = multierr.Append(err, errors.New("data_dir is required"))
	}
	if c.BlockSize < 64 {
		err = multierr.Append(err, fmt.Errorf("block_size %d is below 64 bytes", c.BlockSize))
	}
	if c.LogFile == "" {
		err = multierr.Append(err, errors.New("log_file is required"))
	}
	if c.Buffer.PoolSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("buffer.pool_size must be positive, got %d", c.Buffer.PoolSize))
	}
	if c.Buffer.MaxWait <= c.Buffer.WaitEpsilon {
		err = multierr.Append(err, errors.New("buffer.max_wait must exceed buffer.wait_epsilon"))
	}
	if c.Buffer.MaxEscapes < 0 {
		err = multierr.Append(err, errors.New("buffer.max_escapes must not be negative"))
	}
	if c.Lock.MaxWait <= c.Lock.WaitEpsilon {
		err = multierr.Append(err, errors.New("lock.max_wait must exceed lock.wait_epsilon"))
	}
	if _, parseErr := concurrency.ParseIsolationLevel(c.Isolation); parseErr != nil {
		err = multierr.Append(err, parseErr)
	}
	if c.Catalog.MaxNameLength <= 0 {
		err = multierr.Append(err, errors.New("catalog.max_name_length must be positive"))
	}
	return err
}

func (c Config) BufferConfig() buffer.Config {
	return buffer.Config{
		PoolSize:    c.Buffer.PoolSize,
		MaxWait:     c.Buffer.MaxWait,
		WaitEpsilon: c.Buffer.WaitEpsilon,
		MaxEscapes:  c.Buffer.MaxEscapes,
	}
}

func (c Config) LockTableConfig() concurrency.LockTableConfig {
	return concurrency.LockTableConfig{MaxWait: c.Lock.MaxWait, WaitEpsilon: c.Lock.WaitEpsilon}
}

// IsolationLevel parses Isolation. Validate reports an unknown name.
func (c Config) IsolationLevel() concurrency.IsolationLevel {
	level, _ := concurrency.ParseIsolationLevel(c.Isolation)
	return level
}
