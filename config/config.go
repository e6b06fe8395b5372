// Package config loads database configuration from YAML and turns it into
// open options.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/velodb/velo"
	"github.com/velodb/velo/wal"
)

// Config is the root configuration.
type Config struct {
	Dir        string        `yaml:"dir"`
	Namespace  string        `yaml:"namespace"`
	GCInterval time.Duration `yaml:"gc_interval"`
	Logger     LoggerConfig  `yaml:"logger"`
	WAL        WALConfig     `yaml:"wal"`
}

type LoggerConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

type WALConfig struct {
	SegmentSize int64  `yaml:"segment_size"`
	BufferSize  int    `yaml:"buffer_size"`
	Compression string `yaml:"compression"` // none, zstd, lz4
	Checksum    string `yaml:"checksum"`    // crc32, xxhash
}

// Default returns a baseline config.
func Default() Config {
	return Config{
		Dir:        "./data",
		Namespace:  "default",
		GCInterval: time.Minute,
		Logger:     LoggerConfig{Level: "info"},
	}
}

// Load reads and parses a YAML config file, layered over Default.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Options converts the config into database open options.
func (c Config) Options() ([]velo.Option, error) {
	var compression wal.Compression

	switch c.WAL.Compression {
	case "", "none":
		compression = wal.CompressionNone
	case "zstd":
		compression = wal.CompressionZstd
	case "lz4":
		compression = wal.CompressionLZ4
	default:
		return nil, fmt.Errorf("config: unknown compression %q", c.WAL.Compression)
	}

	var checksum wal.ChecksumFunc

	switch c.WAL.Checksum {
	case "", "crc32":
		checksum = wal.ChecksumCRC32
	case "xxhash":
		checksum = wal.ChecksumXXHash
	default:
		return nil, fmt.Errorf("config: unknown checksum %q", c.WAL.Checksum)
	}

	opts := []velo.Option{
		velo.WithNamespace(c.Namespace),
		velo.WithGCInterval(c.GCInterval),
		velo.WithLogger(c.logger()),
		velo.WithWALOptions(func(o *wal.Options) {
			if c.WAL.SegmentSize > 0 {
				o.SegmentSize = c.WAL.SegmentSize
			}

			if c.WAL.BufferSize > 0 {
				o.BufferSize = c.WAL.BufferSize
			}

			o.Compression = compression
			o.Checksum = checksum
		}),
	}

	return opts, nil
}

func (c Config) logger() *velo.Logger {
	level := parseLevel(c.Logger.Level)

	if c.Logger.JSON {
		return velo.NewJSONLogger(level)
	}

	return velo.NewTextLogger(level)
}
