package bf

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/containerd/errdefs"
)

const (
	DefaultMemorySize = 30_000
	DefaultBatchSize  = 20
	// MaxMemorySize bounds the tape allocation
	MaxMemorySize = 1 << 26
)

// Config holds the interpreter tunables.
type Config struct {
	// Number of cells on the tape
	MemorySize int `toml:"memory_size"`
	// Number of commands executed between two yield points. Halt is observed
	// at most one batch after it is requested.
	BatchSize int `toml:"batch_size"`
}

func DefaultConfig() Config {
	return Config{
		MemorySize: DefaultMemorySize,
		BatchSize:  DefaultBatchSize,
	}
}

func (c Config) normalize() Config {
	if c.MemorySize <= 0 {
		c.MemorySize = DefaultMemorySize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	return c
}

// Validate rejects tapes larger than MaxMemorySize. Non-positive values are
// valid and mean the default.
func (c Config) Validate() error {
	if c.MemorySize > MaxMemorySize {
		return errdefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("memory size %d exceeds the maximum of %d", c.MemorySize, MaxMemorySize),
		)
	}
	return nil
}

// LoadConfig decodes a toml file on top of the default config.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, errdefs.ErrInvalidArgument.WithMessage(
			fmt.Sprintf("unknown keys in config %s: %s", path, strings.Join(keys, ", ")),
		)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg.normalize(), nil
}
