package shim

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	"github.com/containerd/errdefs"
)

const configFilename = "config.json"

const (
	envMemorySize = "BF_MEMORY_SIZE"
	envBatchSize  = "BF_BATCH_SIZE"
)

type root struct {
	// Path is the path to the rootfs
	Path string `json:"path"`
}

type process struct {
	// Args is the program to run, optionally followed by an input file
	Args []string `json:"args"`
	// Env is the environment variables to set
	Env []string `json:"env"`
}

type config struct {
	Root    root    `json:"root"`
	Process process `json:"process"`
}

type Config struct {
	Root       string
	Entrypoint string
	// InputFile is relative to Root. Empty means no input.
	InputFile   string
	Interpreter bf.Config
}

// ReadConfig reads the OCI config of the bundle at path and checks that it
// points at a brainfuck program inside the rootfs.
func ReadConfig(path string) (*Config, error) {
	filePath := filepath.Join(path, configFilename)
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s: %w", configFilename, errdefs.ErrNotFound)
		}
		return nil, err
	}
	var config config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configFilename, err)
	}

	if config.Root.Path == "" {
		return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("root path not found in config file %s", configFilename))
	}

	if n := len(config.Process.Args); n < 1 || n > 2 {
		return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("incorrect number of args in the CMD. Expected 1 or 2, got %d", n))
	}

	arg0 := config.Process.Args[0]
	if !(filepath.Ext(arg0) == ".bf" || filepath.Ext(arg0) == ".brainfuck") {
		return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("entry point (%s) is not a .bf file", arg0))
	}

	c := &Config{
		Root:        config.Root.Path,
		Entrypoint:  arg0,
		Interpreter: bf.DefaultConfig(),
	}
	if len(config.Process.Args) == 2 {
		c.InputFile = config.Process.Args[1]
	}

	for _, name := range []string{c.Entrypoint, c.InputFile} {
		if name == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(c.Root, name)); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("file %s does not exist: %w", name, errdefs.ErrNotFound)
			}
			return nil, fmt.Errorf("checking file %s: %w", name, err)
		}
	}

	for _, env := range config.Process.Env {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		var target *int
		switch key {
		case envMemorySize:
			target = &c.Interpreter.MemorySize
		case envBatchSize:
			target = &c.Interpreter.BatchSize
		default:
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return nil, errdefs.ErrInvalidArgument.WithMessage(fmt.Sprintf("%s must be a positive integer, got %q", key, value))
		}
		*target = n
	}
	if err := c.Interpreter.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) FullPath() string {
	return filepath.Join(c.Root, c.Entrypoint)
}

// Source returns the program text
func (c *Config) Source() (string, error) {
	data, err := os.ReadFile(c.FullPath())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Input returns the program input, empty when no input file is configured
func (c *Config) Input() (string, error) {
	if c.InputFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(filepath.Join(c.Root, c.InputFile))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
