package shim

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	"github.com/MarcinKonowalczyk/bfvm/utils"
	"github.com/containerd/errdefs"
)

// makeBundle writes a bundle with a rootfs holding files and a config.json
// running args with env.
func makeBundle(t *testing.T, files map[string]string, args []string, env []string) string {
	t.Helper()
	bundle := t.TempDir()
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(rootfs, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	data, err := json.Marshal(config{
		Root:    root{Path: rootfs},
		Process: process{Args: args, Env: env},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundle, configFilename), data, 0644); err != nil {
		t.Fatal(err)
	}
	return bundle
}

func TestReadConfig(t *testing.T) {
	bundle := makeBundle(t,
		map[string]string{"echo.bf": ",.", "in.txt": "A"},
		[]string{"echo.bf", "in.txt"},
		[]string{"PATH=/bin", "BF_MEMORY_SIZE=16", "BF_BATCH_SIZE=4"},
	)
	c, err := ReadConfig(bundle)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, c.Entrypoint, "echo.bf")
	utils.AssertEqual(t, c.InputFile, "in.txt")
	utils.AssertEqual(t, c.Interpreter, bf.Config{MemorySize: 16, BatchSize: 4})

	source, err := c.Source()
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, source, ",.")
	input, err := c.Input()
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, input, "A")
}

func TestReadConfig_NoInput(t *testing.T) {
	bundle := makeBundle(t, map[string]string{"a.brainfuck": "+"}, []string{"a.brainfuck"}, nil)
	c, err := ReadConfig(bundle)
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, c.Interpreter, bf.DefaultConfig())
	input, err := c.Input()
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, input, "")
}

func TestReadConfig_MissingConfig(t *testing.T) {
	_, err := ReadConfig(t.TempDir())
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}

func TestReadConfig_NotBrainfuck(t *testing.T) {
	bundle := makeBundle(t, map[string]string{"a.sh": ""}, []string{"a.sh"}, nil)
	_, err := ReadConfig(bundle)
	utils.Assert(t, errdefs.IsInvalidArgument(err), "expected invalid argument")
}

func TestReadConfig_TooManyArgs(t *testing.T) {
	bundle := makeBundle(t, map[string]string{"a.bf": ""}, []string{"a.bf", "b", "c"}, nil)
	_, err := ReadConfig(bundle)
	utils.Assert(t, errdefs.IsInvalidArgument(err), "expected invalid argument")
}

func TestReadConfig_MissingScript(t *testing.T) {
	bundle := makeBundle(t, nil, []string{"a.bf"}, nil)
	_, err := ReadConfig(bundle)
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}

func TestReadConfig_MissingInput(t *testing.T) {
	bundle := makeBundle(t, map[string]string{"a.bf": ""}, []string{"a.bf", "in.txt"}, nil)
	_, err := ReadConfig(bundle)
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}

func TestReadConfig_BadEnv(t *testing.T) {
	bundle := makeBundle(t, map[string]string{"a.bf": ""}, []string{"a.bf"}, []string{"BF_BATCH_SIZE=zero"})
	_, err := ReadConfig(bundle)
	utils.Assert(t, errdefs.IsInvalidArgument(err), "expected invalid argument")
}

func TestReadConfig_MemoryTooLarge(t *testing.T) {
	bundle := makeBundle(t, map[string]string{"a.bf": ""}, []string{"a.bf"}, []string{"BF_MEMORY_SIZE=4611686018427387904"})
	_, err := ReadConfig(bundle)
	utils.Assert(t, errdefs.IsInvalidArgument(err), "expected invalid argument")
}
