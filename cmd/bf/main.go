package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

const (
	exitOK        = 0
	exitError     = 1
	exitCancelled = 130
)

type options struct {
	filename  string
	code      string
	input     string
	inputFile string
	config    string
	debug     bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	fs := flag.NewFlagSet("bf", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.filename, "file", "", "brainfuck source file")
	fs.StringVar(&opts.code, "code", "", "brainfuck source, instead of -file")
	fs.StringVar(&opts.input, "input", "", "program input")
	fs.StringVar(&opts.inputFile, "input-file", "", "read program input from a file ('-' for stdin)")
	fs.StringVar(&opts.config, "config", "", "toml file with memory_size and batch_size")
	fs.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if (opts.filename == "") == (opts.code == "") {
		return nil, fmt.Errorf("exactly one of -file or -code is required: %w", errdefs.ErrInvalidArgument)
	}
	if opts.input != "" && opts.inputFile != "" {
		return nil, fmt.Errorf("-input and -input-file are mutually exclusive: %w", errdefs.ErrInvalidArgument)
	}
	return opts, nil
}

func (o *options) source() (string, error) {
	if o.code != "" {
		return o.code, nil
	}
	data, err := os.ReadFile(o.filename)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (o *options) programInput(stdin io.Reader) (string, error) {
	switch o.inputFile {
	case "":
		return o.input, nil
	case "-":
		data, err := io.ReadAll(stdin)
		return string(data), err
	default:
		data, err := os.ReadFile(o.inputFile)
		return string(data), err
	}
}

func (o *options) loadConfig() (bf.Config, error) {
	if o.config == "" {
		return bf.DefaultConfig(), nil
	}
	return bf.LoadConfig(o.config)
}

// run executes the program until it completes or ctx is done, in which case
// the interpreter is halted.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
	if opts.debug {
		if err := log.SetLevel("debug"); err != nil {
			fmt.Fprintln(stderr, "Error:", err)
			return exitError
		}
	}

	source, err := opts.source()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
	input, err := opts.programInput(stdin)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}
	cfg, err := opts.loadConfig()
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}

	interpreter, err := bf.NewWithConfig(source, input, cfg)
	if err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitError
	}

	start := time.Now()
	results := interpreter.Start(context.WithoutCancel(ctx))

	var res bf.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		log.G(ctx).Debug("halting interpreter")
		interpreter.Halt()
		res = <-results
	}
	elapsed := time.Since(start)

	if res.Err != nil {
		fmt.Fprintln(stderr, "Error:", res.Err)
		fmt.Fprintf(stderr, "time: %.3f ms\n", float64(elapsed.Microseconds())/1000)
		if errdefs.IsCanceled(res.Err) {
			return exitCancelled
		}
		return exitError
	}

	io.WriteString(stdout, res.Output)
	fmt.Fprintf(stderr, "time: %.3f ms\n", float64(elapsed.Microseconds())/1000)
	return exitOK
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	cancel()
	os.Exit(code)
}
