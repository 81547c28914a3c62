package bf

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/containerd/errdefs"
	"github.com/containerd/log"
)

// errCancelled satisfies the interface errdefs.IsCanceled looks for.
type errCancelled struct{}

func (errCancelled) Error() string { return "cancelled" }

func (errCancelled) Cancelled() {}

var (
	// ErrCancelled is returned by Run when the interpreter was halted, or its
	// context cancelled, before the program finished.
	ErrCancelled error = errCancelled{}
	// ErrAlreadyStarted is returned by a second call to Run.
	ErrAlreadyStarted = errdefs.ErrFailedPrecondition.WithMessage("interpreter already started")
)

type State int32

const (
	Ready State = iota
	Running
	Completed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type Result struct {
	Output string
	Err    error
}

// Interpreter executes one program against one tape and one input stream.
// It is single use.
type Interpreter struct {
	Program     []Command
	program_ptr int
	mem         []uint8
	mem_ptr     int
	loops       []int
	input       *InputStream
	output      []byte

	// pending run-length deltas
	acc_move int
	acc_add  int

	batch  int
	steps  uint64
	halted atomic.Bool
	state  atomic.Int32
}

// NewInterpreter expects cfg to pass Validate; NewWithConfig checks it.
func NewInterpreter(program []Command, input *InputStream, cfg Config) *Interpreter {
	cfg = cfg.normalize()
	if input == nil {
		input = NewInputStream("")
	}
	return &Interpreter{
		Program: program,
		mem:     make([]uint8, cfg.MemorySize),
		input:   input,
		batch:   cfg.BatchSize,
	}
}

// New lexes and validates the source. A malformed program never gets an
// interpreter.
func New(source, input string) (*Interpreter, error) {
	return NewWithConfig(source, input, DefaultConfig())
}

func NewWithConfig(source, input string, cfg Config) (*Interpreter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	program, err := Lex(source)
	if err != nil {
		return nil, err
	}
	return NewInterpreter(program, NewInputStream(input), cfg), nil
}

func (i *Interpreter) MemoryLength() int {
	return len(i.mem)
}

// At returns the value of cell j. Out of range indices are clamped.
func (i *Interpreter) At(j int) uint8 {
	return i.mem[i.clamp(j)]
}

func (i *Interpreter) Pointer() int {
	return i.mem_ptr
}

// Steps returns the number of commands executed so far
func (i *Interpreter) Steps() uint64 {
	return i.steps
}

func (i *Interpreter) State() State {
	return State(i.state.Load())
}

// Halt requests cancellation. It never blocks and may be called at any time
// from any goroutine; the running program stops at the next batch boundary.
func (i *Interpreter) Halt() {
	i.halted.Store(true)
}

func (i *Interpreter) clamp(j int) int {
	if j < 0 {
		return 0
	}
	if j > len(i.mem)-1 {
		return len(i.mem) - 1
	}
	return j
}

func (i *Interpreter) next() Command {
	if i.program_ptr+1 < len(i.Program) {
		return i.Program[i.program_ptr+1]
	}
	return Ignore
}

// step executes the command under the program pointer. Moves and adds are
// accumulated until the following command is of another class.
func (i *Interpreter) step() {
	c := i.Program[i.program_ptr]
	i.steps++
	switch c {
	case Right, Left:
		i.acc_move += c.delta()
		if i.next().class() != classMove {
			i.mem_ptr = i.clamp(i.mem_ptr + i.acc_move)
			i.acc_move = 0
		}
	case Increment, Decrement:
		i.acc_add += c.delta()
		if i.next().class() != classAdd {
			i.mem[i.mem_ptr] = uint8((int(i.mem[i.mem_ptr]) + i.acc_add) & 0xff)
			i.acc_add = 0
		}
	case Input:
		i.mem[i.mem_ptr] = i.input.Read()
	case Output:
		i.output = append(i.output, i.mem[i.mem_ptr])
	case LoopStart:
		i.loops = append(i.loops, i.program_ptr)
	case LoopEnd:
		if len(i.loops) == 0 {
			panic("bf: loop stack underflow (program was not validated)")
		}
		target := i.loops[len(i.loops)-1]
		i.loops = i.loops[:len(i.loops)-1]
		if i.mem[i.mem_ptr] != 0 {
			i.program_ptr = target
			return
		}
	default:
		panic("Unknown command")
	}
	i.program_ptr++
}

func (i *Interpreter) cancel(ctx context.Context) (string, error) {
	i.state.Store(int32(Cancelled))
	log.G(ctx).WithField("steps", i.steps).Debug("bf: run cancelled")
	return "", ErrCancelled
}

// Run the program in batches until it finishes, yielding to the scheduler
// between batches. Halt and ctx cancellation are checked at every batch
// boundary and make Run fail with ErrCancelled; partial output is dropped.
func (i *Interpreter) Run(ctx context.Context) (string, error) {
	if !i.state.CompareAndSwap(int32(Ready), int32(Running)) {
		return "", ErrAlreadyStarted
	}
	log.G(ctx).WithField("commands", len(i.Program)).Debug("bf: run started")

	for i.program_ptr < len(i.Program) {
		if i.halted.Load() || ctx.Err() != nil {
			return i.cancel(ctx)
		}
		i.runBatch()
		runtime.Gosched()
	}
	return i.complete(ctx)
}

func (i *Interpreter) runBatch() {
	for n := 0; n < i.batch && i.program_ptr < len(i.Program); n++ {
		i.step()
	}
}

// complete ends a run whose program pointer reached the end. A halt that
// landed during the last batch still wins.
func (i *Interpreter) complete(ctx context.Context) (string, error) {
	if i.halted.Load() {
		return i.cancel(ctx)
	}
	i.state.Store(int32(Completed))
	log.G(ctx).WithField("steps", i.steps).Debug("bf: run completed")
	return string(i.output), nil
}

// Start runs the program on its own goroutine. The channel receives exactly
// one result.
func (i *Interpreter) Start(ctx context.Context) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		out, err := i.Run(ctx)
		ch <- Result{Output: out, Err: err}
	}()
	return ch
}
