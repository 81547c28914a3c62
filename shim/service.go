package shim

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/containerd/protobuf"
	ptypes "github.com/containerd/containerd/v2/pkg/protobuf/types"
	"github.com/containerd/containerd/v2/pkg/shim"
	"github.com/containerd/containerd/v2/pkg/shutdown"
	"github.com/containerd/errdefs"
	"github.com/containerd/fifo"
	"github.com/containerd/log"
	"github.com/containerd/ttrpc"
	"google.golang.org/protobuf/types/known/anypb"
)

const (
	exitStatusError     = 1
	exitStatusCancelled = exitCodeSignal + int(syscall.SIGKILL)
)

// task is one program running on an interpreter inside the shim process.
type task struct {
	interpreter *bf.Interpreter
	started     bool

	done       context.Context
	markDone   context.CancelFunc
	exitTime   time.Time
	exitStatus int
	output     string

	stdout string
	stderr string
	out    io.WriteCloser
	errOut io.WriteCloser
}

func (t *task) String() string {
	if t.done.Err() != nil {
		return fmt.Sprintf("exitTime:%s, exitStatus:%d", t.exitTime.Format(time.RFC3339), t.exitStatus)
	}
	return fmt.Sprintf("state:%s", t.interpreter.State())
}

func (t *task) status() tasktypes.Status {
	switch {
	case t.done.Err() != nil:
		return tasktypes.Status_STOPPED
	case t.started:
		return tasktypes.Status_RUNNING
	default:
		return tasktypes.Status_CREATED
	}
}

type shutdowner interface {
	Shutdown()
}

type bfTaskService struct {
	mu       sync.RWMutex
	tasks    map[string]*task
	shutdown shutdowner
	pid      int
	pidFiles bool
}

func newTaskService(ctx context.Context, sd shutdown.Service) (taskAPI.TaskService, error) {
	s := newService(sd)
	s.pidFiles = true
	return s, nil
}

func newService(sd shutdowner) *bfTaskService {
	return &bfTaskService{
		tasks:    make(map[string]*task, 1),
		shutdown: sd,
		pid:      os.Getpid(),
	}
}

// RegisterTTRPC allows TTRPC services to be registered with the underlying server
func (s *bfTaskService) RegisterTTRPC(server *ttrpc.Server) error {
	taskAPI.RegisterTaskService(server, s)
	return nil
}

var (
	_ = shim.TTRPCService(&bfTaskService{})
)

func (s *bfTaskService) get(id string) (*task, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task not created: %w", errdefs.ErrNotFound)
	}
	return t, nil
}

func (s *bfTaskService) grabContext(id string) (context.Context, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(id)
	if err != nil {
		return nil, err
	}
	return t.done, nil
}

func openFifo(ctx context.Context, path string) (io.WriteCloser, error) {
	ok, err := fifo.IsFifo(path)
	if err != nil {
		return nil, fmt.Errorf("checking whether file %s is a fifo: %w", path, err)
	}
	if !ok {
		return nil, fmt.Errorf("file %s is not a fifo", path)
	}
	fw, err := fifo.OpenFifo(ctx, path, syscall.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("opening write only fifo %s: %w", path, err)
	}
	return fw, nil
}

// Create compiles the bundle's program. It does not run it until Start.
func (s *bfTaskService) Create(ctx context.Context, r *taskAPI.CreateTaskRequest) (_ *taskAPI.CreateTaskResponse, retErr error) {
	log.G(ctx).WithField("id", r.ID).Debug("create (service)")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[r.ID]; ok {
		return nil, errdefs.ErrAlreadyExists
	}

	config, err := ReadConfig(r.Bundle)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	source, err := config.Source()
	if err != nil {
		return nil, fmt.Errorf("reading program %s: %w", config.Entrypoint, err)
	}
	input, err := config.Input()
	if err != nil {
		return nil, fmt.Errorf("reading input %s: %w", config.InputFile, err)
	}

	interpreter, err := bf.NewWithConfig(source, input, config.Interpreter)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", config.Entrypoint, err)
	}

	t := &task{
		interpreter: interpreter,
		stdout:      r.Stdout,
		stderr:      r.Stderr,
	}
	if t.stderr == "" {
		t.stderr = t.stdout
	}

	defer func() {
		if retErr != nil {
			for _, w := range []io.WriteCloser{t.out, t.errOut} {
				if w != nil {
					w.Close()
				}
			}
		}
	}()

	// fifos outlive the request
	fifoCtx := context.WithoutCancel(ctx)
	if t.stdout != "" {
		if t.out, err = openFifo(fifoCtx, t.stdout); err != nil {
			return nil, err
		}
	}
	if t.stderr != "" {
		if t.errOut, err = openFifo(fifoCtx, t.stderr); err != nil {
			return nil, err
		}
	}

	t.done, t.markDone = context.WithCancel(context.Background())

	if s.pidFiles {
		if err := writePidFile(r.ID, s.pid); err != nil {
			log.G(ctx).WithError(err).Warn("failed to write pid file")
		}
	}

	s.tasks[r.ID] = t

	return &taskAPI.CreateTaskResponse{
		Pid: uint32(s.pid),
	}, nil
}

// Start the program on its interpreter
func (s *bfTaskService) Start(ctx context.Context, r *taskAPI.StartRequest) (*taskAPI.StartResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("start (service)")

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}
	if t.started || t.done.Err() != nil {
		return nil, errdefs.ErrFailedPrecondition.WithMessage(fmt.Sprintf("task %s already started", r.ID))
	}
	t.started = true

	runCtx := log.WithLogger(context.WithoutCancel(ctx), log.G(ctx).WithField("id", r.ID))
	go s.execute(runCtx, r.ID, t)

	return &taskAPI.StartResponse{
		Pid: uint32(s.pid),
	}, nil
}

func (s *bfTaskService) execute(ctx context.Context, id string, t *task) {
	out, err := t.interpreter.Run(ctx)

	status := 0
	switch {
	case err == nil:
		if t.out != nil {
			if _, err := io.WriteString(t.out, out); err != nil {
				log.G(ctx).WithError(err).Errorf("failed to write output to %s", t.stdout)
			}
		}
	case errdefs.IsCanceled(err):
		status = exitStatusCancelled
	default:
		status = exitStatusError
		if t.errOut != nil {
			fmt.Fprintln(t.errOut, err)
		}
	}
	log.G(ctx).WithField("steps", t.interpreter.Steps()).Debugf("program exited with status %d", status)

	s.finish(ctx, id, t, out, status)
}

// finish records the exit of t and shuts the shim down once every task is done
func (s *bfTaskService) finish(ctx context.Context, id string, t *task, output string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		log.G(ctx).Errorf("failed to write final status of task %s: task was removed", id)
	}

	t.output = output
	t.exitStatus = status
	t.exitTime = time.Now()
	for _, w := range []io.WriteCloser{t.out, t.errOut} {
		if w != nil {
			w.Close()
		}
	}
	t.markDone()
	log.G(ctx).Debugf("task %s exited: %s", id, t)

	allExited := true
	for _, other := range s.tasks {
		if other.done.Err() == nil {
			allExited = false
			break
		}
	}

	if allExited {
		log.G(ctx).Debug("all tasks exited. shutting down the shim")
		s.shutdown.Shutdown()
	}
}

// Delete a process or container
func (s *bfTaskService) Delete(ctx context.Context, r *taskAPI.DeleteRequest) (*taskAPI.DeleteResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("delete (service)")

	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}
	if t.done.Err() == nil {
		return nil, errdefs.ErrFailedPrecondition.WithMessage(fmt.Sprintf("task %s is not done yet", r.ID))
	}
	delete(s.tasks, r.ID)

	return &taskAPI.DeleteResponse{
		Pid:        uint32(s.pid),
		ExitStatus: uint32(t.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(t.exitTime),
	}, nil
}

// Exec an additional process inside the container
func (s *bfTaskService) Exec(ctx context.Context, r *taskAPI.ExecProcessRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("exec (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Exec (task)")
}

// ResizePty of a process
func (s *bfTaskService) ResizePty(ctx context.Context, r *taskAPI.ResizePtyRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("resizepty (service)")
	return &ptypes.Empty{}, nil
}

// State returns runtime state of a process
func (s *bfTaskService) State(ctx context.Context, r *taskAPI.StateRequest) (*taskAPI.StateResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("state (service)")

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(r.ID)
	if err != nil {
		return nil, err
	}

	return &taskAPI.StateResponse{
		ID:         r.ID,
		Pid:        uint32(s.pid),
		Status:     t.status(),
		Stdout:     t.stdout,
		Stderr:     t.stderr,
		ExitStatus: uint32(t.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(t.exitTime),
	}, nil
}

// Pause the container
func (s *bfTaskService) Pause(ctx context.Context, r *taskAPI.PauseRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("pause (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Pause (task)")
}

// Resume the container
func (s *bfTaskService) Resume(ctx context.Context, r *taskAPI.ResumeRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("resume (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Resume (task)")
}

// Kill halts the interpreter of a task and waits for it to exit. Every signal
// is treated as a halt request.
func (s *bfTaskService) Kill(ctx context.Context, r *taskAPI.KillRequest) (*ptypes.Empty, error) {
	log.G(ctx).WithField("id", r.ID).Debugf("kill (service) sig:%d", r.Signal)

	s.mu.Lock()
	t, err := s.get(r.ID)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	exited := t.done.Err() != nil
	started := t.started
	// a task killed before Start can never be started
	t.started = true
	s.mu.Unlock()

	if exited {
		log.G(ctx).Warnf("task already exited: %s", r.ID)
		return &ptypes.Empty{}, nil
	}

	t.interpreter.Halt()
	if !started {
		// nothing will ever observe the halt, so exit on its behalf
		s.finish(ctx, r.ID, t, "", exitStatusCancelled)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done.Done():
	}

	return &ptypes.Empty{}, nil
}

// Pids returns all pids inside the container
func (s *bfTaskService) Pids(ctx context.Context, r *taskAPI.PidsRequest) (*taskAPI.PidsResponse, error) {
	log.G(ctx).Debug("pids (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Pids (task)")
}

// CloseIO of a process
func (s *bfTaskService) CloseIO(ctx context.Context, r *taskAPI.CloseIORequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("closeio (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("CloseIO (task)")
}

// Checkpoint the container
func (s *bfTaskService) Checkpoint(ctx context.Context, r *taskAPI.CheckpointTaskRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("checkpoint (service)")
	return nil, errdefs.ErrNotImplemented.WithMessage("Checkpoint (task)")
}

// Connect returns shim information of the underlying service
func (s *bfTaskService) Connect(ctx context.Context, r *taskAPI.ConnectRequest) (*taskAPI.ConnectResponse, error) {
	log.G(ctx).Debug("connect (service)")

	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := s.get(r.ID); err != nil {
		return nil, err
	}

	return &taskAPI.ConnectResponse{
		ShimPid: uint32(s.pid),
		TaskPid: uint32(s.pid),
	}, nil
}

// Shutdown is called after the underlying resources of the shim are cleaned up and the service can be stopped
func (s *bfTaskService) Shutdown(ctx context.Context, r *taskAPI.ShutdownRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("shutdown (service)")

	s.mu.RLock()
	for _, t := range s.tasks {
		t.interpreter.Halt()
	}
	s.mu.RUnlock()

	s.shutdown.Shutdown()
	return &ptypes.Empty{}, nil
}

// Stats returns container level system stats for a container and its processes
func (s *bfTaskService) Stats(ctx context.Context, r *taskAPI.StatsRequest) (*taskAPI.StatsResponse, error) {
	log.G(ctx).Debug("stats (service)")
	return &taskAPI.StatsResponse{
		Stats: &anypb.Any{},
	}, nil
}

// Update the live container
func (s *bfTaskService) Update(ctx context.Context, r *taskAPI.UpdateTaskRequest) (*ptypes.Empty, error) {
	log.G(ctx).Debug("update (service)")
	return nil, errdefs.ErrAborted.WithMessage("Update (task)")
}

// Wait for a task to exit
func (s *bfTaskService) Wait(ctx context.Context, r *taskAPI.WaitRequest) (*taskAPI.WaitResponse, error) {
	log.G(ctx).WithField("id", r.ID).Debug("wait (service)")

	done, err := s.grabContext(r.ID)
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done.Done():
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.get(r.ID)
	if err != nil {
		return nil, fmt.Errorf("task was removed: %w", err)
	}

	return &taskAPI.WaitResponse{
		ExitStatus: uint32(t.exitStatus),
		ExitedAt:   protobuf.ToTimestamp(t.exitTime),
	}, nil
}
