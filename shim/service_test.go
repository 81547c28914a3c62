package shim

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcinKonowalczyk/bfvm/bf"
	"github.com/MarcinKonowalczyk/bfvm/utils"
	taskAPI "github.com/containerd/containerd/api/runtime/task/v2"
	tasktypes "github.com/containerd/containerd/api/types/task"
	"github.com/containerd/errdefs"
)

type fakeShutdown struct {
	calls atomic.Int32
}

func (f *fakeShutdown) Shutdown() {
	f.calls.Add(1)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func create(t *testing.T, s *bfTaskService, id, program, input string) {
	t.Helper()
	files := map[string]string{"main.bf": program}
	args := []string{"main.bf"}
	if input != "" {
		files["in.txt"] = input
		args = append(args, "in.txt")
	}
	bundle := makeBundle(t, files, args, nil)
	_, err := s.Create(testContext(t), &taskAPI.CreateTaskRequest{ID: id, Bundle: bundle})
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func TestService_RunToCompletion(t *testing.T) {
	sd := &fakeShutdown{}
	s := newService(sd)
	ctx := testContext(t)
	create(t, s, "echo", ",.,.", "hi")

	state, err := s.State(ctx, &taskAPI.StateRequest{ID: "echo"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.Status, tasktypes.Status_CREATED)

	_, err = s.Start(ctx, &taskAPI.StartRequest{ID: "echo"})
	utils.AssertNoError(t, err)

	wait, err := s.Wait(ctx, &taskAPI.WaitRequest{ID: "echo"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, wait.ExitStatus, 0)
	utils.AssertEqual(t, s.tasks["echo"].output, "hi")
	utils.AssertEqual(t, sd.calls.Load(), 1)

	state, err = s.State(ctx, &taskAPI.StateRequest{ID: "echo"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, state.Status, tasktypes.Status_STOPPED)

	_, err = s.Start(ctx, &taskAPI.StartRequest{ID: "echo"})
	utils.Assert(t, errdefs.IsFailedPrecondition(err), "expected failed precondition")

	deleted, err := s.Delete(ctx, &taskAPI.DeleteRequest{ID: "echo"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, deleted.ExitStatus, 0)

	_, err = s.State(ctx, &taskAPI.StateRequest{ID: "echo"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}

func TestService_KillRunning(t *testing.T) {
	s := newService(&fakeShutdown{})
	ctx := testContext(t)
	create(t, s, "loop", "+[]", "")

	_, err := s.Start(ctx, &taskAPI.StartRequest{ID: "loop"})
	utils.AssertNoError(t, err)

	_, err = s.Delete(ctx, &taskAPI.DeleteRequest{ID: "loop"})
	utils.Assert(t, errdefs.IsFailedPrecondition(err), "expected failed precondition")

	_, err = s.Kill(ctx, &taskAPI.KillRequest{ID: "loop", Signal: 15})
	utils.AssertNoError(t, err)

	wait, err := s.Wait(ctx, &taskAPI.WaitRequest{ID: "loop"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, wait.ExitStatus, uint32(exitStatusCancelled))
	utils.AssertEqual(t, s.tasks["loop"].interpreter.State(), bf.Cancelled)

	// killing an exited task is a no-op
	_, err = s.Kill(ctx, &taskAPI.KillRequest{ID: "loop"})
	utils.AssertNoError(t, err)
}

func TestService_KillBeforeStart(t *testing.T) {
	s := newService(&fakeShutdown{})
	ctx := testContext(t)
	create(t, s, "idle", "+.", "")

	_, err := s.Kill(ctx, &taskAPI.KillRequest{ID: "idle"})
	utils.AssertNoError(t, err)

	wait, err := s.Wait(ctx, &taskAPI.WaitRequest{ID: "idle"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, wait.ExitStatus, uint32(exitStatusCancelled))

	_, err = s.Start(ctx, &taskAPI.StartRequest{ID: "idle"})
	utils.Assert(t, errdefs.IsFailedPrecondition(err), "expected failed precondition")
}

func TestService_ShutdownWaitsForAllTasks(t *testing.T) {
	sd := &fakeShutdown{}
	s := newService(sd)
	ctx := testContext(t)
	create(t, s, "a", "+", "")
	create(t, s, "b", "+", "")

	_, err := s.Start(ctx, &taskAPI.StartRequest{ID: "a"})
	utils.AssertNoError(t, err)
	_, err = s.Wait(ctx, &taskAPI.WaitRequest{ID: "a"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, sd.calls.Load(), 0)

	_, err = s.Start(ctx, &taskAPI.StartRequest{ID: "b"})
	utils.AssertNoError(t, err)
	_, err = s.Wait(ctx, &taskAPI.WaitRequest{ID: "b"})
	utils.AssertNoError(t, err)
	utils.AssertEqual(t, sd.calls.Load(), 1)
}

func TestService_CreateInvalidProgram(t *testing.T) {
	s := newService(&fakeShutdown{})
	bundle := makeBundle(t, map[string]string{"bad.bf": "[[]"}, []string{"bad.bf"}, nil)
	_, err := s.Create(testContext(t), &taskAPI.CreateTaskRequest{ID: "bad", Bundle: bundle})
	utils.AssertErrorIs(t, err, bf.ErrUnmatchedLoopOpen)
	utils.Assert(t, errdefs.IsInvalidArgument(err), "expected invalid argument")
}

func TestService_CreateTwice(t *testing.T) {
	s := newService(&fakeShutdown{})
	create(t, s, "dup", "+", "")
	bundle := makeBundle(t, map[string]string{"main.bf": "+"}, []string{"main.bf"}, nil)
	_, err := s.Create(testContext(t), &taskAPI.CreateTaskRequest{ID: "dup", Bundle: bundle})
	utils.Assert(t, errdefs.IsAlreadyExists(err), "expected already exists")
}

func TestService_UnknownTask(t *testing.T) {
	s := newService(&fakeShutdown{})
	_, err := s.Wait(testContext(t), &taskAPI.WaitRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
	_, err = s.Kill(testContext(t), &taskAPI.KillRequest{ID: "nope"})
	utils.Assert(t, errdefs.IsNotFound(err), "expected not found")
}
