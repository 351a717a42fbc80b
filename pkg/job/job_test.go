package job_test

import (
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"lenrd/pkg/command"
	"lenrd/pkg/job"
	"lenrd/pkg/job/jobtest"
)

const killTimeout = 200 * time.Millisecond

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newJob(t *testing.T, task string, opts ...job.Option) (*job.Job, *jobtest.Recorder) {
	t.Helper()
	spec, err := command.New(command.Args{Application: "example", Environment: "production", Task: task})
	require.NoError(t, err)

	opts = append([]job.Option{
		job.WithBinary(jobtest.FakeLenr(t)),
		job.WithKillTimeout(killTimeout),
		job.WithWaitDelay(time.Second),
		job.WithLogger(zap.NewNop()),
	}, opts...)
	j := job.New(spec, opts...)
	j.SetID("job-" + task)

	rec := &jobtest.Recorder{}
	j.Subscribe(rec.Record)
	return j, rec
}

func assertSingleTrailingClose(t *testing.T, rec *jobtest.Recorder) {
	t.Helper()
	types := rec.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, 1, rec.Count(job.EventClosed))
	assert.Equal(t, job.EventClosed, types[len(types)-1])
}

func TestExecute_Finished(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskSleepy)
	assert.Equal(t, job.StatusCreated, j.Status())

	require.NoError(t, j.Execute())
	jobtest.WaitDone(t, j, 5*time.Second)

	events := rec.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, job.EventChanged, events[0].Type)
	assert.Equal(t, job.StatusRunning, events[0].Snapshot.Status)
	assert.NotZero(t, events[0].Snapshot.PID)
	assertSingleTrailingClose(t, rec)

	closed := events[len(events)-1].Snapshot
	assert.Equal(t, job.StatusFinished, closed.Status)
	require.NotNil(t, closed.ExitCode)
	assert.Equal(t, 0, *closed.ExitCode)
	assert.Equal(t, "sleeping example production\nawake\n", closed.Stdout)
	assert.Equal(t, closed.Stdout, closed.Output)
	assert.Equal(t, "example production dummy-sleepy", closed.Command)
	assert.Equal(t, job.StatusFinished, j.Status())
}

func TestExecute_OutputEventsPrecedeClose(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskSleepy)
	require.NoError(t, j.Execute())
	jobtest.WaitDone(t, j, 5*time.Second)

	var lastLen int
	for _, e := range rec.Events() {
		assert.GreaterOrEqual(t, len(e.Snapshot.Output), lastLen, "output shrank between events")
		lastLen = len(e.Snapshot.Output)
	}
	assert.GreaterOrEqual(t, rec.Count(job.EventChanged), 2)
}

func TestExecute_StderrOnlyInCombinedOutput(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskFail)
	require.NoError(t, j.Execute())
	jobtest.WaitDone(t, j, 5*time.Second)
	assertSingleTrailingClose(t, rec)

	snap := j.Snapshot()
	assert.Equal(t, job.StatusFailed, snap.Status)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 3, *snap.ExitCode)
	assert.Empty(t, snap.Stdout)
	assert.Equal(t, "boom\n", snap.Output)
}

func TestExecute_HighExitCodeCountsAsKilled(t *testing.T) {
	j, _ := newJob(t, jobtest.TaskExit130)
	require.NoError(t, j.Execute())
	jobtest.WaitDone(t, j, 5*time.Second)

	snap := j.Snapshot()
	assert.Equal(t, job.StatusKilled, snap.Status)
	require.NotNil(t, snap.ExitCode)
	assert.Equal(t, 130, *snap.ExitCode)
}

func TestExecute_SpawnFailure(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskSleepy, job.WithBinary("/nonexistent/lenr"))

	err := j.Execute()
	require.Error(t, err)
	jobtest.WaitDone(t, j, time.Second)

	assert.Equal(t, job.StatusFailed, j.Status())
	assert.NotEmpty(t, j.Snapshot().Output)
	assert.Equal(t, []job.EventType{job.EventClosed}, rec.Types())
}

func TestExecute_OnlyFromCreated(t *testing.T) {
	j, _ := newJob(t, jobtest.TaskSleepy)
	require.NoError(t, j.Execute())
	assert.ErrorIs(t, j.Execute(), job.ErrNotExecutable)
	jobtest.WaitDone(t, j, 5*time.Second)
	assert.ErrorIs(t, j.Execute(), job.ErrNotExecutable)
}

func TestDone_ClosedBeforeExecute(t *testing.T) {
	j, _ := newJob(t, jobtest.TaskSleepy)
	select {
	case <-j.Done():
	default:
		t.Fatal("Done should be closed for a job that never ran")
	}
}

func TestKill_EscalatesWhenTermIgnored(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskStubborn)
	require.NoError(t, j.Execute())
	jobtest.WaitOutput(t, j, "started", 5*time.Second)

	start := time.Now()
	require.NoError(t, j.Kill())
	assert.Equal(t, job.StatusKilling, j.Status())

	jobtest.WaitDone(t, j, killTimeout+3*time.Second)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, killTimeout)
	assert.Equal(t, job.StatusKilled, j.Status())
	assert.Nil(t, j.Snapshot().ExitCode)
	assertSingleTrailingClose(t, rec)
	assert.Contains(t, rec.Statuses(), job.StatusKilling)

	assert.ErrorIs(t, j.Kill(), job.ErrNotRunning)
	assert.Equal(t, job.StatusKilled, j.Status())
}

func TestKill_Idempotent(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskForever)
	require.NoError(t, j.Execute())
	jobtest.WaitOutput(t, j, "started", 5*time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, j.Kill())
		}()
	}
	wg.Wait()

	jobtest.WaitDone(t, j, 5*time.Second)
	assert.Equal(t, job.StatusKilled, j.Status())
	assertSingleTrailingClose(t, rec)

	killing := 0
	for _, s := range rec.Statuses() {
		if s == job.StatusKilling {
			killing++
		}
	}
	assert.GreaterOrEqual(t, killing, 1)
}

func TestKill_RequiresRunning(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskSleepy)

	assert.ErrorIs(t, j.Kill(), job.ErrNotRunning)
	assert.Equal(t, job.StatusCreated, j.Status())
	assert.Empty(t, rec.Events())
}

type sentSignal struct {
	pid int
	sig syscall.Signal
}

type scriptedSignaler struct {
	mu    sync.Mutex
	term  error         // returned for SIGTERM to any pid
	errs  map[int]error // returned for every signal to these pids, never forwarded
	sent  []sentSignal
	inner job.Signaler
}

func (s *scriptedSignaler) Signal(pid int, sig syscall.Signal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{pid: pid, sig: sig})
	s.mu.Unlock()
	if err, ok := s.errs[pid]; ok {
		return err
	}
	if sig == syscall.SIGTERM && s.term != nil {
		return s.term
	}
	return s.inner.Signal(pid, sig)
}

func (s *scriptedSignaler) Sent() []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []syscall.Signal
	for _, e := range s.sent {
		out = append(out, e.sig)
	}
	return out
}

func (s *scriptedSignaler) SentTo(pid int) []syscall.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []syscall.Signal
	for _, e := range s.sent {
		if e.pid == pid {
			out = append(out, e.sig)
		}
	}
	return out
}

type rootOnly struct{}

func (rootOnly) Tree(pid int) ([]int, error) { return []int{pid}, nil }

// withExtra reports one more descendant than the real tree has.
type withExtra struct{ extra int }

func (w withExtra) Tree(pid int) ([]int, error) { return []int{pid, w.extra}, nil }

func TestKill_SupervisionFailureForcesFailed(t *testing.T) {
	sig := &scriptedSignaler{term: syscall.EPERM, inner: job.SystemSignaler{}}
	j, rec := newJob(t, jobtest.TaskForever, job.WithSignaler(sig), job.WithTreeLister(rootOnly{}))
	require.NoError(t, j.Execute())
	jobtest.WaitOutput(t, j, "started", 5*time.Second)

	require.NoError(t, j.Kill())
	assert.Equal(t, job.StatusFailed, j.Status())
	assert.ErrorIs(t, j.Reset(), job.ErrBusy)

	// SIGKILL still follows
	jobtest.WaitDone(t, j, killTimeout+3*time.Second)

	assert.Equal(t, job.StatusFailed, j.Status())
	assert.Nil(t, j.Snapshot().ExitCode)
	assertSingleTrailingClose(t, rec)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, sig.Sent())
	assert.NoError(t, j.Reset())
}

func TestKill_EscalatesWhenOneDescendantCannotBeSignalled(t *testing.T) {
	const unreachable = 999999
	sig := &scriptedSignaler{
		errs:  map[int]error{unreachable: syscall.EPERM},
		inner: job.SystemSignaler{},
	}
	j, rec := newJob(t, jobtest.TaskStubborn, job.WithSignaler(sig), job.WithTreeLister(withExtra{extra: unreachable}))
	require.NoError(t, j.Execute())
	jobtest.WaitOutput(t, j, "started", 5*time.Second)
	root := j.Snapshot().PID

	require.NoError(t, j.Kill())
	assert.Equal(t, job.StatusFailed, j.Status())
	assert.ErrorIs(t, j.Kill(), job.ErrNotRunning)

	jobtest.WaitDone(t, j, killTimeout+3*time.Second)

	assert.Equal(t, job.StatusFailed, j.Status())
	assertSingleTrailingClose(t, rec)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, sig.SentTo(root))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, sig.SentTo(unreachable))
}

func TestKill_SignalsWholeProcessTree(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskForking)
	require.NoError(t, j.Execute())
	jobtest.WaitOutput(t, j, "child ", 5*time.Second)

	var child int
	_, err := fmt.Sscanf(j.Snapshot().Stdout, "child %d", &child)
	require.NoError(t, err)
	require.Positive(t, child)

	require.NoError(t, j.Kill())
	jobtest.WaitDone(t, j, 5*time.Second)
	assert.Equal(t, job.StatusKilled, j.Status())
	assertSingleTrailingClose(t, rec)

	// the child ignores SIGTERM and outlives the root
	jobtest.WaitFor(t, killTimeout+3*time.Second, func() bool { return gone(child) })
}

// gone reports whether pid has exited. Orphans may linger as zombies when
// nothing reaps them.
func gone(pid int) bool {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	return len(status) > 0 && status[0] == process.Zombie
}

func TestKill_MissingProcessIsIgnored(t *testing.T) {
	sig := &scriptedSignaler{term: syscall.ESRCH, inner: job.SystemSignaler{}}
	j, _ := newJob(t, jobtest.TaskForever, job.WithSignaler(sig), job.WithTreeLister(rootOnly{}))
	require.NoError(t, j.Execute())
	jobtest.WaitOutput(t, j, "started", 5*time.Second)

	require.NoError(t, j.Kill())
	assert.Equal(t, job.StatusKilling, j.Status())

	jobtest.WaitDone(t, j, killTimeout+3*time.Second)
	assert.Equal(t, job.StatusKilled, j.Status())
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, sig.Sent())
}

func TestReset(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskFail)

	assert.ErrorIs(t, j.Reset(), job.ErrNotRestartable)
	require.NoError(t, j.Execute())
	assert.ErrorIs(t, j.Reset(), job.ErrNotRestartable)
	jobtest.WaitDone(t, j, 5*time.Second)

	before := j.Snapshot()
	require.Equal(t, job.StatusFailed, before.Status)

	require.NoError(t, j.Reset())
	after := j.Snapshot()
	assert.Equal(t, job.StatusCreated, after.Status)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, before.Command, after.Command)
	assert.Empty(t, after.Output)
	assert.Empty(t, after.Stdout)
	assert.Nil(t, after.ExitCode)
	assert.Zero(t, after.PID)
	assert.False(t, after.Timestamp.Before(before.Timestamp))

	require.NoError(t, j.Execute())
	jobtest.WaitDone(t, j, 5*time.Second)
	assert.Equal(t, job.StatusFailed, j.Status())
	assert.Equal(t, 2, rec.Count(job.EventClosed))
}

func TestReset_FinishedIsNotRestartable(t *testing.T) {
	j, _ := newJob(t, jobtest.TaskSleepy)
	require.NoError(t, j.Execute())
	jobtest.WaitDone(t, j, 5*time.Second)

	assert.ErrorIs(t, j.Reset(), job.ErrNotRestartable)
	assert.Equal(t, job.StatusFinished, j.Status())
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	j, rec := newJob(t, jobtest.TaskSleepy)
	other := &jobtest.Recorder{}
	unsubscribe := j.Subscribe(other.Record)
	unsubscribe()
	unsubscribe()

	require.NoError(t, j.Execute())
	jobtest.WaitDone(t, j, 5*time.Second)

	assert.Empty(t, other.Events())
	assert.NotEmpty(t, rec.Events())
}

func TestRestore(t *testing.T) {
	code := 1
	snap := job.Snapshot{
		ID:        "abc",
		Status:    job.StatusFailed,
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		ExitCode:  &code,
		Stdout:    "out",
		Output:    "out err",
		Args:      command.Args{Application: "example", Environment: "production", Task: "deploy"},
	}

	j, err := job.Restore(snap)
	require.NoError(t, err)
	got := j.Snapshot()
	assert.Equal(t, "abc", got.ID)
	assert.Equal(t, job.StatusFailed, got.Status)
	assert.Equal(t, "out err", got.Output)
	assert.Equal(t, "example production deploy", got.Command)
	assert.ErrorIs(t, j.Kill(), job.ErrNotRunning)

	view := j.View()
	assert.Equal(t, got.Output, view.Output)

	_, err = job.Restore(job.Snapshot{ID: "bad"})
	var verr *command.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestStatus(t *testing.T) {
	for _, s := range []job.Status{job.StatusFinished, job.StatusFailed, job.StatusKilled} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []job.Status{job.StatusCreated, job.StatusRunning, job.StatusKilling} {
		assert.False(t, s.IsTerminal(), s)
		assert.False(t, s.Restartable(), s)
	}
	assert.True(t, job.StatusKilled.Restartable())
	assert.False(t, job.StatusFinished.Restartable())
}
