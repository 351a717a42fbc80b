package job

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// attempt is one spawned process of a job. A restart creates a new attempt.
type attempt struct {
	cmd        *exec.Cmd
	exited     chan struct{}
	dispatch   *dispatcher
	escalation *time.Timer
	forced     bool
}

func (a *attempt) hasExited() bool { return isClosed(a.exited) }

// outputWriter appends process output to the job and raises a changed event
// per chunk. exec's copy goroutines are the only callers.
type outputWriter struct {
	job    *Job
	stdout bool
}

func (w *outputWriter) Write(p []byte) (int, error) {
	j := w.job
	j.mu.Lock()
	defer j.mu.Unlock()

	if w.stdout {
		j.stdout.Write(p)
	}
	j.output.Write(p)
	j.emitLocked(EventChanged)
	return len(p), nil
}

// Execute spawns the lenr process. It returns once the process is started;
// completion is observed through Subscribe or Done.
func (j *Job) Execute() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusCreated || j.attempt != nil {
		return ErrNotExecutable
	}

	cmd := exec.Command(j.opts.binary, j.spec.Argv()...)
	cmd.Stdin = nil
	cmd.Stdout = &outputWriter{job: j, stdout: true}
	cmd.Stderr = &outputWriter{job: j}
	cmd.WaitDelay = j.opts.waitDelay

	a := &attempt{cmd: cmd, exited: make(chan struct{})}
	a.dispatch = newDispatcher(j.deliver)
	j.attempt = a

	if err := cmd.Start(); err != nil {
		j.output.WriteString(err.Error())
		j.status = StatusFailed
		close(a.exited)
		j.opts.logger.Error("Failed to spawn job", append(j.fieldsLocked(), zap.Error(err))...)
		j.emitLocked(EventClosed)
		return fmt.Errorf("spawn %s: %w", j.opts.binary, err)
	}

	j.pid = cmd.Process.Pid
	j.status = StatusRunning
	j.opts.logger.Info("Job started", append(j.fieldsLocked(), zap.Strings("argv", j.spec.Argv()))...)
	j.emitLocked(EventChanged)

	go j.wait(a)
	return nil
}

// Abandon marks a CREATED job that will never be started as FAILED, with
// reason as its output. No events are raised.
func (j *Job) Abandon(reason string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status != StatusCreated || j.attempt != nil {
		return ErrNotExecutable
	}
	j.output.WriteString(reason)
	j.status = StatusFailed
	j.opts.logger.Info("Job abandoned", append(j.fieldsLocked(), zap.String("reason", reason))...)
	return nil
}

func (j *Job) wait(a *attempt) {
	err := a.cmd.Wait()
	state := a.cmd.ProcessState

	j.mu.Lock()
	defer j.mu.Unlock()

	close(a.exited)

	status, code := classify(state)
	if state == nil && err != nil {
		j.output.WriteString(err.Error())
	} else if err != nil && errors.Is(err, exec.ErrWaitDelay) {
		j.opts.logger.Warn("Job output pipes outlived the process", j.fieldsLocked()...)
	}

	j.exitCode = code
	if !a.forced {
		j.status = status
	}

	fields := j.fieldsLocked()
	if code != nil {
		fields = append(fields, zap.Int("exit_code", *code))
	}
	j.opts.logger.Info("Job closed", fields...)
	j.emitLocked(EventClosed)
}

// classify maps a process exit to a terminal status. A signal, or an exit code
// above 128, counts as KILLED.
func classify(state *os.ProcessState) (Status, *int) {
	if state == nil {
		return StatusFailed, nil
	}
	code := state.ExitCode()
	switch {
	case code < 0:
		return StatusKilled, nil
	case code > 128:
		return StatusKilled, &code
	case code == 0:
		return StatusFinished, &code
	default:
		return StatusFailed, &code
	}
}
