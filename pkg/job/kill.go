package job

import (
	"errors"
	"syscall"
	"time"

	"go.uber.org/zap"

	"lenrd/pkg/metrics"
)

// Signaler delivers a signal to a single pid.
type Signaler interface {
	Signal(pid int, sig syscall.Signal) error
}

// TreeLister returns pid followed by all of its live descendants.
type TreeLister interface {
	Tree(pid int) ([]int, error)
}

// Kill moves a RUNNING job to KILLING, sends SIGTERM to the process tree and
// schedules a SIGKILL for the same pids after the kill timeout. Killing a job
// that is already KILLING does nothing.
func (j *Job) Kill() error {
	j.mu.Lock()
	a := j.attempt
	switch {
	case j.status == StatusKilling:
		j.mu.Unlock()
		return nil
	case j.status != StatusRunning || a == nil || a.hasExited():
		j.mu.Unlock()
		return ErrNotRunning
	}
	j.status = StatusKilling
	j.emitLocked(EventChanged)
	pid := j.pid
	log := j.opts.logger.With(j.fieldsLocked()...)
	j.mu.Unlock()

	pids, err := j.opts.tree.Tree(pid)
	if err != nil {
		log.Debug("Process tree incomplete", zap.Error(err))
	}
	if len(pids) == 0 {
		pids = []int{pid}
	}
	log.Info("Killing job", zap.Ints("pids", pids))

	if err := j.signalAll(pids, syscall.SIGTERM); err != nil {
		j.fail(a, err)
	}

	// the whole snapshot gets SIGKILL, even if SIGTERM failed for some pids
	j.mu.Lock()
	if a.escalation == nil {
		a.escalation = time.AfterFunc(j.opts.killTimeout, func() { j.escalate(a, pids) })
	}
	j.mu.Unlock()
	return nil
}

// escalate sends SIGKILL to every pid of the kill-time snapshot. Descendants
// can outlive the root, so this runs whether or not the root has exited.
func (j *Job) escalate(a *attempt, pids []int) {
	j.mu.Lock()
	rootExited := a.hasExited()
	log := j.opts.logger.With(j.fieldsLocked()...)
	j.mu.Unlock()

	if rootExited {
		log.Debug("Sending SIGKILL to leftover job processes", zap.Ints("pids", pids))
	} else {
		metrics.KillEscalations.Inc()
		log.Warn("Job ignored SIGTERM, sending SIGKILL", zap.Ints("pids", pids))
	}

	err := j.signalAll(pids, syscall.SIGKILL)
	switch {
	case err == nil:
	case rootExited:
		log.Warn("Failed to signal leftover job processes", zap.Error(err))
	default:
		j.fail(a, err)
	}
}

// signalAll signals every pid. Pids that no longer exist are skipped.
func (j *Job) signalAll(pids []int, sig syscall.Signal) error {
	var errs []error
	for _, pid := range pids {
		if err := j.opts.signaler.Signal(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fail forces the attempt to FAILED after a supervision error. The process may
// still be running; its exit will record the code without changing the status.
func (j *Job) fail(a *attempt, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.attempt != a || a.hasExited() {
		return
	}
	if a.forced {
		j.opts.logger.Warn("Failed to signal job process again", append(j.fieldsLocked(), zap.Error(err))...)
		return
	}
	a.forced = true
	j.status = StatusFailed
	metrics.SupervisionFailures.Inc()
	j.opts.logger.Error("Failed to signal job process", append(j.fieldsLocked(), zap.Error(err))...)
	j.emitLocked(EventChanged)
}

// Reset prepares a KILLED or FAILED job for a new attempt with the same
// identity and command.
func (j *Job) Reset() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.status.Restartable() {
		return ErrNotRestartable
	}
	if a := j.attempt; a != nil && (!a.hasExited() || !isClosed(a.dispatch.done)) {
		return ErrBusy
	}

	j.attempt = nil
	j.stdout.Reset()
	j.output.Reset()
	j.exitCode = nil
	j.outputURI = ""
	j.pid = 0
	j.timestamp = time.Now().UTC()
	j.status = StatusCreated
	return nil
}
