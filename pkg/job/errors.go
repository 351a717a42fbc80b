package job

import "errors"

var (
	// ErrNotExecutable is returned by Execute when the job is not CREATED.
	ErrNotExecutable = errors.New("job is not in CREATED state")
	// ErrNotRunning is returned by Kill when there is no running process to stop.
	ErrNotRunning = errors.New("job is not running")
	// ErrNotRestartable is returned by Reset outside of KILLED and FAILED.
	ErrNotRestartable = errors.New("only KILLED or FAILED jobs can be restarted")
	// ErrBusy is returned by Reset while the previous process is still alive.
	ErrBusy = errors.New("job process has not exited yet")
)
