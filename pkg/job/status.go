package job

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusRunning  Status = "RUNNING"
	StatusKilling  Status = "KILLING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusKilled   Status = "KILLED"
)

// IsTerminal reports whether no further transition happens without a restart.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusKilled:
		return true
	}
	return false
}

// Restartable reports whether a job in this state may be reset and re-executed.
func (s Status) Restartable() bool {
	return s == StatusFailed || s == StatusKilled
}

func (s Status) String() string { return string(s) }
