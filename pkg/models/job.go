package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"lenrd/pkg/command"
	"lenrd/pkg/job"
)

// JobArgs are the request arguments of a job, stored as a JSON column.
type JobArgs command.Args

func (a *JobArgs) Scan(value interface{}) error {
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	case nil:
		*a = JobArgs{}
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(raw, a)
}

func (a JobArgs) Value() (driver.Value, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JobRecord is the persisted form of a job.
type JobRecord struct {
	ID        string     `json:"id" gorm:"type:varchar(36);primaryKey"`
	Status    job.Status `json:"status" gorm:"type:varchar(20);not null;index"`
	Timestamp time.Time  `json:"timestamp" gorm:"not null;index"` // Index for newest-first listing
	PID       int        `json:"pid" gorm:"column:pid"`
	ExitCode  *int       `json:"exit_code"`
	Stdout    string     `json:"stdout" gorm:"type:text"`
	Output    string     `json:"output" gorm:"type:text"`
	Command   string     `json:"command" gorm:"type:text"`
	Args      JobArgs    `json:"args" gorm:"type:text"`
	OutputURI string     `json:"output_uri" gorm:"column:output_uri"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (JobRecord) TableName() string { return "jobs" }

// NewJobRecord converts a job snapshot into a row.
func NewJobRecord(s job.Snapshot) JobRecord {
	return JobRecord{
		ID:        s.ID,
		Status:    s.Status,
		Timestamp: s.Timestamp,
		PID:       s.PID,
		ExitCode:  s.ExitCode,
		Stdout:    s.Stdout,
		Output:    s.Output,
		Command:   s.Command,
		Args:      JobArgs(s.Args),
		OutputURI: s.OutputURI,
	}
}

// Snapshot converts the row back into job state.
func (r JobRecord) Snapshot() job.Snapshot {
	return job.Snapshot{
		ID:        r.ID,
		Status:    r.Status,
		Timestamp: r.Timestamp,
		PID:       r.PID,
		ExitCode:  r.ExitCode,
		Stdout:    r.Stdout,
		Output:    r.Output,
		Command:   r.Command,
		Args:      command.Args(r.Args),
		OutputURI: r.OutputURI,
	}
}
