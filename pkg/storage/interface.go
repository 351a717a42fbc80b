package storage

import (
	"context"
	"errors"

	"lenrd/pkg/job"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// JobStore defines the data access layer for jobs.
type JobStore interface {
	// NextID hands out the identity of a new job.
	NextID() string

	// Save persists a new job.
	Save(ctx context.Context, s job.Snapshot) error

	// Update overwrites the state of an existing job.
	Update(ctx context.Context, s job.Snapshot) error

	// Find retrieves a job by ID.
	Find(ctx context.Context, id string) (job.Snapshot, error)

	// List returns one page of jobs, newest first.
	List(ctx context.Context, page, size int) ([]job.Snapshot, error)

	// SetOutputURI records where the output of a job was archived.
	SetOutputURI(ctx context.Context, id, uri string) error
}
