// Package orchestrator creates jobs, keeps the registry of jobs that have not
// closed yet, mirrors their state into storage and drains them on shutdown.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"lenrd/pkg/command"
	"lenrd/pkg/job"
	"lenrd/pkg/logger"
	"lenrd/pkg/metrics"
	"lenrd/pkg/storage"
)

const (
	DefaultPage     = 0
	DefaultPageSize = 10

	persistTimeout = 10 * time.Second
)

// Listener receives the created, changed and closed events of every
// registered job, in order per job.
type Listener interface {
	Notify(e job.Event)
}

// Config holds the process-wide settings applied to every job.
type Config struct {
	Binary      string
	Repo        string // --conf-repo, omitted when empty
	Branch      string // --conf-branch, omitted when empty
	KillTimeout time.Duration
	WaitDelay   time.Duration

	// ShutdownKillAfter kills jobs still running this long after Shutdown
	// starts. Zero waits for jobs to finish on their own.
	ShutdownKillAfter time.Duration

	Logger     *zap.Logger
	LogStore   storage.LogStore // optional output archive
	Tracer     trace.Tracer
	JobOptions []job.Option
}

type entry struct {
	job         *job.Job
	unsubscribe func()
	span        trace.Span
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	store  storage.JobStore
	cfg    Config
	log    *zap.Logger
	tracer trace.Tracer

	mu        sync.Mutex
	active    map[string]*entry
	listeners []Listener

	shuttingDown atomic.Bool
}

// New creates an orchestrator backed by store.
func New(store storage.JobStore, cfg Config) *Orchestrator {
	log := cfg.Logger
	if log == nil {
		log = logger.Get()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("lenrd/orchestrator")
	}
	return &Orchestrator{
		store:  store,
		cfg:    cfg,
		log:    log,
		tracer: tracer,
		active: make(map[string]*entry),
	}
}

// AddListener registers l for the events of jobs registered from now on.
func (o *Orchestrator) AddListener(l Listener) {
	o.mu.Lock()
	o.listeners = append(o.listeners, l)
	o.mu.Unlock()
}

// ShuttingDown reports whether Shutdown has been called.
func (o *Orchestrator) ShuttingDown() bool {
	return o.shuttingDown.Load()
}

// ActiveCount returns the number of registered jobs.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// CreateJob validates the request, persists a new CREATED job and registers
// it. The job is not started; call Execute.
func (o *Orchestrator) CreateJob(ctx context.Context, app, env, task string, vars map[string]any) (*job.Job, error) {
	if o.ShuttingDown() {
		return nil, ErrShuttingDown
	}

	var problems []string
	task = strings.TrimSpace(task)
	if task == "" {
		problems = append(problems, "[task] param must be a non-empty string")
	}
	post, varProblems := renderVariables(vars)
	problems = append(problems, varProblems...)

	spec, err := command.New(command.Args{
		Application: app,
		Environment: env,
		Task:        task,
		PreOptions:  o.targetOptions(),
		PostOptions: post,
	})
	if err != nil {
		var verr *command.ValidationError
		if !errors.As(err, &verr) {
			return nil, err
		}
		problems = append(problems, verr.Problems...)
	}
	if len(problems) > 0 {
		return nil, command.NewValidationError(problems...)
	}

	j := job.New(spec, o.jobOptions()...)
	j.SetID(o.store.NextID())

	if err := o.store.Save(ctx, j.Snapshot()); err != nil {
		metrics.PersistenceFailures.WithLabelValues("save").Inc()
		return nil, fmt.Errorf("save job: %w", err)
	}

	e := &entry{job: j}
	if holder := o.reserve(e); holder != nil {
		return nil, fmt.Errorf("%w: %s", ErrJobActive, j.ID())
	}
	o.track(e)
	metrics.JobsCreated.Inc()
	o.log.Info("Job created", zap.String("job_id", j.ID()), zap.String("command", spec.String()))
	o.broadcast(job.Event{Type: job.EventCreated, Snapshot: j.Snapshot()})
	return j, nil
}

// Execute starts a registered job. A span covering the run is closed when the
// job closes. Once shutdown has begun the job is failed and released instead.
func (o *Orchestrator) Execute(ctx context.Context, j *job.Job) error {
	if o.ShuttingDown() {
		o.abandon(ctx, j)
		return ErrShuttingDown
	}

	id := j.ID()
	o.mu.Lock()
	e, ok := o.active[id]
	if !ok || e.job != j {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is not active", ErrJobNotFound, id)
	}
	spec := j.Spec()
	_, span := o.tracer.Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.String("job.app", spec.Application()),
		attribute.String("job.env", spec.Environment()),
		attribute.String("job.task", spec.Task()),
	))
	e.span = span
	o.mu.Unlock()

	if err := j.Execute(); err != nil {
		if errors.Is(err, job.ErrNotExecutable) {
			o.mu.Lock()
			e.span = nil
			o.mu.Unlock()
			span.End()
		}
		return err
	}
	return nil
}

// GetJob returns the live job when it is registered, otherwise the last
// persisted state.
func (o *Orchestrator) GetJob(ctx context.Context, id string) (*job.Job, error) {
	o.mu.Lock()
	e, ok := o.active[id]
	o.mu.Unlock()
	if ok {
		return e.job, nil
	}

	snap, err := o.store.Find(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, err
	}
	return job.Restore(snap, o.jobOptions()...)
}

// ListJobs returns a page of jobs, newest first. Registered jobs are reported
// with their live state.
func (o *Orchestrator) ListJobs(ctx context.Context, page, size int) ([]job.View, error) {
	if page < 0 {
		page = DefaultPage
	}
	if size <= 0 {
		size = DefaultPageSize
	}

	snaps, err := o.store.List(ctx, page, size)
	if err != nil {
		return nil, err
	}

	views := make([]job.View, 0, len(snaps))
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range snaps {
		if e, ok := o.active[s.ID]; ok {
			views = append(views, e.job.View())
			continue
		}
		views = append(views, s.View())
	}
	return views, nil
}

// KillJob kills the job with the given id.
func (o *Orchestrator) KillJob(ctx context.Context, id string) (*job.Job, error) {
	j, err := o.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := j.Kill(); err != nil {
		return j, err
	}
	return j, nil
}

// RestartJob resets a KILLED or FAILED job, persists the reset state,
// registers it again and executes it.
func (o *Orchestrator) RestartJob(ctx context.Context, j *job.Job) error {
	if o.ShuttingDown() {
		return ErrShuttingDown
	}
	if !j.Status().Restartable() {
		return job.ErrNotRestartable
	}

	// the id is claimed before Reset so concurrent restarts of the same
	// job cannot both spawn a process
	id := j.ID()
	e := &entry{job: j}
	if holder := o.reserve(e); holder != nil {
		if holder.job != j {
			return fmt.Errorf("%w: %s", ErrJobActive, id)
		}
		return job.ErrBusy
	}

	if err := j.Reset(); err != nil {
		o.release(e)
		return err
	}
	o.persist(ctx, j.Snapshot())

	o.track(e)
	metrics.JobsCreated.Inc()
	o.log.Info("Job restarted", zap.String("job_id", id))
	o.broadcast(job.Event{Type: job.EventCreated, Snapshot: j.Snapshot()})
	return o.Execute(ctx, j)
}

func (o *Orchestrator) targetOptions() []string {
	var opts []string
	if o.cfg.Repo != "" {
		opts = append(opts, command.FlagOption("--conf-repo", o.cfg.Repo))
	}
	if o.cfg.Branch != "" {
		opts = append(opts, command.FlagOption("--conf-branch", o.cfg.Branch))
	}
	return opts
}

func (o *Orchestrator) jobOptions() []job.Option {
	opts := []job.Option{
		job.WithBinary(o.cfg.Binary),
		job.WithKillTimeout(o.cfg.KillTimeout),
		job.WithWaitDelay(o.cfg.WaitDelay),
		job.WithLogger(o.log),
	}
	return append(opts, o.cfg.JobOptions...)
}

// reserve claims the id of e.job in the registry. It returns the entry
// already holding the id, or nil when e was registered.
func (o *Orchestrator) reserve(e *entry) *entry {
	id := e.job.ID()
	o.mu.Lock()
	defer o.mu.Unlock()
	if holder, ok := o.active[id]; ok {
		return holder
	}
	o.active[id] = e
	return nil
}

func (o *Orchestrator) release(e *entry) {
	id := e.job.ID()
	o.mu.Lock()
	if cur, ok := o.active[id]; ok && cur == e {
		delete(o.active, id)
	}
	o.mu.Unlock()
}

// track mirrors the events of a reserved entry until its job closes.
func (o *Orchestrator) track(e *entry) {
	metrics.ActiveJobs.Inc()
	e.unsubscribe = e.job.Subscribe(func(ev job.Event) { o.handle(e, ev) })
}

// abandon fails a registered job that will not be started any more and
// releases it, so it neither lingers in CREATED nor holds a registry slot.
func (o *Orchestrator) abandon(ctx context.Context, j *job.Job) {
	o.mu.Lock()
	e, ok := o.active[j.ID()]
	o.mu.Unlock()
	if !ok || e.job != j {
		return
	}
	if err := j.Abandon(ErrShuttingDown.Error()); err != nil {
		return
	}

	snap := j.Snapshot()
	o.persist(ctx, snap)
	o.broadcast(job.Event{Type: job.EventClosed, Snapshot: snap})
	metrics.RecordClose(snap.Args.Task, string(snap.Status), 0)
	o.evict(e, snap.Status)
}

func (o *Orchestrator) handle(e *entry, ev job.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	o.persist(ctx, ev.Snapshot)
	o.broadcast(ev)

	if ev.Type != job.EventClosed {
		return
	}

	snap := ev.Snapshot
	o.archive(ctx, e.job, snap)
	metrics.RecordClose(snap.Args.Task, string(snap.Status), time.Since(snap.Timestamp).Seconds())
	o.evict(e, snap.Status)
}

// persist writes the snapshot. Failures are logged only; the in-memory job
// stays authoritative.
func (o *Orchestrator) persist(ctx context.Context, snap job.Snapshot) {
	if err := o.store.Update(ctx, snap); err != nil {
		metrics.PersistenceFailures.WithLabelValues("update").Inc()
		o.log.Warn("Failed to persist job state",
			zap.String("job_id", snap.ID),
			zap.String("status", string(snap.Status)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) archive(ctx context.Context, j *job.Job, snap job.Snapshot) {
	if o.cfg.LogStore == nil || snap.Output == "" {
		return
	}
	uri, err := o.cfg.LogStore.Store(ctx, storage.ArchiveName(snap.ID, snap.Timestamp), []byte(snap.Output))
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("archive").Inc()
		o.log.Warn("Failed to archive job output", zap.String("job_id", snap.ID), zap.Error(err))
		return
	}
	j.SetOutputURI(uri)
	if err := o.store.SetOutputURI(ctx, snap.ID, uri); err != nil {
		metrics.PersistenceFailures.WithLabelValues("update").Inc()
		o.log.Warn("Failed to record output location", zap.String("job_id", snap.ID), zap.Error(err))
	}
}

func (o *Orchestrator) broadcast(ev job.Event) {
	o.mu.Lock()
	listeners := append([]Listener(nil), o.listeners...)
	o.mu.Unlock()

	for _, l := range listeners {
		l.Notify(ev)
	}
}

func (o *Orchestrator) evict(e *entry, status job.Status) {
	id := e.job.ID()
	o.mu.Lock()
	if cur, ok := o.active[id]; ok && cur == e {
		delete(o.active, id)
	}
	span := e.span
	e.span = nil
	o.mu.Unlock()

	e.unsubscribe()
	metrics.ActiveJobs.Dec()

	if span != nil {
		span.SetAttributes(attribute.String("job.status", string(status)))
		if status != job.StatusFinished {
			span.SetStatus(codes.Error, string(status))
		}
		span.End()
	}
}
