// Package job supervises a single invocation of the lenr binary: it spawns the
// process, captures its output, classifies its exit and escalates kills to the
// whole process tree.
package job

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"lenrd/pkg/command"
	"lenrd/pkg/logger"
)

const (
	DefaultBinary      = "lenr"
	DefaultKillTimeout = 2000 * time.Millisecond
	DefaultWaitDelay   = 5 * time.Second
)

// Snapshot is the full state of a job, as persisted.
type Snapshot struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	PID       int          `json:"pid,omitempty"`
	ExitCode  *int         `json:"exit_code"`
	Stdout    string       `json:"stdout"`
	Output    string       `json:"output"`
	Command   string       `json:"command"`
	Args      command.Args `json:"args"`
	OutputURI string       `json:"output_uri,omitempty"`
}

// View is the part of a Snapshot that is safe to hand to clients.
type View struct {
	ID        string       `json:"id"`
	Status    Status       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	ExitCode  *int         `json:"exit_code"`
	Stdout    string       `json:"stdout"`
	Output    string       `json:"output"`
	Command   string       `json:"command"`
	Args      command.Args `json:"args"`
	OutputURI string       `json:"output_uri,omitempty"`
}

// View drops the internal fields of the snapshot.
func (s Snapshot) View() View {
	return View{
		ID:        s.ID,
		Status:    s.Status,
		Timestamp: s.Timestamp,
		ExitCode:  s.ExitCode,
		Stdout:    s.Stdout,
		Output:    s.Output,
		Command:   s.Command,
		Args:      s.Args,
		OutputURI: s.OutputURI,
	}
}

type options struct {
	binary      string
	killTimeout time.Duration
	waitDelay   time.Duration
	logger      *zap.Logger
	signaler    Signaler
	tree        TreeLister
}

// Option configures a Job.
type Option func(*options)

// WithBinary sets the executable invoked for the job.
func WithBinary(path string) Option {
	return func(o *options) {
		if path != "" {
			o.binary = path
		}
	}
}

// WithKillTimeout sets the delay between the graceful and the forced signal.
func WithKillTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.killTimeout = d
		}
	}
}

// WithWaitDelay bounds how long output pipes are drained after the process exits.
func WithWaitDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.waitDelay = d
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithSignaler(s Signaler) Option {
	return func(o *options) {
		if s != nil {
			o.signaler = s
		}
	}
}

func WithTreeLister(t TreeLister) Option {
	return func(o *options) {
		if t != nil {
			o.tree = t
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		binary:      DefaultBinary,
		killTimeout: DefaultKillTimeout,
		waitDelay:   DefaultWaitDelay,
		signaler:    SystemSignaler{},
		tree:        ProcessTree{},
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logger.Get()
	}
	return o
}

// Job is one tracked invocation of the lenr binary. All methods are safe for
// concurrent use.
type Job struct {
	mu sync.Mutex

	id        string
	spec      command.Spec
	status    Status
	timestamp time.Time
	pid       int
	exitCode  *int
	stdout    strings.Builder
	output    strings.Builder
	outputURI string

	opts    options
	attempt *attempt

	subs    []subscription
	nextSub int
}

// New returns a CREATED job for spec.
func New(spec command.Spec, opts ...Option) *Job {
	return &Job{
		spec:      spec,
		status:    StatusCreated,
		timestamp: time.Now().UTC(),
		opts:      buildOptions(opts),
	}
}

// Restore rebuilds a job from a persisted snapshot. The result has no live
// process attached.
func Restore(s Snapshot, opts ...Option) (*Job, error) {
	spec, err := command.New(s.Args)
	if err != nil {
		return nil, fmt.Errorf("restore job %s: %w", s.ID, err)
	}
	j := &Job{
		id:        s.ID,
		spec:      spec,
		status:    s.Status,
		timestamp: s.Timestamp,
		pid:       s.PID,
		exitCode:  s.ExitCode,
		outputURI: s.OutputURI,
		opts:      buildOptions(opts),
	}
	j.stdout.WriteString(s.Stdout)
	j.output.WriteString(s.Output)
	return j, nil
}

func (j *Job) ID() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

// SetID assigns the identity handed out by storage.
func (j *Job) SetID(id string) {
	j.mu.Lock()
	j.id = id
	j.mu.Unlock()
}

func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

func (j *Job) Spec() command.Spec { return j.spec }

// SetOutputURI records where the output of the last attempt was archived.
func (j *Job) SetOutputURI(uri string) {
	j.mu.Lock()
	j.outputURI = uri
	j.mu.Unlock()
}

// Snapshot returns a consistent copy of the job state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

// View returns the client-safe state of the job.
func (j *Job) View() View {
	return j.Snapshot().View()
}

func (j *Job) snapshotLocked() Snapshot {
	var code *int
	if j.exitCode != nil {
		c := *j.exitCode
		code = &c
	}
	return Snapshot{
		ID:        j.id,
		Status:    j.status,
		Timestamp: j.timestamp,
		PID:       j.pid,
		ExitCode:  code,
		Stdout:    j.stdout.String(),
		Output:    j.output.String(),
		Command:   j.spec.String(),
		Args:      j.spec.Args(),
		OutputURI: j.outputURI,
	}
}

// Subscribe registers fn for the changed and closed events of every execution
// attempt. Events reach fn in order on a goroutine owned by the job; fn must
// not block for long.
func (j *Job) Subscribe(fn func(Event)) (unsubscribe func()) {
	j.mu.Lock()
	j.nextSub++
	id := j.nextSub
	j.subs = append(j.subs, subscription{id: id, fn: fn})
	j.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			j.mu.Lock()
			defer j.mu.Unlock()
			for i, s := range j.subs {
				if s.id == id {
					j.subs = append(j.subs[:i:i], j.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Done is closed once the closed event of the current attempt has been
// delivered to every subscriber. It is already closed when the job has never
// been executed.
func (j *Job) Done() <-chan struct{} {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.attempt == nil {
		return closedChan
	}
	return j.attempt.dispatch.done
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (j *Job) deliver(e Event) {
	j.mu.Lock()
	subs := make([]subscription, len(j.subs))
	copy(subs, j.subs)
	j.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}

// emitLocked queues an event with the current state. Callers hold j.mu.
func (j *Job) emitLocked(t EventType) {
	if j.attempt == nil {
		return
	}
	j.attempt.dispatch.push(Event{Type: t, Snapshot: j.snapshotLocked()})
}

func (j *Job) fieldsLocked() []zap.Field {
	return []zap.Field{
		zap.String("job_id", j.id),
		zap.String("status", string(j.status)),
		zap.Int("pid", j.pid),
	}
}
