// Package jobtest provides a fake lenr binary and helpers for tests that run
// real job processes.
package jobtest

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"lenrd/pkg/job"
)

// Tasks understood by the fake binary.
const (
	TaskSleepy   = "dummy-sleepy"   // prints, sleeps briefly, exits 0
	TaskFail     = "dummy-fail"     // writes to stderr, exits 3
	TaskStubborn = "dummy-stubborn" // ignores SIGTERM, loops forever
	TaskForever  = "dummy-forever"  // sleeps for a long time
	TaskExit130  = "dummy-exit130"  // exits 130 without a signal
	TaskEcho     = "dummy-echo"     // prints every argument on its own line
	TaskForking  = "dummy-forking"  // forks a child that ignores SIGTERM, prints "child <pid>", waits
)

// BrokenApp makes the task catalog request fail.
const BrokenApp = "broken"

const script = `#!/bin/sh
while [ $# -gt 0 ]; do
  case "$1" in
    --conf-repo|--conf-branch) shift 2 ;;
    -*) shift ;;
    *) break ;;
  esac
done

app="$1"
env="$2"
task="$3"

if [ "$task" = "-v" ]; then
  if [ "$app" = "broken" ]; then
    echo "unknown application $app" >&2
    exit 1
  fi
  printf 'cap deploy                # Deploy %s to %s\n' "$app" "$env"
  printf 'cap deploy:check          # Check deploy dependencies\n'
  printf 'cap dummy-sleepy          # Sleep for a moment\n'
  printf 'not a task line\n'
  printf 'cap deploy                # Deploy the application\n'
  exit 0
fi

case "$task" in
  dummy-sleepy)
    echo "sleeping $app $env"
    sleep 0.3
    echo "awake"
    ;;
  dummy-fail)
    echo "boom" >&2
    exit 3
    ;;
  dummy-stubborn)
    trap '' TERM
    echo "started"
    while true; do sleep 0.1; done
    ;;
  dummy-forever)
    echo "started"
    exec sleep 30
    ;;
  dummy-forking)
    (trap '' TERM; exec sleep 30) >/dev/null 2>&1 &
    echo "child $!"
    wait
    ;;
  dummy-exit130)
    exit 130
    ;;
  dummy-echo)
    for a in "$@"; do echo "$a"; done
    ;;
  *)
    echo "unknown task $task" >&2
    exit 1
    ;;
esac
`

// FakeLenr writes the fake binary into a temp dir and returns its path.
func FakeLenr(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lenr")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake lenr: %v", err)
	}
	return path
}

// WaitDone blocks until the job's current attempt has closed.
func WaitDone(t testing.TB, j *job.Job, timeout time.Duration) {
	t.Helper()
	select {
	case <-j.Done():
	case <-time.After(timeout):
		t.Fatalf("job %s did not close within %s (status %s)", j.ID(), timeout, j.Status())
	}
}

// WaitFor polls cond until it holds.
func WaitFor(t testing.TB, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// WaitOutput waits until the job's stdout contains s.
func WaitOutput(t testing.TB, j *job.Job, s string, timeout time.Duration) {
	t.Helper()
	WaitFor(t, timeout, func() bool { return strings.Contains(j.Snapshot().Stdout, s) })
}

// Recorder collects events in delivery order.
type Recorder struct {
	mu     sync.Mutex
	events []job.Event
}

func (r *Recorder) Record(e job.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Notify lets a Recorder act as an orchestrator listener.
func (r *Recorder) Notify(e job.Event) { r.Record(e) }

func (r *Recorder) Events() []job.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.Event(nil), r.events...)
}

// Types returns the event types in order.
func (r *Recorder) Types() []job.EventType {
	var out []job.EventType
	for _, e := range r.Events() {
		out = append(out, e.Type)
	}
	return out
}

// Count returns how many events of type t were recorded.
func (r *Recorder) Count(t job.EventType) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

// Statuses returns the status carried by every event, in order.
func (r *Recorder) Statuses() []job.Status {
	var out []job.Status
	for _, e := range r.Events() {
		out = append(out, e.Snapshot.Status)
	}
	return out
}
