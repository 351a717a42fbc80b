package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"lenrd/pkg/command"
	"lenrd/pkg/job"
)

var taskLine = regexp.MustCompile(`cap\s([^\s]+)\s+#\s(.*)\n`)

// AvailableTasks asks lenr for the task catalog of app/env. The introspection
// job is not persisted and not registered.
func (o *Orchestrator) AvailableTasks(ctx context.Context, app, env string) (map[string]string, error) {
	if o.ShuttingDown() {
		return nil, ErrShuttingDown
	}

	spec, err := command.New(command.Args{
		Application: app,
		Environment: env,
		PreOptions:  o.targetOptions(),
		PostOptions: []string{"-v", "--tasks"},
	})
	if err != nil {
		return nil, err
	}

	j := job.New(spec, o.jobOptions()...)
	if err := j.Execute(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTaskCatalog, err)
	}

	select {
	case <-j.Done():
	case <-ctx.Done():
		_ = j.Kill()
		return nil, ctx.Err()
	}

	snap := j.Snapshot()
	if snap.Status != job.StatusFinished {
		return nil, fmt.Errorf("%w: lenr ended %s: %s", ErrTaskCatalog, snap.Status, strings.TrimSpace(snap.Output))
	}
	return ParseTasks(snap.Stdout), nil
}

// ParseTasks extracts "cap <name>  # <description>" lines. A later line for
// the same name replaces an earlier one.
func ParseTasks(out string) map[string]string {
	tasks := make(map[string]string)
	for _, m := range taskLine.FindAllStringSubmatch(out, -1) {
		tasks[m[1]] = m[2]
	}
	return tasks
}
