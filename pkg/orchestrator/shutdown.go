package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lenrd/pkg/job"
)

// Shutdown stops accepting new work and waits until every registered job that
// was started has closed. Jobs created but never executed do not hold it up.
// When ShutdownKillAfter is set, jobs still running after that long are
// killed. Shutdown returns ctx.Err() if ctx ends first.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		o.log.Debug("Shutdown already in progress")
	}
	start := time.Now()

	if o.cfg.ShutdownKillAfter > 0 {
		t := time.AfterFunc(o.cfg.ShutdownKillAfter, o.killRunning)
		defer t.Stop()
	}

	for round := 0; ; round++ {
		pending := o.pending()
		if len(pending) == 0 {
			o.log.Info("All jobs closed", zap.Duration("took", time.Since(start)))
			return nil
		}
		if round == 0 {
			o.log.Info("Waiting for jobs to close", zap.Int("jobs", len(pending)))
		}

		g, gctx := errgroup.WithContext(ctx)
		for _, j := range pending {
			j := j
			g.Go(func() error {
				select {
				case <-j.Done():
					return nil
				case <-gctx.Done():
					return gctx.Err()
				}
			})
		}
		if err := g.Wait(); err != nil {
			o.log.Warn("Shutdown interrupted", zap.Int("jobs", len(o.pending())), zap.Error(err))
			return err
		}
	}
}

// pending lists registered jobs whose current run has not closed.
func (o *Orchestrator) pending() []*job.Job {
	o.mu.Lock()
	defer o.mu.Unlock()

	var jobs []*job.Job
	for _, e := range o.active {
		if e.job.Status() == job.StatusCreated {
			continue
		}
		select {
		case <-e.job.Done():
			continue
		default:
		}
		jobs = append(jobs, e.job)
	}
	return jobs
}

func (o *Orchestrator) killRunning() {
	for _, j := range o.pending() {
		if j.Status() != job.StatusRunning {
			continue
		}
		o.log.Warn("Killing job at shutdown", zap.String("job_id", j.ID()))
		if err := j.Kill(); err != nil {
			o.log.Warn("Failed to kill job at shutdown", zap.String("job_id", j.ID()), zap.Error(err))
		}
	}
}
