package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// RunOptions tune a single RunWorkflow call.
type RunOptions struct {
	// Async returns once the run is RUNNING; it then continues in the background.
	Async bool
}

// RunWorkflow executes the named workflow against payload.
//
// Validation, not-found and payload errors are returned before anything is
// persisted. Node failures never surface as errors; they are recorded in the
// returned record. A failure to persist the final record is returned along
// with the record.
func (s *Service) RunWorkflow(ctx context.Context, name string, payload map[string]any, opts RunOptions) (*schema.ExecutionRecord, error) {
	if s.closing.Load() {
		return nil, schema.NewError(schema.ErrCodeInfrastructure, "service is shutting down")
	}
	// Admission comes before the read so a concurrent delete either sees
	// this run or removes the definition before it is read.
	counter, err := s.admit(name)
	if err != nil {
		return nil, err
	}
	def, err := s.store.GetWorkflow(ctx, name)
	if err != nil {
		counter.Add(-1)
		return nil, err
	}
	dag, err := s.dag(def)
	if err != nil {
		counter.Add(-1)
		return nil, err
	}
	if err := s.validator.ValidateInput(payload, def.InputSchema); err != nil {
		counter.Add(-1)
		return nil, err
	}

	execID := uuid.New().String()
	run, err := engine.NewRun(execID, def, dag, payload, engine.RunOptions{
		Events:   &storeSink{store: s.store, hub: s.hub, logger: s.logger},
		Progress: s.saveProgress,
	})
	if err != nil {
		counter.Add(-1)
		return nil, err
	}
	if err := s.store.SaveExecution(ctx, run.Snapshot()); err != nil {
		counter.Add(-1)
		return nil, err
	}

	// Sync runs follow the caller's context; async runs outlive it. Both
	// stop on shutdown.
	parent := ctx
	if opts.Async {
		parent = context.WithoutCancel(ctx)
	}
	parent, stop := context.WithCancel(parent)
	unhook := context.AfterFunc(s.baseCtx, stop)

	runCtx, err := s.scheduler.Start(parent, run)
	if err != nil {
		unhook()
		stop()
		counter.Add(-1)
		return nil, err
	}
	s.runs.Store(execID, run)
	s.saveProgress(runCtx, run.Snapshot())
	s.wg.Add(1)

	finish := func() (*schema.ExecutionRecord, error) {
		defer s.wg.Done()
		defer stop()
		defer unhook()
		defer counter.Add(-1)
		defer s.runs.Delete(execID)

		final := s.scheduler.Execute(runCtx, run)
		if err := s.store.SaveExecution(context.WithoutCancel(runCtx), final); err != nil {
			s.logger.ErrorContext(runCtx, "persist final record failed", "error", err)
			return final, err
		}
		s.logger.InfoContext(runCtx, "execution finished", "status", final.Status)
		return final, nil
	}

	if opts.Async {
		go func() { _, _ = finish() }()
		return run.Snapshot(), nil
	}
	return finish()
}

// saveProgress persists an intermediate record. Failures are logged only.
func (s *Service) saveProgress(ctx context.Context, rec *schema.ExecutionRecord) {
	if err := s.store.SaveExecution(context.WithoutCancel(ctx), rec); err != nil {
		s.logger.WarnContext(ctx, "persist progress failed", "error", err)
	}
}

// GetExecution returns the live state of an active run, or the stored record.
func (s *Service) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	if r, ok := s.runs.Load(id); ok {
		return r.(*engine.Run).Snapshot(), nil
	}
	return s.store.GetExecution(ctx, id)
}

// ListExecutions returns summaries, newest first.
func (s *Service) ListExecutions(ctx context.Context, filter schema.ExecutionFilter) ([]schema.ExecutionSummary, error) {
	return s.store.ListExecutions(ctx, filter)
}

// CancelExecution aborts an active run. NOT_FOUND for an unknown id,
// CONFLICT when the run is already terminal or owned by no live process.
func (s *Service) CancelExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	if r, ok := s.runs.Load(id); ok {
		run := r.(*engine.Run)
		if st := run.Status(); st.Terminal() {
			return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s already %s", id, st)
		}
		run.Cancel()
		s.logger.InfoContext(logging.WithRun(ctx, id, run.Workflow), "execution cancel requested")
		return run.Snapshot(), nil
	}

	rec, err := s.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s already %s", id, rec.Status)
	}
	return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not active in this process", id)
}

// ListExecutionEvents returns the audit trail of an execution after since.
func (s *Service) ListExecutionEvents(ctx context.Context, id string, since int64) ([]*schema.ExecutionEvent, error) {
	if _, err := s.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, id, since)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*schema.ExecutionEvent{}
	}
	return events, nil
}

// StreamExecutionEvents replays stored events after since and then follows
// the live hub. The channel closes after execution.finished, when the run
// is no longer active, or when ctx ends.
func (s *Service) StreamExecutionEvents(ctx context.Context, id string, since int64) (<-chan *schema.ExecutionEvent, error) {
	if _, err := s.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	// Subscribe before reading the backlog so nothing falls in between.
	live, unsubscribe, err := s.hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: id})
	if err != nil {
		return nil, err
	}
	backlog, err := s.store.ListEvents(ctx, id, since)
	if err != nil {
		unsubscribe()
		return nil, err
	}
	_, active := s.runs.Load(id)

	out := make(chan *schema.ExecutionEvent, 16)
	go func() {
		defer close(out)
		defer unsubscribe()

		send := func(ev *schema.ExecutionEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		seen := make(map[int64]bool, len(backlog))
		last := since
		replay := func(events []*schema.ExecutionEvent) bool {
			for _, ev := range events {
				if !send(ev) || ev.Type == schema.EventExecutionFinished {
					return false
				}
				seen[ev.ID] = true
				last = max(last, ev.ID)
			}
			return true
		}
		if !replay(backlog) {
			return
		}
		if !active {
			// The run may have finished between the backlog read and the
			// liveness check; pick up whatever it stored meanwhile.
			if tail, err := s.store.ListEvents(ctx, id, last); err == nil {
				replay(tail)
			}
			return
		}
		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				if seen[ev.ID] || ev.ID <= since {
					continue
				}
				if !send(ev) || ev.Type == schema.EventExecutionFinished {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RecoverInterrupted marks runs left PENDING or RUNNING by a previous
// process as CANCELLED. It returns how many records it closed.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []schema.ExecutionStatus{schema.ExecutionPending, schema.ExecutionRunning} {
		sums, err := s.store.ListExecutions(ctx, schema.ExecutionFilter{Status: st})
		if err != nil {
			return n, err
		}
		for _, sum := range sums {
			if _, live := s.runs.Load(sum.ExecutionID); live {
				continue
			}
			rec, err := s.store.GetExecution(ctx, sum.ExecutionID)
			if err != nil {
				return n, err
			}
			now := time.Now().UTC()
			rec.Status = schema.ExecutionCancelled
			rec.FinishedAt = &now
			rec.Error = "interrupted: owning process stopped before the run finished"
			for _, r := range rec.NodeResults {
				if !r.Status.Terminal() {
					r.Status = schema.NodeCancelled
				}
			}
			if err := s.store.SaveExecution(ctx, rec); err != nil {
				return n, err
			}
			n++
		}
	}
	if n > 0 {
		s.logger.WarnContext(ctx, "recovered interrupted executions", "count", n)
	}
	return n, nil
}

// Shutdown stops accepting runs, cancels the active ones and waits for them
// to persist, or for ctx to end.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.stopRuns()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.pool.Shutdown()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
