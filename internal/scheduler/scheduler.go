// Package scheduler fires workflow runs from cron triggers.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/service"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Trigger runs Workflow with Payload whenever Cron is due.
type Trigger struct {
	Workflow string         `json:"workflow" yaml:"workflow"`
	Cron     string         `json:"cron" yaml:"cron"`
	Payload  map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// Runner is the subset of the service the scheduler drives.
type Runner interface {
	RunWorkflow(ctx context.Context, name string, payload map[string]any, opts service.RunOptions) (*schema.ExecutionRecord, error)
	GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse cron expression %q: %s", expr, err.Error()).WithCause(err)
	}
	return sched, nil
}

type entry struct {
	trigger  Trigger
	schedule cron.Schedule
	next     time.Time
	lastExec string
}

// Scheduler checks its triggers once a minute and starts due runs
// asynchronously. A trigger whose previous run is still in flight is skipped.
type Scheduler struct {
	runner   Runner
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler parses every trigger up front; any invalid entry fails the whole set.
func NewScheduler(triggers []Trigger, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	entries := make([]*entry, 0, len(triggers))
	for i, t := range triggers {
		if t.Workflow == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "triggers[%d]: workflow is required", i)
		}
		sched, err := ParseCron(t.Cron)
		if err != nil {
			return nil, fmt.Errorf("triggers[%d]: %w", i, err)
		}
		entries = append(entries, &entry{trigger: t, schedule: sched})
	}
	return &Scheduler{
		runner:   runner,
		logger:   logger,
		interval: time.Minute,
		entries:  entries,
	}, nil
}

// Len returns the number of triggers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start launches the background loop. The first runs are scheduled from now.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.arm(time.Now().UTC())

	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler started", "triggers", s.Len())
	return nil
}

// Stop halts the loop and waits for it. Runs already started keep going.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

// arm schedules every entry's next fire time after now.
func (s *Scheduler) arm(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		e.next = e.schedule.Next(now)
	}
}

// tick starts every entry due at now and reschedules it.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.next.After(now) {
			continue
		}
		e.next = e.schedule.Next(now)

		if s.inFlight(ctx, e) {
			s.logger.InfoContext(ctx, "skipping trigger, previous run still in flight",
				logging.AttrWorkflowName, e.trigger.Workflow,
				"execution_id", e.lastExec,
			)
			continue
		}

		rec, err := s.runner.RunWorkflow(ctx, e.trigger.Workflow, e.trigger.Payload, service.RunOptions{Async: true})
		if err != nil {
			e.lastExec = ""
			s.logger.ErrorContext(ctx, "scheduled run failed to start",
				logging.AttrWorkflowName, e.trigger.Workflow,
				"cron", e.trigger.Cron,
				"error", err,
			)
			continue
		}
		e.lastExec = rec.ExecutionID
		s.logger.InfoContext(logging.WithRun(ctx, rec.ExecutionID, e.trigger.Workflow), "scheduled run started",
			"cron", e.trigger.Cron,
			"next", e.next,
		)
	}
}

func (s *Scheduler) inFlight(ctx context.Context, e *entry) bool {
	if e.lastExec == "" {
		return false
	}
	rec, err := s.runner.GetExecution(ctx, e.lastExec)
	if err != nil {
		return false
	}
	return !rec.Status.Terminal()
}
