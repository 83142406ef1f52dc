// Package scheduler implements cron- and event-triggered re-execution of
// named workflows, the kind of recurring/webhook-driven re-run a daemon
// mode needs beyond one-shot submission.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/ipvm/internal/runner"
	"github.com/swarmguard/ipvm/internal/workflowstore"
)

// ScheduleConfig defines when and how to re-run a named workflow.
// Additive to the base data model per SPEC_FULL.md §5 — not in the
// original spec's module list, not excluded by any Non-goal.
type ScheduleConfig struct {
	WorkflowName  string            `json:"workflow_name"`
	CronExpr      string            `json:"cron_expr,omitempty"`
	EventType     string            `json:"event_type,omitempty"`
	EventFilter   map[string]string `json:"event_filter,omitempty"`
	Enabled       bool              `json:"enabled"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	Timeout       time.Duration     `json:"timeout,omitempty"`
}

// eventHandler tracks every schedule registered for one event type and
// how many of its triggered executions are currently in flight.
type eventHandler struct {
	mu        sync.Mutex
	schedules []*ScheduleConfig
	running   int
}

// Scheduler owns cron entries and event-trigger registrations for
// workflows persisted in a workflowstore, re-running them through a
// Runner in place of a DAG-engine/plugin-registry pair.
type Scheduler struct {
	cron    *cron.Cron
	store   *workflowstore.Store
	runner  *runner.Runner
	logger  *slog.Logger
	tracer  trace.Tracer

	mu            sync.RWMutex
	entryIDs      map[string]cron.EntryID
	eventHandlers map[string]*eventHandler

	scheduleRuns  metric.Int64Counter
	scheduleFails metric.Int64Counter
	eventTriggers metric.Int64Counter
}

// New constructs a Scheduler over store (for workflow lookup by name)
// and rn (to drive re-execution).
func New(store *workflowstore.Store, rn *runner.Runner, logger *slog.Logger, meter metric.Meter) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("ipvm-scheduler")
	}
	scheduleRuns, _ := meter.Int64Counter("ipvm_scheduler_runs_total")
	scheduleFails, _ := meter.Int64Counter("ipvm_scheduler_failures_total")
	eventTriggers, _ := meter.Int64Counter("ipvm_scheduler_event_triggers_total")
	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()),
		store:         store,
		runner:        rn,
		logger:        logger,
		tracer:        otel.Tracer("ipvm-scheduler"),
		entryIDs:      make(map[string]cron.EntryID),
		eventHandlers: make(map[string]*eventHandler),
		scheduleRuns:  scheduleRuns,
		scheduleFails: scheduleFails,
		eventTriggers: eventTriggers,
	}
}

// Start begins running registered cron entries.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started")
}

// Stop gracefully waits for in-flight cron jobs to finish, up to ctx's
// deadline.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AddSchedule registers cfg: a cron expression runs on its own timer, an
// event type registers a trigger waiting for TriggerEvent.
func (s *Scheduler) AddSchedule(ctx context.Context, cfg *ScheduleConfig) error {
	ctx, span := s.tracer.Start(ctx, "scheduler.add_schedule",
		trace.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
	defer span.End()

	switch {
	case cfg.CronExpr != "":
		entryID, err := s.cron.AddFunc(cfg.CronExpr, func() {
			s.executeScheduled(context.Background(), cfg)
		})
		if err != nil {
			return fmt.Errorf("add cron schedule: %w", err)
		}
		s.mu.Lock()
		s.entryIDs[cfg.WorkflowName] = entryID
		s.mu.Unlock()
	case cfg.EventType != "":
		s.registerEventHandler(cfg)
	default:
		return fmt.Errorf("schedule for %q needs cron_expr or event_type", cfg.WorkflowName)
	}
	return nil
}

// RemoveSchedule unregisters any cron entry and event-trigger entries
// for workflowName.
func (s *Scheduler) RemoveSchedule(workflowName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entryIDs[workflowName]; ok {
		s.cron.Remove(id)
		delete(s.entryIDs, workflowName)
	}
	for eventType, h := range s.eventHandlers {
		h.mu.Lock()
		kept := h.schedules[:0]
		for _, sc := range h.schedules {
			if sc.WorkflowName != workflowName {
				kept = append(kept, sc)
			}
		}
		h.schedules = kept
		empty := len(h.schedules) == 0
		h.mu.Unlock()
		if empty {
			delete(s.eventHandlers, eventType)
		}
	}
}

func (s *Scheduler) registerEventHandler(cfg *ScheduleConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.eventHandlers[cfg.EventType]
	if !ok {
		h = &eventHandler{}
		s.eventHandlers[cfg.EventType] = h
	}
	h.schedules = append(h.schedules, cfg)
}

// TriggerEvent fires every enabled schedule registered for eventType
// whose filter matches eventData, subject to each schedule's
// MaxConcurrent limit.
func (s *Scheduler) TriggerEvent(ctx context.Context, eventType string, eventData map[string]string) {
	ctx, span := s.tracer.Start(ctx, "scheduler.trigger_event",
		trace.WithAttributes(attribute.String("event_type", eventType)))
	defer span.End()

	s.mu.RLock()
	h, ok := s.eventHandlers[eventType]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.eventTriggers.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))

	h.mu.Lock()
	schedules := append([]*ScheduleConfig(nil), h.schedules...)
	h.mu.Unlock()

	for _, cfg := range schedules {
		if !cfg.Enabled || !matchesFilter(eventData, cfg.EventFilter) {
			continue
		}
		h.mu.Lock()
		if cfg.MaxConcurrent > 0 && h.running >= cfg.MaxConcurrent {
			h.mu.Unlock()
			s.logger.Warn("max concurrent schedule executions reached", "workflow", cfg.WorkflowName)
			continue
		}
		h.running++
		h.mu.Unlock()

		go func(cfg *ScheduleConfig) {
			defer func() { h.mu.Lock(); h.running--; h.mu.Unlock() }()
			execCtx := context.Background()
			if cfg.Timeout > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(execCtx, cfg.Timeout)
				defer cancel()
			}
			s.executeScheduled(execCtx, cfg)
		}(cfg)
	}
}

func (s *Scheduler) executeScheduled(ctx context.Context, cfg *ScheduleConfig) {
	ctx, span := s.tracer.Start(ctx, "scheduler.execute_workflow",
		trace.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
	defer span.End()

	wf, err := s.store.GetDefinition(ctx, cfg.WorkflowName)
	if err != nil {
		s.logger.Error("scheduled workflow not found", "workflow", cfg.WorkflowName, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
		return
	}

	ack, err := s.runner.Run(ctx, wf, cfg.WorkflowName)
	if err != nil {
		s.logger.Error("scheduled workflow run failed", "workflow", cfg.WorkflowName, "error", err)
		s.scheduleFails.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
		return
	}
	s.scheduleRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", cfg.WorkflowName)))
	s.logger.Info("scheduled workflow triggered", "workflow", cfg.WorkflowName, "workflow_cid", ack.WorkflowCID, "already_running", ack.AlreadyRan)
}

func matchesFilter(eventData, filter map[string]string) bool {
	if len(filter) == 0 {
		return true
	}
	for k, want := range filter {
		if got, ok := eventData[k]; !ok || got != want {
			return false
		}
	}
	return true
}

// MarshalScheduleConfig and UnmarshalScheduleConfig exist so callers
// persisting schedules (e.g. into a config file or a future schedules
// bucket) use the same JSON shape the orchestrator's schedule store did.
func MarshalScheduleConfig(cfg *ScheduleConfig) ([]byte, error) { return json.Marshal(cfg) }
func UnmarshalScheduleConfig(data []byte) (*ScheduleConfig, error) {
	var cfg ScheduleConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
