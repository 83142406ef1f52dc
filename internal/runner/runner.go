// Package runner implements the Runner (component H): the top-level
// owner of every in-flight workflow's Worker, its lifecycle, and its
// cancellation, modeled on a cancellation-tracking map keyed by run ID.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/ipvm/internal/eventloop"
	"github.com/swarmguard/ipvm/internal/gossip"
	"github.com/swarmguard/ipvm/internal/receiptstore"
	"github.com/swarmguard/ipvm/internal/sandbox"
	"github.com/swarmguard/ipvm/internal/worker"
	"github.com/swarmguard/ipvm/internal/workflow"
	"github.com/swarmguard/ipvm/internal/workflowstore"
)

// NotRunning reports that a workflow named in Stop/Ping has no active
// execution tracked by this Runner.
type NotRunning struct {
	WorkflowCID cid.Cid
}

func (e *NotRunning) Error() string {
	return fmt.Sprintf("workflow %s is not running", e.WorkflowCID)
}

// execution tracks one Worker's lifecycle: its handle, cancel func, and
// observed outcome.
type execution struct {
	w          *worker.Worker
	cancel     context.CancelFunc
	status     worker.Status
	startedAt  time.Time
	finishedAt time.Time
	done       chan struct{}
}

// AckWorkflow is the acknowledgement returned when a workflow run is
// accepted: its CID, and whether this call found an execution already in
// flight rather than starting a new one (run is idempotent per spec.md
// §4.H).
type AckWorkflow struct {
	WorkflowCID cid.Cid
	AlreadyRan  bool
}

// Runner owns every active workflow execution: run, stop, ping. Grounded
// on CancellationManager's tracking-map idiom, generalized from
// execution-cancellation-only to full workflow lifecycle ownership.
type Runner struct {
	mu        sync.Mutex
	active    map[string]*execution
	receipts  *receiptstore.Store
	workflows *workflowstore.Store
	sandbox   sandbox.Sandbox
	gossip    *gossip.Adapter
	mediator  *eventloop.Mediator
	settings  worker.Settings
	logger    *slog.Logger

	cancellations metric.Int64Counter
}

// New constructs a Runner. gossipAdapter and mediator may both be nil to
// disable network participation, as internal/worker allows.
func New(receipts *receiptstore.Store, workflows *workflowstore.Store, sb sandbox.Sandbox, gossipAdapter *gossip.Adapter, mediator *eventloop.Mediator, settings worker.Settings, logger *slog.Logger, meter metric.Meter) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("ipvm-runner")
	}
	cancellations, _ := meter.Int64Counter("ipvm_runner_cancellations_total")
	return &Runner{
		active:        make(map[string]*execution),
		receipts:      receipts,
		workflows:     workflows,
		sandbox:       sb,
		gossip:        gossipAdapter,
		mediator:      mediator,
		settings:      settings,
		logger:        logger,
		cancellations: cancellations,
	}
}

// Run starts executing wf in the background, or returns AlreadyRan:true
// if an execution for the same workflow CID is already running — run is
// idempotent, matching spec.md §4.H. An empty name is recorded as the
// workflow's CID.
func (rn *Runner) Run(ctx context.Context, wf *workflow.Workflow, name string) (AckWorkflow, error) {
	wfCID, err := wf.CID()
	if err != nil {
		return AckWorkflow{}, fmt.Errorf("workflow cid: %w", err)
	}
	key := wfCID.String()
	if name == "" {
		name = key
	}

	rn.mu.Lock()
	if ex, ok := rn.active[key]; ok && ex.status == worker.StatusRunning {
		rn.mu.Unlock()
		return AckWorkflow{WorkflowCID: wfCID, AlreadyRan: true}, nil
	}
	rn.mu.Unlock()

	if err := rn.workflows.Put(ctx, workflowstore.Record{CID: wfCID, Name: name, CreatedAt: time.Now()}); err != nil {
		return AckWorkflow{}, fmt.Errorf("record workflow: %w", err)
	}

	w, err := worker.New(wf, rn.receipts, rn.sandbox, rn.gossip, rn.mediator, rn.settings, rn.logger)
	if err != nil {
		return AckWorkflow{}, fmt.Errorf("construct worker: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ex := &execution{w: w, cancel: cancel, status: worker.StatusRunning, startedAt: time.Now(), done: make(chan struct{})}

	rn.mu.Lock()
	rn.active[key] = ex
	rn.mu.Unlock()

	go rn.drive(runCtx, wfCID, ex)

	return AckWorkflow{WorkflowCID: wfCID}, nil
}

// drive runs w to completion, records its final status, and marks the
// workflow record completed in the durable store.
func (rn *Runner) drive(ctx context.Context, wfCID cid.Cid, ex *execution) {
	defer close(ex.done)

	status, err := ex.w.Run(ctx)
	if err != nil && status != worker.StatusCancelled {
		rn.logger.Error("workflow run error", "workflow_cid", wfCID, "error", err)
	}

	rn.mu.Lock()
	ex.status = status
	ex.finishedAt = time.Now()
	rn.mu.Unlock()

	if mErr := rn.workflows.MarkCompleted(context.Background(), wfCID, ex.finishedAt); mErr != nil {
		rn.logger.Warn("mark workflow completed failed", "workflow_cid", wfCID, "error", mErr)
	}
}

// Stop cancels a running workflow's execution. Returns *NotRunning if no
// execution for workflowCID is tracked.
func (rn *Runner) Stop(ctx context.Context, workflowCID cid.Cid) error {
	rn.mu.Lock()
	ex, ok := rn.active[workflowCID.String()]
	rn.mu.Unlock()
	if !ok {
		return &NotRunning{WorkflowCID: workflowCID}
	}
	if ex.status != worker.StatusRunning {
		return nil
	}

	ex.cancel()
	ex.w.Cancel()
	rn.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow_cid", workflowCID.String())))

	select {
	case <-ex.done:
	case <-time.After(5 * time.Second):
		rn.logger.Warn("stop timed out waiting for worker shutdown", "workflow_cid", workflowCID)
	}
	return nil
}

// Ping reports a tracked workflow's current status.
func (rn *Runner) Ping(workflowCID cid.Cid) (worker.Status, error) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	ex, ok := rn.active[workflowCID.String()]
	if !ok {
		return 0, &NotRunning{WorkflowCID: workflowCID}
	}
	return ex.status, nil
}

// StopAll cancels every currently-running execution, for graceful
// shutdown. Returns the number of executions it signalled.
func (rn *Runner) StopAll(ctx context.Context, reason string) int {
	rn.mu.Lock()
	var running []*execution
	for _, ex := range rn.active {
		if ex.status == worker.StatusRunning {
			running = append(running, ex)
		}
	}
	rn.mu.Unlock()

	for _, ex := range running {
		ex.cancel()
		ex.w.Cancel()
		rn.cancellations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
	for _, ex := range running {
		select {
		case <-ex.done:
		case <-time.After(5 * time.Second):
		}
	}
	return len(running)
}
