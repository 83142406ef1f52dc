// Package worker implements the per-workflow scheduler (component E,
// the hardest subsystem per spec.md §4.E): the task-state machine,
// semaphore-bounded concurrency, the capture/await/execute protocol, and
// the per-task retry and cancellation policy.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"

	"github.com/swarmguard/ipvm/internal/eventloop"
	"github.com/swarmguard/ipvm/internal/gossip"
	"github.com/swarmguard/ipvm/internal/receipt"
	"github.com/swarmguard/ipvm/internal/receiptstore"
	"github.com/swarmguard/ipvm/internal/resilience"
	"github.com/swarmguard/ipvm/internal/resolve"
	"github.com/swarmguard/ipvm/internal/sandbox"
	"github.com/swarmguard/ipvm/internal/workflow"
)

// Settings bounds a worker's scheduling behavior, named after spec.md
// §6's configuration table.
type Settings struct {
	MaxParallel     int
	Retries         int
	P2PCheckTimeout time.Duration
	ShutdownTimeout time.Duration
}

// completion is produced by a dispatched task's execution goroutine once
// the sandbox call (with retries) finishes, successfully or not.
type completion struct {
	instructionCID cid.Cid
	output         ipld.Node
	err            error
}

// Worker executes one Workflow end to end: scheduling ready tasks,
// consulting the receipt store and the network before executing, and
// producing/storing/publishing receipts as tasks complete.
type Worker struct {
	wf       *workflow.Workflow
	wfCID    cid.Cid
	store    *receiptstore.Store
	sandbox  sandbox.Sandbox
	gossip   *gossip.Adapter // nil disables network participation
	mediator *eventloop.Mediator
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   []string
	sem     chan struct{}
	pending []string // instruction cids awaiting a free semaphore slot
	status  Status

	completions chan completion
	expirations chan cid.Cid
	events      <-chan eventloop.Event
}

// New constructs a Worker for wf. gossip may be nil, in which case the
// worker never publishes captures/receipts and never short-circuits on
// network delivery — useful for single-node tests of scheduling logic.
func New(wf *workflow.Workflow, store *receiptstore.Store, sb sandbox.Sandbox, gossipAdapter *gossip.Adapter, mediator *eventloop.Mediator, settings Settings, logger *slog.Logger) (*Worker, error) {
	wfCID, err := wf.CID()
	if err != nil {
		return nil, fmt.Errorf("workflow cid: %w", err)
	}
	if settings.MaxParallel <= 0 {
		settings.MaxParallel = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		wf:          wf,
		wfCID:       wfCID,
		store:       store,
		sandbox:     sb,
		gossip:      gossipAdapter,
		mediator:    mediator,
		settings:    settings,
		logger:      logger,
		entries:     make(map[string]*entry),
		sem:         make(chan struct{}, settings.MaxParallel),
		completions: make(chan completion, wf.Len()),
		expirations: make(chan cid.Cid, wf.Len()),
	}
	return w, nil
}

// LocalReceipt implements resolve.TaskStates against this worker's
// in-memory task-state table.
func (w *Worker) LocalReceipt(instructionCID cid.Cid) (receipt.Receipt, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[instructionCID.String()]
	if !ok || e.state != StateDone || e.receipt == nil {
		return receipt.Receipt{}, false
	}
	return *e.receipt, true
}

// Status returns the worker's current terminal (or running) status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Cancel stops every running task and marks the workflow Cancelled. Safe
// to call from outside the scheduling goroutine; the transition is
// observed by Run on its next loop iteration.
func (w *Worker) Cancel() {
	w.cancelRunning("worker cancelled")
	w.setStatus(StatusCancelled)
}

// Run executes the workflow to completion: every task Done, or the
// workflow Failed/Cancelled. It returns when the workflow reaches a
// terminal state or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) (Status, error) {
	if w.gossip != nil {
		if err := w.gossip.Subscribe(w.wfCID); err != nil {
			return StatusFailed, fmt.Errorf("subscribe gossip: %w", err)
		}
		defer w.gossip.Unsubscribe(w.wfCID)
	}
	if w.mediator != nil {
		w.events = w.mediator.Subscribe(w.wfCID)
		defer w.mediator.Unsubscribe(w.wfCID)
	}

	resolver := resolve.New(w, w.store)

	if err := w.initEntries(ctx); err != nil {
		return StatusFailed, fmt.Errorf("init entries: %w", err)
	}
	w.dispatchReady(ctx)

	for {
		if w.isTerminal() {
			break
		}
		select {
		case <-ctx.Done():
			w.cancelRunning("context cancelled")
			w.setStatus(StatusCancelled)
			return StatusCancelled, ctx.Err()
		case c := <-w.completions:
			w.handleCompletion(ctx, c)
		case instr := <-w.expirations:
			w.handleExpiration(ctx, instr, resolver)
		case ev, ok := <-w.events:
			if !ok {
				continue
			}
			w.handleNetworkEvent(ctx, ev)
		}
	}
	return w.Status(), nil
}

func (w *Worker) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

// isTerminal reports whether every task is Done, or the workflow has
// already been marked Failed/Cancelled.
func (w *Worker) isTerminal() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusFailed || w.status == StatusCancelled {
		return true
	}
	for _, e := range w.entries {
		if e.state != StateDone {
			return false
		}
	}
	w.status = StatusCompleted
	return true
}

// initEntries computes each task's initial state per spec.md §4.E:
// Done if the receipt store already has a receipt, else Ready or
// Waiting(deps).
func (w *Worker) initEntries(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	cids := w.wf.TaskCIDs()
	tasks := w.wf.Tasks()
	for i, t := range tasks {
		instrCID := cids[i]
		key := instrCID.String()
		e := &entry{task: t, instructionCID: instrCID}

		if r, err := w.store.Get(ctx, instrCID); err == nil {
			e.state = StateDone
			rc := r
			e.receipt = &rc
			w.entries[key] = e
			w.order = append(w.order, key)
			continue
		}

		deps, err := t.Dependencies()
		if err != nil {
			return fmt.Errorf("task %s dependencies: %w", key, err)
		}
		unmet := make(map[string]struct{})
		for _, d := range deps {
			depEntry, ok := w.entries[d.String()]
			if ok && depEntry.state == StateDone {
				continue
			}
			unmet[d.String()] = struct{}{}
		}
		if len(unmet) == 0 {
			e.state = StateReady
		} else {
			e.state = StateWaiting
			e.unmetDeps = unmet
		}
		w.entries[key] = e
		w.order = append(w.order, key)
	}
	return nil
}

// dispatchReady transitions every Ready task to Awaiting, publishes a
// capture announcement, and arms its p2p_check_timeout deadline timer
// (step 1 of the scheduling loop).
func (w *Worker) dispatchReady(ctx context.Context) {
	w.mu.Lock()
	var ready []*entry
	for _, e := range w.entries {
		if e.state == StateReady {
			e.state = StateAwaiting
			e.awaitDeadline = time.Now().Add(w.settings.P2PCheckTimeout)
			ready = append(ready, e)
		}
	}
	w.mu.Unlock()

	for _, e := range ready {
		w.announceCapture(ctx, e.instructionCID)
		go w.armDeadline(e.instructionCID, w.settings.P2PCheckTimeout)
	}
}

func (w *Worker) announceCapture(ctx context.Context, instructionCID cid.Cid) {
	if w.gossip == nil {
		return
	}
	if err := w.gossip.Publish(ctx, w.wfCID, gossip.Message{Capture: &gossip.CaptureMsg{InstructionCID: instructionCID, Peer: "self"}}); err != nil {
		w.logger.Warn("capture publish failed", "instruction_cid", instructionCID, "error", err)
	}
}

func (w *Worker) armDeadline(instructionCID cid.Cid, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	<-timer.C
	w.expirations <- instructionCID
}

// handleExpiration runs step 2 of the scheduling loop: if the task is
// still Awaiting without a receipt, enqueue it for execution; dispatch
// immediately if a semaphore slot is free.
func (w *Worker) handleExpiration(ctx context.Context, instructionCID cid.Cid, resolver *resolve.Resolver) {
	key := instructionCID.String()
	w.mu.Lock()
	e, ok := w.entries[key]
	if !ok || e.state != StateAwaiting {
		w.mu.Unlock()
		return
	}
	w.pending = append(w.pending, key)
	w.mu.Unlock()

	w.tryDispatchPending(ctx, resolver)
}

// tryDispatchPending pulls pending tasks off the queue while a
// semaphore slot is free, resolving promises and launching execution for
// each.
func (w *Worker) tryDispatchPending(ctx context.Context, resolver *resolve.Resolver) {
	for {
		select {
		case w.sem <- struct{}{}:
		default:
			return
		}

		w.mu.Lock()
		if len(w.pending) == 0 {
			w.mu.Unlock()
			<-w.sem
			return
		}
		key := w.pending[0]
		w.pending = w.pending[1:]
		e, ok := w.entries[key]
		if !ok || e.state != StateAwaiting {
			w.mu.Unlock()
			<-w.sem
			continue
		}
		e.state = StateRunning
		w.mu.Unlock()

		go w.execute(ctx, e, resolver)
	}
}

// execute resolves a task's arguments and runs it in the sandbox with
// the per-task retry policy, reporting the outcome on w.completions.
func (w *Worker) execute(ctx context.Context, e *entry, resolver *resolve.Resolver) {
	defer func() { <-w.sem; w.mu.Lock(); pending := len(w.pending) > 0; w.mu.Unlock(); if pending { w.tryDispatchPending(ctx, resolver) } }()

	taskCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	e.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	if e.task.Run.IsRef() {
		w.completions <- completion{instructionCID: e.instructionCID, err: fmt.Errorf("worker: ref instructions require a pre-existing receipt, none found")}
		return
	}
	instr := e.task.Run.Expanded

	args, err := resolver.Resolve(taskCtx, instr.Args)
	if err != nil {
		w.completions <- completion{instructionCID: e.instructionCID, err: err}
		return
	}

	policy := resilience.Policy{
		MaxAttempts: w.settings.Retries + 1,
		InitialWait: 50 * time.Millisecond,
		MaxWait:     2 * time.Second,
		Multiplier:  2.0,
	}
	out, err := resilience.Retry(taskCtx, policy, func(attempt int) (ipld.Node, error) {
		w.mu.Lock()
		e.attempts = attempt
		w.mu.Unlock()
		return w.sandbox.Execute(taskCtx, instr.Resource, instr.Function, args, e.task.Resources)
	})
	w.completions <- completion{instructionCID: e.instructionCID, output: out, err: err}
}

func (w *Worker) cancelRunning(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, e := range w.entries {
		if e.state == StateRunning && e.cancel != nil {
			e.cancel()
		}
		if e.state != StateDone {
			e.state = StateFailed
			e.failReason = fmt.Errorf("cancelled: %s", reason)
		}
	}
}

// handleNetworkEvent applies a gossip-delivered Capture or Receipt to the
// local state table. A network Receipt always wins: it short-circuits a
// Waiting/Ready/Awaiting/Running task straight to Done, cancelling any
// locally-running execution for the same instruction (at-most-one
// effective execution per spec.md §4.E).
func (w *Worker) handleNetworkEvent(ctx context.Context, ev eventloop.Event) {
	switch ev.Kind {
	case eventloop.KindCapture:
		// A peer announced intent to execute; no local state change is
		// required since receipt delivery (not capture) is what settles
		// a task. Captures exist purely to damp duplicate network work.
	case eventloop.KindReceipt:
		w.completeFromNetwork(ctx, ev.InstructionCID, ev.Receipt)
	}
}

func (w *Worker) completeFromNetwork(ctx context.Context, instructionCID cid.Cid, r receipt.Receipt) {
	key := instructionCID.String()
	w.mu.Lock()
	e, ok := w.entries[key]
	if !ok || e.state == StateDone {
		w.mu.Unlock()
		return
	}
	if e.state == StateRunning && e.cancel != nil {
		e.cancel()
	}
	w.mu.Unlock()

	stored, err := w.store.Put(ctx, r, true)
	if err != nil {
		w.logger.Warn("store network receipt failed", "instruction_cid", instructionCID, "error", err)
		return
	}
	w.markDone(instructionCID, &stored)
}

// handleCompletion processes a local execution's outcome: success
// produces and stores a Receipt, published to the network; failure is
// classified per the retry/fatal policy in spec.md §4.E and either marks
// the task Failed (and its workflow Failed) or is already exhausted by
// resilience.Retry by the time it reaches here.
func (w *Worker) handleCompletion(ctx context.Context, c completion) {
	key := c.instructionCID.String()
	w.mu.Lock()
	e, ok := w.entries[key]
	done := ok && e.state == StateDone
	w.mu.Unlock()
	if !ok || done {
		return
	}

	if c.err != nil {
		w.failTask(e, c.err)
		return
	}

	r := receipt.New(c.instructionCID, c.output, receipt.Meta{Op: e.task.Run.Expanded.Function, WorkflowCID: w.wfCID}, "", nil, time.Now())
	stored, err := w.store.Put(ctx, r, false)
	if err != nil {
		w.failTask(e, fmt.Errorf("store receipt: %w", err))
		return
	}
	if w.gossip != nil {
		if err := w.gossip.Publish(ctx, w.wfCID, gossip.Message{Receipt: &stored}); err != nil {
			w.logger.Warn("receipt publish failed", "instruction_cid", c.instructionCID, "error", err)
		}
	}
	w.markDone(c.instructionCID, &stored)
}

// failTask marks a task (and, transitively, the whole workflow) Failed.
// A *resolve.PromiseResolutionFailed never reaches resilience.Retry — it
// is raised while resolving arguments, before the sandbox is ever called
// — so it is fatal on its first and only occurrence; every other error
// here already exhausted its retries inside resilience.Retry.
func (w *Worker) failTask(e *entry, err error) {
	_, fatal := err.(*resolve.PromiseResolutionFailed)
	w.mu.Lock()
	e.state = StateFailed
	e.failReason = err
	e.fatal = fatal
	if w.status != StatusCancelled {
		w.status = StatusFailed
	}
	w.mu.Unlock()
	w.logger.Error("task failed", "instruction_cid", e.instructionCID, "error", err)
}

// markDone transitions instructionCID to Done and cascades any
// now-satisfied dependents from Waiting to Ready, dispatching them.
func (w *Worker) markDone(instructionCID cid.Cid, r *receipt.Receipt) {
	key := instructionCID.String()
	w.mu.Lock()
	e, ok := w.entries[key]
	if !ok {
		w.mu.Unlock()
		return
	}
	e.state = StateDone
	e.receipt = r
	var newlyReady []cid.Cid
	for _, other := range w.entries {
		if other.state != StateWaiting {
			continue
		}
		delete(other.unmetDeps, key)
		if len(other.unmetDeps) == 0 {
			other.state = StateReady
			newlyReady = append(newlyReady, other.instructionCID)
		}
	}
	w.mu.Unlock()

	if len(newlyReady) > 0 {
		w.dispatchReady(context.Background())
	}
}
