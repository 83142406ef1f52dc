// Package resolve implements the promise resolver: turning a Task's
// argument list, which may contain promises referencing earlier tasks'
// outputs, into a fully literal argument vector.
package resolve

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"

	"github.com/swarmguard/ipvm/internal/receipt"
	"github.com/swarmguard/ipvm/internal/receiptstore"
	"github.com/swarmguard/ipvm/internal/workflow"
)

// PromiseResolutionFailed reports that a promise could not be resolved:
// the referenced task's receipt is absent, or its selector doesn't match
// the receipt's outcome variant. Fatal to the task that owns it and,
// transitively, to its workflow.
type PromiseResolutionFailed struct {
	TaskCID  cid.Cid
	Selector workflow.Selector
	Reason   string
}

func (e *PromiseResolutionFailed) Error() string {
	return fmt.Sprintf("promise resolution failed for %s (%s): %s", e.TaskCID, e.Selector, e.Reason)
}

// TaskStates is the read-only view a Resolver needs into a Worker's
// in-memory task-state table: a receipt for instructionCID if the task
// has already settled locally, preferred over the receipt store because
// it reflects this worker's own view without an extra store round-trip.
type TaskStates interface {
	LocalReceipt(instructionCID cid.Cid) (receipt.Receipt, bool)
}

// Resolver resolves promise arguments against a worker's local task
// states first, falling back to the shared receipt store.
type Resolver struct {
	local TaskStates
	store *receiptstore.Store
}

// New constructs a Resolver backed by local (a worker's task-state table)
// and store (the shared durable receipt store).
func New(local TaskStates, store *receiptstore.Store) *Resolver {
	return &Resolver{local: local, store: store}
}

// Resolve turns args into a slice of literal ipld.Node values, resolving
// every promise in order. Non-promise arguments pass through unchanged.
func (r *Resolver) Resolve(ctx context.Context, args []workflow.Argument) ([]ipld.Node, error) {
	out := make([]ipld.Node, len(args))
	for i, a := range args {
		if !a.IsPromise() {
			out[i] = a.Literal
			continue
		}
		n, err := r.resolvePromise(ctx, a.Promise)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func (r *Resolver) resolvePromise(ctx context.Context, p *workflow.Promise) (ipld.Node, error) {
	rcpt, ok := r.local.LocalReceipt(p.TaskCID)
	if !ok {
		var err error
		rcpt, err = r.store.Get(ctx, p.TaskCID)
		if err != nil {
			return nil, &PromiseResolutionFailed{TaskCID: p.TaskCID, Selector: p.Selector, Reason: "no receipt available: " + err.Error()}
		}
	}
	return selectOutcome(rcpt, p.Selector)
}

// outcome is the tagged sum a receipt's output is assumed to carry:
// either an "ok" variant or an "error" variant, distinguished by a
// top-level map key. A receipt whose output is a bare literal (no
// ok/error tagging) is treated as an implicit ok, which keeps Instruction
// outputs simple for pure, always-succeeding operations.
func selectOutcome(rcpt receipt.Receipt, sel workflow.Selector) (ipld.Node, error) {
	okNode, okErr := rcpt.Output.LookupByString("ok")
	errNode, errErr := rcpt.Output.LookupByString("error")

	switch sel {
	case workflow.AwaitOk:
		if okErr == nil {
			return okNode, nil
		}
		if errErr == nil {
			return nil, &PromiseResolutionFailed{TaskCID: rcpt.InstructionCID, Selector: sel, Reason: "receipt is an error variant"}
		}
		return rcpt.Output, nil // untagged literal: treat as ok
	case workflow.AwaitErr:
		if errErr == nil {
			return errNode, nil
		}
		return nil, &PromiseResolutionFailed{TaskCID: rcpt.InstructionCID, Selector: sel, Reason: "receipt is not an error variant"}
	case workflow.AwaitAny:
		return tagAny(rcpt, okErr == nil, errErr == nil, okNode, errNode)
	default:
		return nil, &PromiseResolutionFailed{TaskCID: rcpt.InstructionCID, Selector: sel, Reason: "unknown selector"}
	}
}

func tagAny(rcpt receipt.Receipt, hasOk, hasErr bool, okNode, errNode ipld.Node) (ipld.Node, error) {
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(1)
	if err != nil {
		return nil, err
	}
	switch {
	case hasOk:
		if err := ma.AssembleKey().AssignString("ok"); err != nil {
			return nil, err
		}
		if err := ma.AssembleValue().AssignNode(okNode); err != nil {
			return nil, err
		}
	case hasErr:
		if err := ma.AssembleKey().AssignString("error"); err != nil {
			return nil, err
		}
		if err := ma.AssembleValue().AssignNode(errNode); err != nil {
			return nil, err
		}
	default:
		if err := ma.AssembleKey().AssignString("ok"); err != nil {
			return nil, err
		}
		if err := ma.AssembleValue().AssignNode(rcpt.Output); err != nil {
			return nil, err
		}
	}
	if err := ma.Finish(); err != nil {
		return nil, err
	}
	return nb.Build(), nil
}
