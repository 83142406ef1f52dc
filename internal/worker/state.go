package worker

import (
	"context"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/swarmguard/ipvm/internal/receipt"
	"github.com/swarmguard/ipvm/internal/workflow"
)

// State is one task's position in the per-task state machine from
// spec.md §4.E.
type State int

const (
	StateWaiting State = iota
	StateReady
	StateRunning
	StateAwaiting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateAwaiting:
		return "awaiting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// entry is one task's mutable state-table row. Its mutable fields are
// never accessed without Worker.mu held; task and instructionCID are set
// once at construction and read without it.
type entry struct {
	task           workflow.Task
	instructionCID cid.Cid
	state          State
	unmetDeps      map[string]struct{}
	receipt        *receipt.Receipt
	failReason     error
	fatal          bool
	attempts       int
	cancel         context.CancelFunc
	awaitDeadline  time.Time
}

// Status is a workflow's terminal (or running) outcome.
type Status int

const (
	StatusRunning Status = iota
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
