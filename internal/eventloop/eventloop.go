// Package eventloop implements the single-threaded mediator that
// serializes gossip messages, locally-produced receipts, capture
// announcements, and worker status updates per spec.md §4.F. Routing to
// the owning Worker happens over a per-workflow channel with exactly one
// consumer, which is what lets concurrent receipt delivery stay
// sequential per workflow without a coarse lock.
package eventloop

import (
	"context"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/swarmguard/ipvm/internal/receipt"
)

// Kind discriminates the Event variants this mediator routes.
type Kind int

const (
	KindCapture Kind = iota
	KindReceipt
	KindStatus
)

// Event is the unit the mediator delivers to a workflow's single
// consumer.
type Event struct {
	Kind           Kind
	InstructionCID cid.Cid
	Peer           string          // set for KindCapture
	Receipt        receipt.Receipt // set for KindReceipt
	Status         string          // set for KindStatus
	FromNetwork    bool            // false for locally-produced receipts/captures
}

// Mediator owns one inbound channel per workflow and fans events from
// many producers (the gossip subscriber, local sandbox completions, the
// runner) into each workflow's single consumer.
type Mediator struct {
	mu      sync.Mutex
	streams map[string]chan Event
	bufSize int
}

// New constructs a Mediator. bufSize bounds how many events may queue for
// a workflow's consumer before Publish blocks; a slow consumer applies
// backpressure to producers rather than dropping events.
func New(bufSize int) *Mediator {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Mediator{streams: make(map[string]chan Event), bufSize: bufSize}
}

// Subscribe registers the single consumer for workflowCID and returns its
// channel. Calling Subscribe twice for the same workflow is a programmer
// error: the second call replaces the first's channel, silently orphaning
// it, since this mediator enforces single-consumer-per-workflow by
// construction rather than by runtime check.
func (m *Mediator) Subscribe(workflowCID cid.Cid) <-chan Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan Event, m.bufSize)
	m.streams[workflowCID.String()] = ch
	return ch
}

// Unsubscribe closes and removes workflowCID's channel. Safe to call
// once a Worker has fully drained and terminated.
func (m *Mediator) Unsubscribe(workflowCID cid.Cid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := workflowCID.String()
	if ch, ok := m.streams[key]; ok {
		close(ch)
		delete(m.streams, key)
	}
}

// Publish delivers ev to workflowCID's consumer, blocking if its buffer
// is full, or returning an error immediately if ctx is done first. A
// publish to a workflow with no subscriber is a no-op: the workflow has
// already terminated and unsubscribed.
func (m *Mediator) Publish(ctx context.Context, workflowCID cid.Cid, ev Event) error {
	m.mu.Lock()
	ch, ok := m.streams[workflowCID.String()]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish event to workflow %s: %w", workflowCID, ctx.Err())
	}
}
