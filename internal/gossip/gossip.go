// Package gossip implements the pub/sub adapter (component G):
// publish/subscribe of Capture and Receipt messages on a workflow-scoped
// NATS subject, with sliding-window dedup by message CID and delivery
// into the event loop mediator.
package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/ipvm/internal/eventloop"
	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
	"github.com/swarmguard/ipvm/internal/receipt"
	"github.com/swarmguard/ipvm/internal/resilience"
)

// tag discriminates the two wire message kinds per spec.md §6: 0 for
// Capture, 1 for Receipt.
const (
	tagCapture int64 = 0
	tagReceipt int64 = 1
)

// Message is the sum type carried over the wire: exactly one of Capture
// or Receipt is non-nil.
type Message struct {
	Capture *CaptureMsg
	Receipt *receipt.Receipt
}

// CaptureMsg announces intent to execute an instruction, used for
// cross-peer deduplication.
type CaptureMsg struct {
	InstructionCID cid.Cid
	Peer           string
}

func encodeMessage(msg Message) ([]byte, error) {
	n, err := ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if msg.Capture != nil {
			if err := ma.AssembleKey().AssignString("t"); err != nil {
				return err
			}
			if err := ma.AssembleValue().AssignInt(tagCapture); err != nil {
				return err
			}
			if err := ma.AssembleKey().AssignString("v"); err != nil {
				return err
			}
			vn, err := ipvmipld.Build(func(vma ipld.MapAssembler) error {
				if err := vma.AssembleKey().AssignString("instruction_cid"); err != nil {
					return err
				}
				if err := vma.AssembleValue().AssignLink(ipvmipld.Link(msg.Capture.InstructionCID)); err != nil {
					return err
				}
				if err := vma.AssembleKey().AssignString("peer"); err != nil {
					return err
				}
				return vma.AssembleValue().AssignString(msg.Capture.Peer)
			})
			if err != nil {
				return err
			}
			return ma.AssembleValue().AssignNode(vn)
		}
		if err := ma.AssembleKey().AssignString("t"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignInt(tagReceipt); err != nil {
			return err
		}
		encoded, err := msg.Receipt.Encode()
		if err != nil {
			return err
		}
		rn, err := ipvmipld.Unmarshal(encoded)
		if err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("v"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignNode(rn)
	})
	if err != nil {
		return nil, err
	}
	encoded, _, err := ipvmipld.Marshal(n)
	return encoded, err
}

func decodeMessage(data []byte) (Message, error) {
	if err := ipvmipld.RoundTrip(data); err != nil {
		return Message{}, err
	}
	n, err := ipvmipld.Unmarshal(data)
	if err != nil {
		return Message{}, err
	}
	tag, err := ipvmipld.AsIntField(n, "t")
	if err != nil {
		return Message{}, err
	}
	v, err := ipvmipld.Field(n, "v")
	if err != nil {
		return Message{}, err
	}
	switch tag {
	case tagCapture:
		instrCID, err := ipvmipld.AsLinkField(v, "instruction_cid")
		if err != nil {
			return Message{}, err
		}
		peer, err := ipvmipld.AsStringField(v, "peer")
		if err != nil {
			return Message{}, err
		}
		return Message{Capture: &CaptureMsg{InstructionCID: instrCID, Peer: peer}}, nil
	case tagReceipt:
		vBytes, _, err := ipvmipld.Marshal(v)
		if err != nil {
			return Message{}, err
		}
		r, err := receipt.Decode(vBytes)
		if err != nil {
			return Message{}, err
		}
		return Message{Receipt: &r}, nil
	default:
		return Message{}, &ipvmipld.Malformed{Reason: fmt.Sprintf("unknown gossip message tag %d", tag)}
	}
}

func subject(workflowCID cid.Cid) string {
	return "ipvm.workflow." + workflowCID.String()
}

// dedup is a bounded sliding-window set of recently-seen message CIDs,
// evicted by age the same way the orchestrator's ResultCache evicts
// stale task results.
type dedup struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	window  time.Duration
}

func newDedup(window time.Duration) *dedup {
	d := &dedup{seen: make(map[string]time.Time), window: window}
	go d.cleanupLoop()
	return d
}

func (d *dedup) cleanupLoop() {
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()
	for range ticker.C {
		d.mu.Lock()
		now := time.Now()
		for k, t := range d.seen {
			if now.Sub(t) > d.window {
				delete(d.seen, k)
			}
		}
		d.mu.Unlock()
	}
}

// seenBefore reports whether c was already observed within the window,
// recording it as seen either way.
func (d *dedup) seenBefore(c cid.Cid) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := c.String()
	if t, ok := d.seen[key]; ok && time.Since(t) <= d.window {
		return true
	}
	d.seen[key] = time.Now()
	return false
}

// Adapter publishes and subscribes Capture/Receipt messages on
// workflow-scoped NATS subjects.
type Adapter struct {
	nc       *nats.Conn
	mediator *eventloop.Mediator
	dedup    *dedup
	subs     map[string]*nats.Subscription
	mu       sync.Mutex
	breaker  *resilience.CircuitBreaker
}

// NewAdapter constructs a gossip Adapter. dedupWindow bounds how long a
// message CID is remembered for cross-peer deduplication. Publish is
// gated by a circuit breaker so a partitioned broker degrades to
// rejecting publishes quickly instead of piling up blocked NATS calls;
// delivery is already best-effort per spec.md §4.G, so shedding load
// here loses nothing a retry elsewhere wouldn't already risk losing.
func NewAdapter(nc *nats.Conn, mediator *eventloop.Mediator, dedupWindow time.Duration) *Adapter {
	return &Adapter{
		nc:       nc,
		mediator: mediator,
		dedup:    newDedup(dedupWindow),
		subs:     make(map[string]*nats.Subscription),
		breaker:  resilience.NewCircuitBreaker(30*time.Second, 6, 5, 0.5, 10*time.Second, 3),
	}
}

// Publish broadcasts msg on workflowCID's topic.
func (a *Adapter) Publish(ctx context.Context, workflowCID cid.Cid, msg Message) error {
	if !a.breaker.Allow() {
		return fmt.Errorf("gossip publish: circuit open for %s", a.nc.ConnectedUrl())
	}
	data, err := encodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode gossip message: %w", err)
	}
	msgCID, err := ipvmipld.DeriveCID(data)
	if err != nil {
		return fmt.Errorf("derive gossip message cid: %w", err)
	}
	err = publishWithTrace(ctx, a.nc, subject(workflowCID), data, msgCID)
	a.breaker.RecordResult(err == nil)
	return err
}

// Subscribe starts listening on workflowCID's topic, delivering
// deduplicated, well-formed messages into the event loop mediator as
// KindCapture/KindReceipt events with FromNetwork set. A message's Cid
// header is never trusted as-is: Verify recomputes the hash of the
// delivered bytes and the message is dropped if it doesn't match, before
// the claimed CID is used for dedup or anything else. Malformed payloads
// are dropped silently: delivery is best-effort per spec.md §4.G.
func (a *Adapter) Subscribe(workflowCID cid.Cid) error {
	sub, err := subscribeWithTrace(a.nc, subject(workflowCID), func(ctx context.Context, m *nats.Msg) {
		claimed, err := cid.Parse(m.Header.Get(cidHeader))
		if err != nil || !ipvmipld.Verify(m.Data, claimed) {
			return
		}
		if a.dedup.seenBefore(claimed) {
			return
		}
		msg, err := decodeMessage(m.Data)
		if err != nil {
			return
		}
		var ev eventloop.Event
		switch {
		case msg.Capture != nil:
			ev = eventloop.Event{Kind: eventloop.KindCapture, InstructionCID: msg.Capture.InstructionCID, Peer: msg.Capture.Peer, FromNetwork: true}
		case msg.Receipt != nil:
			ev = eventloop.Event{Kind: eventloop.KindReceipt, InstructionCID: msg.Receipt.InstructionCID, Receipt: *msg.Receipt, FromNetwork: true}
		default:
			return
		}
		_ = a.mediator.Publish(ctx, workflowCID, ev)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject(workflowCID), err)
	}
	a.mu.Lock()
	a.subs[workflowCID.String()] = sub
	a.mu.Unlock()
	return nil
}

// Unsubscribe stops listening on workflowCID's topic.
func (a *Adapter) Unsubscribe(workflowCID cid.Cid) error {
	a.mu.Lock()
	sub, ok := a.subs[workflowCID.String()]
	delete(a.subs, workflowCID.String())
	a.mu.Unlock()
	if !ok {
		return nil
	}
	return sub.Unsubscribe()
}
