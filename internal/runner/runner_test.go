package runner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/ipvm/internal/receiptstore"
	"github.com/swarmguard/ipvm/internal/sandbox"
	"github.com/swarmguard/ipvm/internal/worker"
	"github.com/swarmguard/ipvm/internal/workflow"
	"github.com/swarmguard/ipvm/internal/workflowstore"
)

func fakeCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func newTestRunner(t *testing.T) (*Runner, *sandbox.Fake) {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("test")
	rs, err := receiptstore.Open(filepath.Join(t.TempDir(), "receipts.db"), meter)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { rs.Close() })
	ws, err := workflowstore.Open(filepath.Join(t.TempDir(), "workflows.db"), meter)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ws.Close() })

	sb := sandbox.NewFake()
	settings := worker.Settings{MaxParallel: 2, Retries: 1, P2PCheckTimeout: 5 * time.Millisecond, ShutdownTimeout: time.Second}
	rn := New(rs, ws, sb, nil, nil, settings, nil, meter)
	return rn, sb
}

func literalInt(v int64) workflow.Argument {
	n, _ := workflow.BuildLiteralInt(v)
	return workflow.Argument{Literal: n}
}

func TestRunIsIdempotent(t *testing.T) {
	rn, sb := newTestRunner(t)
	started := make(chan struct{}, 1)
	sb.Register("slow", func(args []ipld.Node) (ipld.Node, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(200 * time.Millisecond)
		return basicnode.NewInt(1), nil
	})

	rsc := fakeCID(t, "wasm/slow")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: rsc, Function: "slow", Args: []workflow.Argument{literalInt(1)},
	}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	ack1, err := rn.Run(ctx, wf, "idempotent")
	if err != nil {
		t.Fatal(err)
	}
	if ack1.AlreadyRan {
		t.Fatal("first run should not report AlreadyRan")
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}

	ack2, err := rn.Run(ctx, wf, "idempotent")
	if err != nil {
		t.Fatal(err)
	}
	if !ack2.AlreadyRan {
		t.Fatal("second run should report AlreadyRan")
	}
}

func TestStopCancelsRunningWorkflow(t *testing.T) {
	rn, sb := newTestRunner(t)
	started := make(chan struct{})
	sb.Register("slow", func(args []ipld.Node) (ipld.Node, error) {
		close(started)
		time.Sleep(2 * time.Second)
		return basicnode.NewInt(1), nil
	})

	rsc := fakeCID(t, "wasm/slow")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: rsc, Function: "slow", Args: []workflow.Argument{literalInt(1)},
	}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	ack, err := rn.Run(ctx, wf, "stoppable")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}

	if err := rn.Stop(ctx, ack.WorkflowCID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	status, err := rn.Ping(ack.WorkflowCID)
	if err != nil {
		t.Fatal(err)
	}
	if status != worker.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
}

func TestPingUnknownWorkflowFails(t *testing.T) {
	rn, _ := newTestRunner(t)
	_, err := rn.Ping(fakeCID(t, "nope"))
	if err == nil {
		t.Fatal("expected NotRunning error")
	}
	if _, ok := err.(*NotRunning); !ok {
		t.Fatalf("expected *NotRunning, got %T", err)
	}
}
