package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/ipvm/internal/receipt"
	"github.com/swarmguard/ipvm/internal/receiptstore"
	"github.com/swarmguard/ipvm/internal/sandbox"
	"github.com/swarmguard/ipvm/internal/workflow"
)

func fakeCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func literalInt(v int64) workflow.Argument {
	n, _ := workflow.BuildLiteralInt(v)
	return workflow.Argument{Literal: n}
}

func nodeAsInt(t *testing.T, n ipld.Node) int64 {
	t.Helper()
	v, err := n.AsInt()
	if err != nil {
		t.Fatalf("not an int: %v", err)
	}
	return v
}

func openStore(t *testing.T) *receiptstore.Store {
	t.Helper()
	s, err := receiptstore.Open(filepath.Join(t.TempDir(), "receipts.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSettings() Settings {
	return Settings{
		MaxParallel:     2,
		Retries:         2,
		P2PCheckTimeout: 5 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}
}

func addFake() *sandbox.Fake {
	f := sandbox.NewFake()
	f.Register("add", func(args []ipld.Node) (ipld.Node, error) {
		a, _ := args[0].AsInt()
		b, _ := args[1].AsInt()
		return basicnode.NewInt(a + b), nil
	})
	return f
}

func mulFake() *sandbox.Fake {
	f := sandbox.NewFake()
	f.Register("mul", func(args []ipld.Node) (ipld.Node, error) {
		a, _ := args[0].AsInt()
		b, _ := args[1].AsInt()
		return basicnode.NewInt(a * b), nil
	})
	return f
}

func TestSingleTaskCompletes(t *testing.T) {
	rsc := fakeCID(t, "wasm/add")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: rsc, Function: "add",
		Args: []workflow.Argument{literalInt(2), literalInt(3)},
	}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}
	store := openStore(t)
	w, err := New(wf, store, addFake(), nil, nil, testSettings(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	instrCID, _ := task.InstructionCID()
	r, err := store.Get(ctx, instrCID)
	if err != nil {
		t.Fatalf("missing receipt: %v", err)
	}
	if got := nodeAsInt(t, r.Output); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
}

func TestLinearDependencyResolvesPromise(t *testing.T) {
	addRsc := fakeCID(t, "wasm/add")
	mulRsc := fakeCID(t, "wasm/mul")

	t1 := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: addRsc, Function: "add",
		Args: []workflow.Argument{literalInt(2), literalInt(3)},
	}}}
	t1CID, _ := t1.InstructionCID()
	t2 := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: mulRsc, Function: "mul",
		Args: []workflow.Argument{{Promise: &workflow.Promise{TaskCID: t1CID, Selector: workflow.AwaitOk}}, literalInt(10)},
	}}}
	wf, err := workflow.New([]workflow.Task{t1, t2})
	if err != nil {
		t.Fatal(err)
	}

	sb := addFake()
	mf := mulFake()
	for k, v := range mf.Funcs {
		sb.Funcs[k] = v
	}

	store := openStore(t)
	w, err := New(wf, store, sb, nil, nil, testSettings(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	t2CID, _ := t2.InstructionCID()
	r, err := store.Get(ctx, t2CID)
	if err != nil {
		t.Fatalf("missing receipt: %v", err)
	}
	if got := nodeAsInt(t, r.Output); got != 50 {
		t.Fatalf("expected 50, got %d", got)
	}
}

func TestMemoizedTaskSkipsExecution(t *testing.T) {
	rsc := fakeCID(t, "wasm/add")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: rsc, Function: "add",
		Args: []workflow.Argument{literalInt(2), literalInt(3)},
	}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}
	store := openStore(t)
	instrCID, _ := task.InstructionCID()

	ctx := context.Background()
	wfCID, err := wf.CID()
	if err != nil {
		t.Fatal(err)
	}
	pre := receipt.New(instrCID, basicnode.NewInt(99), receipt.Meta{Op: "add", WorkflowCID: wfCID}, "", nil, time.Now())
	if _, err := store.Put(ctx, pre, false); err != nil {
		t.Fatal(err)
	}

	// a sandbox with no functions registered proves execution never runs
	sb := sandbox.NewFake()
	w, err := New(wf, store, sb, nil, nil, testSettings(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	status, err := w.Run(runCtx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}
	r, err := store.Get(ctx, instrCID)
	if err != nil {
		t.Fatal(err)
	}
	if got := nodeAsInt(t, r.Output); got != 99 {
		t.Fatalf("expected memoized output 99, got %d", got)
	}
}

func TestRetryThenFail(t *testing.T) {
	rsc := fakeCID(t, "wasm/flaky")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: rsc, Function: "flaky",
		Args: []workflow.Argument{literalInt(1)},
	}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}
	store := openStore(t)
	sb := sandbox.NewFake()
	sb.Register("flaky", func(args []ipld.Node) (ipld.Node, error) {
		return nil, &sandbox.SandboxTrap{Reason: "always traps"}
	})
	w, err := New(wf, store, sb, nil, nil, testSettings(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	status, err := w.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
}

func TestCancelStopsWorkflow(t *testing.T) {
	rsc := fakeCID(t, "wasm/slow")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{
		Resource: rsc, Function: "slow",
		Args: []workflow.Argument{literalInt(1)},
	}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}
	store := openStore(t)
	sb := sandbox.NewFake()
	started := make(chan struct{})
	sb.Register("slow", func(args []ipld.Node) (ipld.Node, error) {
		close(started)
		time.Sleep(time.Second)
		return basicnode.NewInt(1), nil
	})
	w, err := New(wf, store, sb, nil, nil, testSettings(), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan Status, 1)
	go func() {
		s, _ := w.Run(ctx)
		done <- s
	}()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("task never started")
	}
	cancel()

	select {
	case s := <-done:
		if s != StatusCancelled {
			t.Fatalf("expected cancelled, got %s", s)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker never returned after cancellation")
	}
}
