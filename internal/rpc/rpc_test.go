package rpc

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ipfs/go-cid"
	"github.com/swarmguard/ipvm/internal/receiptstore"
	"github.com/swarmguard/ipvm/internal/runner"
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

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := envelope{Method: MethodRun, Deadline: time.Unix(0, 1234), Payload: []byte("hello"), Err: ""}
	if err := writeFrame(&buf, want); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if got.Method != want.Method || !bytes.Equal(got.Payload, want.Payload) || !got.Deadline.Equal(want.Deadline) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func newTestServer(t *testing.T) (*Server, net.Listener, *sandbox.Fake) {
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
	rn := runner.New(rs, ws, sb, nil, nil, settings, nil, meter)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	srv := NewServer(rn)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)

	return srv, ln, sb
}

func TestClientPing(t *testing.T) {
	_, ln, _ := newTestServer(t)
	c := NewClient(ln.Addr().String(), time.Second)
	resp, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if resp.Addr != ln.Addr().String() {
		t.Fatalf("unexpected addr: %s", resp.Addr)
	}
}

func TestClientRunAndStop(t *testing.T) {
	_, ln, sb := newTestServer(t)
	started := make(chan struct{})
	sb.Register("sleepy", func(args []ipld.Node) (ipld.Node, error) {
		close(started)
		time.Sleep(2 * time.Second)
		return basicnode.NewBool(true), nil
	})

	rsc := fakeCID(t, "wasm/sleepy")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{Resource: rsc, Function: "sleepy"}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}
	data, err := wf.Encode()
	if err != nil {
		t.Fatalf("encode workflow: %v", err)
	}

	c := NewClient(ln.Addr().String(), 2*time.Second)
	ack, err := c.Run(context.Background(), "rpc-wf", data)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ack.AlreadyRan {
		t.Fatalf("expected a fresh run")
	}

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("workflow never started executing")
	}

	if err := c.Stop(context.Background(), ack.WorkflowCID); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestClientRunIdempotent(t *testing.T) {
	_, ln, sb := newTestServer(t)
	block := make(chan struct{})
	sb.Register("blocker", func(args []ipld.Node) (ipld.Node, error) {
		<-block
		return basicnode.NewBool(true), nil
	})
	t.Cleanup(func() { close(block) })

	rsc := fakeCID(t, "wasm/blocker")
	task := workflow.Task{Run: workflow.RunInstruction{Expanded: &workflow.Instruction{Resource: rsc, Function: "blocker"}}}
	wf, err := workflow.New([]workflow.Task{task})
	if err != nil {
		t.Fatal(err)
	}
	data, err := wf.Encode()
	if err != nil {
		t.Fatalf("encode workflow: %v", err)
	}

	c := NewClient(ln.Addr().String(), 2*time.Second)
	first, err := c.Run(context.Background(), "rpc-wf-2", data)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := c.Run(context.Background(), "rpc-wf-2", data)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !second.AlreadyRan {
		t.Fatalf("expected second run to report already running")
	}
	if !first.WorkflowCID.Equals(second.WorkflowCID) {
		t.Fatalf("expected same workflow cid across both runs")
	}
}

func TestClientDeadlineExceeded(t *testing.T) {
	_, ln, _ := newTestServer(t)
	c := NewClient(ln.Addr().String(), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	time.Sleep(time.Millisecond)
	if _, err := c.Ping(ctx); err == nil {
		t.Fatal("expected an error from an already-expired context")
	}
}
