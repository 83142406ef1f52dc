package receiptstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/swarmguard/ipvm/internal/receipt"
)

func fakeCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "receipts.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutIsFirstWriteWins(t *testing.T) {
	s := openStore(t)
	instrCID := fakeCID(t, "instr")
	wfCID := fakeCID(t, "wf")
	ctx := context.Background()

	first := receipt.New(instrCID, basicnode.NewInt(5), receipt.Meta{Op: "add", WorkflowCID: wfCID}, "", nil, time.Now())
	stored1, err := s.Put(ctx, first, false)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	second := receipt.New(instrCID, basicnode.NewInt(999), receipt.Meta{Op: "add", WorkflowCID: wfCID}, "", nil, time.Now())
	stored2, err := s.Put(ctx, second, false)
	if err != nil {
		t.Fatalf("put duplicate: %v", err)
	}

	got, err := s.Get(ctx, instrCID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	gotOut, _ := got.Output.AsInt()
	if gotOut != 5 {
		t.Fatalf("expected first-write-wins output 5, got %d", gotOut)
	}
	stored1Out, _ := stored1.Output.AsInt()
	stored2Out, _ := stored2.Output.AsInt()
	if stored1Out != stored2Out {
		t.Fatalf("both puts should return the stored (first) receipt")
	}
}

func TestGetNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), fakeCID(t, "missing"))
	if err != NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestListInWorkflowOrder(t *testing.T) {
	s := openStore(t)
	wfCID := fakeCID(t, "wf")
	ctx := context.Background()

	i1 := fakeCID(t, "instr1")
	i2 := fakeCID(t, "instr2")
	r1 := receipt.New(i1, basicnode.NewInt(1), receipt.Meta{Op: "a", WorkflowCID: wfCID}, "", nil, time.Now())
	r2 := receipt.New(i2, basicnode.NewInt(2), receipt.Meta{Op: "b", WorkflowCID: wfCID}, "", nil, time.Now())
	if _, err := s.Put(ctx, r1, false); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(ctx, r2, false); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, wfCID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(list))
	}
}

func TestUnsignedRejectedOnIngest(t *testing.T) {
	s := openStore(t)
	instrCID := fakeCID(t, "instr")
	wfCID := fakeCID(t, "wf")
	r := receipt.New(instrCID, basicnode.NewInt(1), receipt.Meta{Op: "a", WorkflowCID: wfCID}, "", nil, time.Now())
	if _, err := s.Put(context.Background(), r, true); err == nil {
		t.Fatalf("expected unsigned receipt to be rejected when requireSigned is set")
	}
}
