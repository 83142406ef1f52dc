package workflow

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func fakeResourceCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func literalInt(v int64) Argument {
	n, _ := BuildLiteralInt(v)
	return Argument{Literal: n}
}

func TestNewRejectsForwardReference(t *testing.T) {
	rsc := fakeResourceCID(t, "wasm/add")
	t2 := Task{Run: RunInstruction{Expanded: &Instruction{Resource: rsc, Function: "mul", Args: []Argument{literalInt(4)}}}}
	t2CID, err := t2.InstructionCID()
	if err != nil {
		t.Fatal(err)
	}
	t1 := Task{Run: RunInstruction{Expanded: &Instruction{
		Resource: rsc, Function: "add",
		Args: []Argument{{Promise: &Promise{TaskCID: t2CID, Selector: AwaitOk}}},
	}}}
	_, err = New([]Task{t1, t2})
	if err == nil {
		t.Fatalf("expected forward-reference rejection")
	}
}

func TestNewAcceptsLinearDependency(t *testing.T) {
	rsc := fakeResourceCID(t, "wasm/add")
	t1 := Task{Run: RunInstruction{Expanded: &Instruction{
		Resource: rsc, Function: "add",
		Args: []Argument{literalInt(2), literalInt(3)},
	}}}
	t1CID, err := t1.InstructionCID()
	if err != nil {
		t.Fatal(err)
	}
	t2 := Task{Run: RunInstruction{Expanded: &Instruction{
		Resource: rsc, Function: "mul",
		Args: []Argument{{Promise: &Promise{TaskCID: t1CID, Selector: AwaitOk}}, literalInt(4)},
	}}}
	wf, err := New([]Task{t1, t2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.Len() != 2 {
		t.Fatalf("expected 2 tasks, got %d", wf.Len())
	}
	deps, err := t2.Dependencies()
	if err != nil {
		t.Fatal(err)
	}
	if len(deps) != 1 || !deps[0].Equals(t1CID) {
		t.Fatalf("expected t2 to depend on t1, got %v", deps)
	}
}

func TestNewRejectsSelfReference(t *testing.T) {
	rsc := fakeResourceCID(t, "wasm/add")
	var t1CID cid.Cid
	instr := Instruction{Resource: rsc, Function: "loop"}
	c, err := instr.CID()
	if err != nil {
		t.Fatal(err)
	}
	t1CID = c
	t1 := Task{Run: RunInstruction{Expanded: &Instruction{
		Resource: rsc, Function: "loop",
		Args: []Argument{{Promise: &Promise{TaskCID: t1CID, Selector: AwaitOk}}},
	}}}
	_, err = New([]Task{t1})
	if err == nil {
		t.Fatalf("expected self-reference rejection")
	}
}

func TestWorkflowCIDDeterministic(t *testing.T) {
	rsc := fakeResourceCID(t, "wasm/add")
	mk := func() *Workflow {
		t1 := Task{Run: RunInstruction{Expanded: &Instruction{Resource: rsc, Function: "add", Args: []Argument{literalInt(2), literalInt(3)}}}}
		wf, err := New([]Task{t1})
		if err != nil {
			t.Fatal(err)
		}
		return wf
	}
	wfA, wfB := mk(), mk()
	cidA, err := wfA.CID()
	if err != nil {
		t.Fatal(err)
	}
	cidB, err := wfB.CID()
	if err != nil {
		t.Fatal(err)
	}
	if !cidA.Equals(cidB) {
		t.Fatalf("identical workflows produced different cids: %s vs %s", cidA, cidB)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rsc := fakeResourceCID(t, "wasm/add")
	t1 := Task{Run: RunInstruction{Expanded: &Instruction{Resource: rsc, Function: "add", Args: []Argument{literalInt(2), literalInt(3)}}}}
	wf, err := New([]Task{t1})
	if err != nil {
		t.Fatal(err)
	}
	wantCID, err := wf.CID()
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := wf.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	gotCID, err := decoded.CID()
	if err != nil {
		t.Fatal(err)
	}
	if !wantCID.Equals(gotCID) {
		t.Fatalf("decoded workflow cid mismatch: %s vs %s", wantCID, gotCID)
	}
}

func TestNewRejectsUnknownReference(t *testing.T) {
	rsc := fakeResourceCID(t, "wasm/add")
	bogus := fakeResourceCID(t, "nonexistent")
	t1 := Task{Run: RunInstruction{Expanded: &Instruction{
		Resource: rsc, Function: "mul",
		Args: []Argument{{Promise: &Promise{TaskCID: bogus, Selector: AwaitOk}}},
	}}}
	_, err := New([]Task{t1})
	if err == nil {
		t.Fatalf("expected unknown-reference rejection")
	}
}
