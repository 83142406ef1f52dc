package receipt

import (
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
)

func fakeCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func TestRanCIDEqualsInstructionCID(t *testing.T) {
	instrCID := fakeCID(t, "instr")
	wfCID := fakeCID(t, "wf")
	r := New(instrCID, basicnode.NewInt(5), Meta{Op: "wasm/run", WorkflowCID: wfCID}, "", nil, time.Now())
	if !r.RanCID.Equals(r.InstructionCID) {
		t.Fatalf("ran_cid must equal instruction_cid")
	}
	if r.Signed() {
		t.Fatalf("receipt with no issuer/proof should be unsigned")
	}
}

func TestReceiptEncodeDecodeRoundTrip(t *testing.T) {
	instrCID := fakeCID(t, "instr")
	wfCID := fakeCID(t, "wf")
	r := New(instrCID, basicnode.NewInt(20), Meta{Op: "wasm/run", WorkflowCID: wfCID}, "did:key:z6Mk...", []byte{0xde, 0xad}, time.Unix(1700000000, 0).UTC())

	encoded, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.InstructionCID.Equals(r.InstructionCID) {
		t.Fatalf("instruction_cid mismatch after round-trip")
	}
	if !decoded.Signed() {
		t.Fatalf("expected decoded receipt to be signed")
	}
	wantCID, err := r.CID()
	if err != nil {
		t.Fatal(err)
	}
	gotCID, err := decoded.CID()
	if err != nil {
		t.Fatal(err)
	}
	if !wantCID.Equals(gotCID) {
		t.Fatalf("receipt cid mismatch: %s vs %s", wantCID, gotCID)
	}
}
