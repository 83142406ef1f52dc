// Package ipld provides the canonical DAG-CBOR encode/decode and
// CID-derivation primitives shared by every content-addressed type in this
// module (instructions, tasks, workflows, receipts). Every other package
// that needs a CID builds an ipld.Node for its value and calls Marshal here
// rather than deriving hashes ad hoc, so the identity
//
//	cid(x) == cid(y)  iff  encode(x) == encode(y)
//
// holds module-wide.
package ipld

import (
	"bytes"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/codec/dagcbor"
	"github.com/ipld/go-ipld-prime/node/basicnode"
	"github.com/multiformats/go-multihash"
)

// Prefix is the CID prefix used for every value in this module: CIDv1,
// dag-cbor codec, sha2-256 multihash.
var Prefix = cid.Prefix{
	Version:  1,
	Codec:    cid.DagCBOR,
	MhType:   multihash.SHA2_256,
	MhLength: -1,
}

// Malformed reports that a byte string failed to parse as canonical
// DAG-CBOR, or parsed into a shape this module does not recognize.
type Malformed struct {
	Reason string
	Err    error
}

func (e *Malformed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed ipld: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed ipld: %s", e.Reason)
}

func (e *Malformed) Unwrap() error { return e.Err }

// Marshal serializes n as canonical DAG-CBOR and derives its CID. Encoding
// is pure: the same node always produces the same bytes and the same CID,
// which is the invariant every promise resolver and receipt store in this
// module relies on for memoization.
func Marshal(n ipld.Node) ([]byte, cid.Cid, error) {
	var buf bytes.Buffer
	if err := dagcbor.Encode(n, &buf); err != nil {
		return nil, cid.Undef, fmt.Errorf("encode dag-cbor: %w", err)
	}
	encoded := buf.Bytes()
	c, err := DeriveCID(encoded)
	if err != nil {
		return nil, cid.Undef, err
	}
	return encoded, c, nil
}

// Unmarshal parses canonical DAG-CBOR bytes into a generic node. Callers
// that expect a particular shape (Instruction, Task, Workflow, Receipt)
// walk the returned node themselves and return a *Malformed if a required
// field is absent or has the wrong kind.
func Unmarshal(data []byte) (ipld.Node, error) {
	nb := basicnode.Prototype.Any.NewBuilder()
	if err := dagcbor.Decode(nb, bytes.NewReader(data)); err != nil {
		return nil, &Malformed{Reason: "not canonical dag-cbor", Err: err}
	}
	return nb.Build(), nil
}

// DeriveCID computes the CID this module assigns to an already-encoded
// byte string, without re-encoding it. Used by stores that persist raw
// bytes alongside their CID and want to re-verify on read.
func DeriveCID(encoded []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(encoded, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("sum multihash: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// Verify reports whether encoded actually hashes to want under this
// module's CID prefix. Used on the gossip ingest path (see
// gossip.Adapter.Subscribe), where a peer's claimed CID travels in a
// message header and must never be trusted without recomputation.
func Verify(encoded []byte, want cid.Cid) bool {
	got, err := DeriveCID(encoded)
	if err != nil {
		return false
	}
	return got.Equals(want)
}

// RoundTrip re-encodes a decoded node and reports whether it reproduces
// the original bytes exactly. A value that fails this check was not
// canonical DAG-CBOR to begin with (e.g. indefinite-length maps, duplicate
// keys, non-minimal integers) and must be rejected rather than accepted
// under a CID that a re-encode would not reproduce. Called by every
// top-level Decode that accepts bytes from outside the process:
// workflow.Decode, receipt.Decode, and gossip's own message envelope
// decoder.
func RoundTrip(original []byte) error {
	n, err := Unmarshal(original)
	if err != nil {
		return err
	}
	reEncoded, _, err := Marshal(n)
	if err != nil {
		return err
	}
	if !bytes.Equal(original, reEncoded) {
		return &Malformed{Reason: "non-canonical encoding: re-encode does not match input"}
	}
	return nil
}
