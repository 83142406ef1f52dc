// Package receipt defines the Receipt type: the sole authoritative proof
// that an Instruction produced an output, and the record format persisted
// by the receipt store and carried over the gossip wire.
package receipt

import (
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"

	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
)

// Metadata keys embedded in every receipt's meta map, named to match
// homestar's receipt metadata constants.
const (
	MetaOpKey       = "op"
	MetaWorkflowKey = "workflow"
)

// Meta carries the receipt's operation name and originating workflow CID.
type Meta struct {
	Op         string
	WorkflowCID cid.Cid
}

// Receipt is the record produced when an Instruction runs to completion
// (successfully or not). ran_cid must equal instruction_cid; this
// invariant is enforced by New rather than left to callers.
type Receipt struct {
	InstructionCID cid.Cid
	RanCID         cid.Cid
	Output         ipld.Node
	Meta           Meta
	Issuer         string // DID or similar; empty means unsigned
	Proof          []byte // empty means unsigned
	Time           time.Time
}

// New constructs a Receipt for instructionCID, fixing ran_cid equal to
// it as required by the data model.
func New(instructionCID cid.Cid, output ipld.Node, meta Meta, issuer string, proof []byte, at time.Time) Receipt {
	return Receipt{
		InstructionCID: instructionCID,
		RanCID:         instructionCID,
		Output:         output,
		Meta:           meta,
		Issuer:         issuer,
		Proof:          proof,
		Time:           at,
	}
}

// Signed reports whether the receipt carries an issuer and proof. Per
// the recommended resolution to the signed-receipt open question,
// unsigned receipts are rejected on network ingest but allowed through
// local Put.
func (r Receipt) Signed() bool {
	return r.Issuer != "" && len(r.Proof) > 0
}

func (r Receipt) toNode() (ipld.Node, error) {
	return ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("instruction_cid"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignLink(ipvmipld.Link(r.InstructionCID)); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("ran_cid"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignLink(ipvmipld.Link(r.RanCID)); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("out"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignNode(r.Output); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("meta"); err != nil {
			return err
		}
		metaNode, err := ipvmipld.Build(func(mma ipld.MapAssembler) error {
			if err := mma.AssembleKey().AssignString(MetaOpKey); err != nil {
				return err
			}
			if err := mma.AssembleValue().AssignString(r.Meta.Op); err != nil {
				return err
			}
			if err := mma.AssembleKey().AssignString(MetaWorkflowKey); err != nil {
				return err
			}
			return mma.AssembleValue().AssignLink(ipvmipld.Link(r.Meta.WorkflowCID))
		})
		if err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignNode(metaNode); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("iss"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignString(r.Issuer); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("prf"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignBytes(r.Proof); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("time"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignInt(r.Time.UnixNano())
	})
}

func fromNode(n ipld.Node) (Receipt, error) {
	instrCID, err := ipvmipld.AsLinkField(n, "instruction_cid")
	if err != nil {
		return Receipt{}, err
	}
	ranCID, err := ipvmipld.AsLinkField(n, "ran_cid")
	if err != nil {
		return Receipt{}, err
	}
	out, err := ipvmipld.Field(n, "out")
	if err != nil {
		return Receipt{}, err
	}
	metaNode, err := ipvmipld.Field(n, "meta")
	if err != nil {
		return Receipt{}, err
	}
	op, err := ipvmipld.AsStringField(metaNode, MetaOpKey)
	if err != nil {
		return Receipt{}, err
	}
	wfCID, err := ipvmipld.AsLinkField(metaNode, MetaWorkflowKey)
	if err != nil {
		return Receipt{}, err
	}
	issuer, err := ipvmipld.AsStringField(n, "iss")
	if err != nil {
		return Receipt{}, err
	}
	proof, err := ipvmipld.AsBytesField(n, "prf")
	if err != nil {
		return Receipt{}, err
	}
	tns, err := ipvmipld.AsIntField(n, "time")
	if err != nil {
		return Receipt{}, err
	}
	return Receipt{
		InstructionCID: instrCID,
		RanCID:         ranCID,
		Output:         out,
		Meta:           Meta{Op: op, WorkflowCID: wfCID},
		Issuer:         issuer,
		Proof:          proof,
		Time:           time.Unix(0, tns).UTC(),
	}, nil
}

// CID derives the receipt's own content identifier from its canonical
// encoding.
func (r Receipt) CID() (cid.Cid, error) {
	n, err := r.toNode()
	if err != nil {
		return cid.Undef, err
	}
	_, c, err := ipvmipld.Marshal(n)
	return c, err
}

// Encode returns the canonical DAG-CBOR encoding of r, used for
// persistence and for the gossip wire format.
func (r Receipt) Encode() ([]byte, error) {
	n, err := r.toNode()
	if err != nil {
		return nil, err
	}
	encoded, _, err := ipvmipld.Marshal(n)
	return encoded, err
}

// Decode parses a canonically-encoded receipt, rejecting any payload
// that is not itself canonical DAG-CBOR (a re-encode that wouldn't
// reproduce the original bytes) before trusting its fields.
func Decode(data []byte) (Receipt, error) {
	if err := ipvmipld.RoundTrip(data); err != nil {
		return Receipt{}, err
	}
	n, err := ipvmipld.Unmarshal(data)
	if err != nil {
		return Receipt{}, err
	}
	return fromNode(n)
}
