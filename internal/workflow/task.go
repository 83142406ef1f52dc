package workflow

import (
	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"

	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
)

// UcanPrf is a proof list: UCAN token CIDs (or, in test fixtures, bare
// JWT strings) granting the authority to run a Task's instruction.
type UcanPrf []string

// RunInstruction is the sum type backing Task's Expanded|Ref duality: an
// instruction is either carried inline or referenced by the CID of its
// separately-serialized form.
type RunInstruction struct {
	Expanded *Instruction
	Ref      cid.Cid // valid iff Expanded == nil
}

// IsRef reports whether this RunInstruction is a reference rather than an
// inline instruction.
func (r RunInstruction) IsRef() bool { return r.Expanded == nil }

// Task wraps a RunInstruction with a resource budget and a proof list.
// The CID of the wrapped Instruction — not of the Task itself — is the
// task's memoization key.
type Task struct {
	Run       RunInstruction
	Resources Resources
	Prf       UcanPrf
}

// InstructionCID resolves the memoization key for t: the inline
// instruction's CID if Expanded, or the Ref CID directly.
func (t Task) InstructionCID() (cid.Cid, error) {
	if t.Run.IsRef() {
		return t.Run.Ref, nil
	}
	return t.Run.Expanded.CID()
}

// Dependencies returns the set of task CIDs this task's arguments
// promise against. A Ref instruction has no locally-visible arguments
// and so no dependencies can be derived from it here.
func (t Task) Dependencies() ([]cid.Cid, error) {
	if t.Run.IsRef() {
		return nil, nil
	}
	var deps []cid.Cid
	seen := make(map[string]bool)
	for _, a := range t.Run.Expanded.Args {
		if a.Promise == nil {
			continue
		}
		key := a.Promise.TaskCID.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		deps = append(deps, a.Promise.TaskCID)
	}
	return deps, nil
}

func (t Task) toNode() (ipld.Node, error) {
	return ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if t.Run.IsRef() {
			if err := ma.AssembleKey().AssignString("run/ref"); err != nil {
				return err
			}
			if err := ma.AssembleValue().AssignLink(ipvmipld.Link(t.Run.Ref)); err != nil {
				return err
			}
		} else {
			if err := ma.AssembleKey().AssignString("run/expanded"); err != nil {
				return err
			}
			instrNode, err := t.Run.Expanded.ToNode()
			if err != nil {
				return err
			}
			if err := ma.AssembleValue().AssignNode(instrNode); err != nil {
				return err
			}
		}
		if err := ma.AssembleKey().AssignString("rsc"); err != nil {
			return err
		}
		rscNode, err := ipvmipld.Build(t.Resources.toNode)
		if err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignNode(rscNode); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("prf"); err != nil {
			return err
		}
		prfNode, err := ipvmipld.BuildList(int64(len(t.Prf)), func(la ipld.ListAssembler) error {
			for _, p := range t.Prf {
				if err := la.AssembleValue().AssignString(p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return ma.AssembleValue().AssignNode(prfNode)
	})
}

func taskFromNode(n ipld.Node) (Task, error) {
	var t Task
	if refNode, err := ipvmipld.OptionalField(n, "run/ref"); err == nil && refNode != nil {
		l, err := ipvmipld.AsLinkField(n, "run/ref")
		if err != nil {
			return Task{}, err
		}
		t.Run = RunInstruction{Ref: l}
	} else {
		expNode, err := ipvmipld.Field(n, "run/expanded")
		if err != nil {
			return Task{}, err
		}
		instr, err := InstructionFromNode(expNode)
		if err != nil {
			return Task{}, err
		}
		t.Run = RunInstruction{Expanded: &instr}
	}

	rscNode, err := ipvmipld.Field(n, "rsc")
	if err != nil {
		return Task{}, err
	}
	rsc, err := resourcesFromNode(rscNode)
	if err != nil {
		return Task{}, err
	}
	t.Resources = rsc

	prfNode, err := ipvmipld.Field(n, "prf")
	if err != nil {
		return Task{}, err
	}
	it := prfNode.ListIterator()
	if it == nil {
		return Task{}, &ipvmipld.Malformed{Reason: "prf is not a list"}
	}
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return Task{}, &ipvmipld.Malformed{Reason: "prf list iteration", Err: err}
		}
		s, err := v.AsString()
		if err != nil {
			return Task{}, &ipvmipld.Malformed{Reason: "prf entry is not a string", Err: err}
		}
		t.Prf = append(t.Prf, s)
	}
	return t, nil
}
