// Package workflow implements the content-addressed data model: the
// Instruction, Task, Workflow and Argument types from which every CID in
// this system is derived, plus construction-time DAG validation.
package workflow

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"

	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
)

// Resources is the per-task budget handed to the sandbox.
type Resources struct {
	Fuel   uint64
	Memory uint64
	TimeMS uint64
}

func (r Resources) toNode(ma ipld.MapAssembler) error {
	if err := ma.AssembleKey().AssignString("fuel"); err != nil {
		return err
	}
	if err := ma.AssembleValue().AssignInt(int64(r.Fuel)); err != nil {
		return err
	}
	if err := ma.AssembleKey().AssignString("memory"); err != nil {
		return err
	}
	if err := ma.AssembleValue().AssignInt(int64(r.Memory)); err != nil {
		return err
	}
	if err := ma.AssembleKey().AssignString("time_ms"); err != nil {
		return err
	}
	return ma.AssembleValue().AssignInt(int64(r.TimeMS))
}

func resourcesFromNode(n ipld.Node) (Resources, error) {
	fuel, err := ipvmipld.AsIntField(n, "fuel")
	if err != nil {
		return Resources{}, err
	}
	mem, err := ipvmipld.AsIntField(n, "memory")
	if err != nil {
		return Resources{}, err
	}
	tms, err := ipvmipld.AsIntField(n, "time_ms")
	if err != nil {
		return Resources{}, err
	}
	return Resources{Fuel: uint64(fuel), Memory: uint64(mem), TimeMS: uint64(tms)}, nil
}

// Selector names which part of a referenced Task's receipt a promise
// resolves to.
type Selector string

const (
	AwaitOk  Selector = "await_ok"
	AwaitErr Selector = "await_err"
	AwaitAny Selector = "await_any"
)

// Promise is an Argument variant referencing another Task's eventual
// output.
type Promise struct {
	TaskCID  cid.Cid
	Selector Selector
}

// Argument is a sum type: either a literal IPLD value or a Promise
// referencing an earlier Task.
type Argument struct {
	Literal ipld.Node // non-nil iff this is a literal argument
	Promise *Promise  // non-nil iff this is a promise argument
}

// IsPromise reports whether a is a promise reference rather than a
// literal value.
func (a Argument) IsPromise() bool { return a.Promise != nil }

func (a Argument) toNode() (ipld.Node, error) {
	return ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if a.Promise != nil {
			if err := ma.AssembleKey().AssignString("ucan/await"); err != nil {
				return err
			}
			pn, err := ipvmipld.Build(func(pma ipld.MapAssembler) error {
				if err := pma.AssembleKey().AssignString("task"); err != nil {
					return err
				}
				if err := pma.AssembleValue().AssignLink(ipvmipld.Link(a.Promise.TaskCID)); err != nil {
					return err
				}
				if err := pma.AssembleKey().AssignString("selector"); err != nil {
					return err
				}
				return pma.AssembleValue().AssignString(string(a.Promise.Selector))
			})
			if err != nil {
				return err
			}
			return ma.AssembleValue().AssignNode(pn)
		}
		if err := ma.AssembleKey().AssignString("literal"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignNode(a.Literal)
	})
}

func argumentFromNode(n ipld.Node) (Argument, error) {
	if await, err := ipvmipld.OptionalField(n, "ucan/await"); err == nil && await != nil {
		taskCID, err := ipvmipld.AsLinkField(await, "task")
		if err != nil {
			return Argument{}, err
		}
		sel, err := ipvmipld.AsStringField(await, "selector")
		if err != nil {
			return Argument{}, err
		}
		switch Selector(sel) {
		case AwaitOk, AwaitErr, AwaitAny:
		default:
			return Argument{}, &ipvmipld.Malformed{Reason: fmt.Sprintf("unknown selector %q", sel)}
		}
		return Argument{Promise: &Promise{TaskCID: taskCID, Selector: Selector(sel)}}, nil
	}
	lit, err := ipvmipld.Field(n, "literal")
	if err != nil {
		return Argument{}, err
	}
	return Argument{Literal: lit}, nil
}

// Instruction is a pure description of one unit of work: a WASM resource
// reference, a function name, an ordered argument list, and an optional
// nonce. Its CID is a stable fingerprint of the computation it describes.
type Instruction struct {
	Resource cid.Cid
	Function string
	Args     []Argument
	Nonce    []byte // nil/empty when the instruction carries no nonce
}

// ToNode builds the canonical IPLD representation of i.
func (i Instruction) ToNode() (ipld.Node, error) {
	return ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("rsc"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignLink(ipvmipld.Link(i.Resource)); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("fn"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignString(i.Function); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("args"); err != nil {
			return err
		}
		argsNode, err := ipvmipld.BuildList(int64(len(i.Args)), func(la ipld.ListAssembler) error {
			for _, a := range i.Args {
				an, err := a.toNode()
				if err != nil {
					return err
				}
				if err := la.AssembleValue().AssignNode(an); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignNode(argsNode); err != nil {
			return err
		}
		if len(i.Nonce) > 0 {
			if err := ma.AssembleKey().AssignString("nnc"); err != nil {
				return err
			}
			if err := ma.AssembleValue().AssignBytes(i.Nonce); err != nil {
				return err
			}
		}
		return nil
	})
}

// InstructionFromNode parses a decoded node back into an Instruction.
func InstructionFromNode(n ipld.Node) (Instruction, error) {
	resource, err := ipvmipld.AsLinkField(n, "rsc")
	if err != nil {
		return Instruction{}, err
	}
	fn, err := ipvmipld.AsStringField(n, "fn")
	if err != nil {
		return Instruction{}, err
	}
	argsNode, err := ipvmipld.Field(n, "args")
	if err != nil {
		return Instruction{}, err
	}
	it := argsNode.ListIterator()
	if it == nil {
		return Instruction{}, &ipvmipld.Malformed{Reason: "args is not a list"}
	}
	var args []Argument
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return Instruction{}, &ipvmipld.Malformed{Reason: "args list iteration", Err: err}
		}
		arg, err := argumentFromNode(v)
		if err != nil {
			return Instruction{}, err
		}
		args = append(args, arg)
	}
	instr := Instruction{Resource: resource, Function: fn, Args: args}
	if nnc, err := ipvmipld.OptionalField(n, "nnc"); err == nil && nnc != nil {
		b, err := nnc.AsBytes()
		if err != nil {
			return Instruction{}, &ipvmipld.Malformed{Reason: "nnc is not bytes", Err: err}
		}
		instr.Nonce = b
	}
	return instr, nil
}

// CID derives the content identifier of i by canonical encoding.
func (i Instruction) CID() (cid.Cid, error) {
	n, err := i.ToNode()
	if err != nil {
		return cid.Undef, err
	}
	_, c, err := ipvmipld.Marshal(n)
	return c, err
}
