package workflow

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"

	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
)

// InvalidDag reports that a Workflow's tasks do not form a valid,
// forward-only acyclic reference structure.
type InvalidDag struct {
	Reason string
}

func (e *InvalidDag) Error() string { return fmt.Sprintf("invalid dag: %s", e.Reason) }

// Workflow is an ordered sequence of Tasks whose order reflects a
// topological order of inter-task promise references. Workflow and Task
// values are immutable once constructed. A workflow carries no name of
// its own: identity is derived purely from its task sequence, and a
// display name (if any) is tracked alongside it by whatever persists
// it — see workflowstore.Record's own Name column.
type Workflow struct {
	tasks []Task
	cids  []cid.Cid // instruction cid of tasks[i], cached at construction
}

// New constructs a Workflow from an ordered task list, verifying that
// every promise argument references a task whose CID appears earlier in
// the list. Cycles, self-references and forward references are all
// rejected here, at construction, rather than detected at run time: see
// the "promise references as a cyclic risk" design note.
func New(tasks []Task) (*Workflow, error) {
	seen := make(map[string]int, len(tasks))
	cids := make([]cid.Cid, len(tasks))
	for i, t := range tasks {
		c, err := t.InstructionCID()
		if err != nil {
			return nil, fmt.Errorf("task %d: instruction cid: %w", i, err)
		}
		cids[i] = c
		seen[c.String()] = i
	}
	for i, t := range tasks {
		deps, err := t.Dependencies()
		if err != nil {
			return nil, fmt.Errorf("task %d: dependencies: %w", i, err)
		}
		for _, d := range deps {
			idx, ok := seen[d.String()]
			if !ok {
				return nil, &InvalidDag{Reason: fmt.Sprintf("task %d references unknown cid %s", i, d)}
			}
			if idx == i {
				return nil, &InvalidDag{Reason: fmt.Sprintf("task %d references itself", i)}
			}
			if idx > i {
				return nil, &InvalidDag{Reason: fmt.Sprintf("task %d references later task %d (forward reference)", i, idx)}
			}
		}
	}
	return &Workflow{tasks: tasks, cids: cids}, nil
}

// Len returns the number of tasks in the workflow.
func (w *Workflow) Len() int { return len(w.tasks) }

// Tasks returns the workflow's tasks in their canonical order. The slice
// must not be mutated by callers.
func (w *Workflow) Tasks() []Task { return w.tasks }

// TaskCIDs returns the instruction CID of each task, in order.
func (w *Workflow) TaskCIDs() []cid.Cid {
	out := make([]cid.Cid, len(w.cids))
	copy(out, w.cids)
	return out
}

// TaskByCID returns the task whose instruction CID matches c, if any.
func (w *Workflow) TaskByCID(c cid.Cid) (Task, bool) {
	for i, tc := range w.cids {
		if tc.Equals(c) {
			return w.tasks[i], true
		}
	}
	return Task{}, false
}

func (w *Workflow) toNode() (ipld.Node, error) {
	return ipvmipld.Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("tasks"); err != nil {
			return err
		}
		tasksNode, err := ipvmipld.BuildList(int64(len(w.tasks)), func(la ipld.ListAssembler) error {
			for _, t := range w.tasks {
				tn, err := t.toNode()
				if err != nil {
					return err
				}
				if err := la.AssembleValue().AssignNode(tn); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		return ma.AssembleValue().AssignNode(tasksNode)
	})
}

// CID derives the workflow's content identifier from the canonical
// encoding of its ordered task sequence. Two workflows built from
// identical tasks in identical order always produce identical CIDs,
// regardless of what name (if any) a caller displays it under.
func (w *Workflow) CID() (cid.Cid, error) {
	n, err := w.toNode()
	if err != nil {
		return cid.Undef, err
	}
	_, c, err := ipvmipld.Marshal(n)
	return c, err
}

// Encode returns the canonical DAG-CBOR encoding of w. A workflow file on
// disk must decode back to a Workflow whose CID matches this bit-exactly.
func (w *Workflow) Encode() ([]byte, error) {
	n, err := w.toNode()
	if err != nil {
		return nil, err
	}
	encoded, _, err := ipvmipld.Marshal(n)
	return encoded, err
}

// Decode parses a canonically-encoded workflow document, re-validating
// its DAG structure exactly as New does. A document that round-trips
// through re-encoding to anything other than its original bytes was not
// canonical DAG-CBOR and is rejected rather than silently accepted under
// a CID a re-encode would not reproduce.
func Decode(data []byte) (*Workflow, error) {
	if err := ipvmipld.RoundTrip(data); err != nil {
		return nil, err
	}
	n, err := ipvmipld.Unmarshal(data)
	if err != nil {
		return nil, err
	}
	tasksNode, err := ipvmipld.Field(n, "tasks")
	if err != nil {
		return nil, err
	}
	it := tasksNode.ListIterator()
	if it == nil {
		return nil, &ipvmipld.Malformed{Reason: "tasks is not a list"}
	}
	var tasks []Task
	for !it.Done() {
		_, v, err := it.Next()
		if err != nil {
			return nil, &ipvmipld.Malformed{Reason: "tasks list iteration", Err: err}
		}
		t, err := taskFromNode(v)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return New(tasks)
}
