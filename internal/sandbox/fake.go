package sandbox

import (
	"context"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"

	"github.com/swarmguard/ipvm/internal/workflow"
)

// Fake is an in-process Sandbox for tests and for workflows whose
// resource CID names a registered pure Go function instead of an actual
// WASM module. Production workers use Wazero; tests that only exercise
// scheduling logic use Fake to avoid compiling real modules.
type Fake struct {
	Funcs map[string]func(args []ipld.Node) (ipld.Node, error)
}

// NewFake constructs an empty Fake sandbox; register functions with
// Register before use.
func NewFake() *Fake {
	return &Fake{Funcs: make(map[string]func(args []ipld.Node) (ipld.Node, error))}
}

// Register binds function to fn. Lookups key on function name alone;
// the resource CID is ignored, since Fake has no module bytes to load.
func (f *Fake) Register(function string, fn func(args []ipld.Node) (ipld.Node, error)) {
	f.Funcs[function] = fn
}

// Execute implements Sandbox.
func (f *Fake) Execute(ctx context.Context, resource cid.Cid, function string, args []ipld.Node, budget workflow.Resources) (ipld.Node, error) {
	fn, ok := f.Funcs[function]
	if !ok {
		return nil, &SandboxTrap{Reason: "no fake registered for function " + function}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return fn(args)
}
