// Package sandbox wraps a WebAssembly runtime behind the single
// execute(module_bytes, function, args) -> result call the worker
// scheduler treats as an external collaborator per spec.md §1. time_ms
// is enforced as a hard wall-clock deadline on the call. memory sets how
// many pages the guest's linear memory is grown by before the call; the
// memory is not capped at that size. fuel is not metered. Each call
// compiles the module afresh; no compilation is reused between calls.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	ipvmipld "github.com/swarmguard/ipvm/internal/ipld"
	"github.com/swarmguard/ipvm/internal/workflow"
)

// ResourceExhausted reports that a task's memory or time budget was
// exceeded or could not be satisfied. Retryable per spec.md §4.E.
type ResourceExhausted struct{ Reason string }

func (e *ResourceExhausted) Error() string { return "resource exhausted: " + e.Reason }

// SandboxTrap reports that the module itself faulted (unreachable, bad
// memory access, unresolved import). Retryable per spec.md §4.E.
type SandboxTrap struct{ Reason string }

func (e *SandboxTrap) Error() string { return "sandbox trap: " + e.Reason }

// ModuleSource resolves a WASM resource CID to its module bytes. Out of
// scope per spec.md §1 ("the WebAssembly module loader"); this module
// only depends on the interface.
type ModuleSource interface {
	Load(ctx context.Context, resource cid.Cid) ([]byte, error)
}

// Sandbox executes one Instruction's function against its module bytes,
// under the given resource budget.
type Sandbox interface {
	Execute(ctx context.Context, resource cid.Cid, function string, args []ipld.Node, budget workflow.Resources) (ipld.Node, error)
}

const wasmPageSize = 65536

// Wazero is the Sandbox implementation backing production workers. Each
// call compiles the module, instantiates it, grows its memory by the
// budgeted page count, and invokes the named export with the
// DAG-CBOR-encoded argument vector written into guest memory; the
// compiled module is closed when the call returns.
type Wazero struct {
	runtime wazero.Runtime
	modules ModuleSource
}

// NewWazero constructs a sandbox backed by the given module source.
func NewWazero(ctx context.Context, modules ModuleSource) (*Wazero, error) {
	rt := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate wasi: %w", err)
	}
	return &Wazero{runtime: rt, modules: modules}, nil
}

// Close releases the underlying wazero runtime.
func (w *Wazero) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// Execute runs function from the module identified by resource, passing
// args as a single DAG-CBOR-encoded byte buffer written to guest memory
// at a fixed offset, and expects the export to return a (ptr, len) pair
// pointing at its own DAG-CBOR-encoded result.
func (w *Wazero) Execute(ctx context.Context, resource cid.Cid, function string, args []ipld.Node, budget workflow.Resources) (ipld.Node, error) {
	moduleBytes, err := w.modules.Load(ctx, resource)
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", resource, err)
	}

	pages := uint32(1)
	if budget.Memory > 0 {
		pages = uint32((budget.Memory + wasmPageSize - 1) / wasmPageSize)
	}
	cfg := wazero.NewModuleConfig().WithStartFunctions()

	compiled, err := w.runtime.CompileModule(ctx, moduleBytes)
	if err != nil {
		return nil, &SandboxTrap{Reason: fmt.Sprintf("compile: %v", err)}
	}
	defer compiled.Close(ctx)

	if budget.TimeMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = contextWithMillisDeadline(ctx, budget.TimeMS)
		defer cancel()
	}

	mod, err := w.runtime.InstantiateModule(ctx, compiled, cfg)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ResourceExhausted{Reason: "time_ms exceeded during instantiation"}
		}
		return nil, &SandboxTrap{Reason: fmt.Sprintf("instantiate: %v", err)}
	}
	defer mod.Close(ctx)

	mem := mod.Memory()
	if mem == nil {
		return nil, &SandboxTrap{Reason: "module exports no memory"}
	}
	if pages > 0 {
		if _, ok := mem.Grow(pages); !ok {
			return nil, &ResourceExhausted{Reason: "memory budget could not be satisfied"}
		}
	}

	argBytes, err := encodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	const argOffset = 1024
	if !mem.Write(argOffset, argBytes) {
		return nil, &ResourceExhausted{Reason: "argument buffer exceeds memory budget"}
	}

	fn := mod.ExportedFunction(function)
	if fn == nil {
		return nil, &SandboxTrap{Reason: fmt.Sprintf("no exported function %q", function)}
	}

	results, err := fn.Call(ctx, uint64(argOffset), uint64(len(argBytes)))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &ResourceExhausted{Reason: "time_ms exceeded during execution"}
		}
		return nil, &SandboxTrap{Reason: fmt.Sprintf("call %s: %v", function, err)}
	}
	if len(results) != 2 {
		return nil, &SandboxTrap{Reason: fmt.Sprintf("%s must return (ptr, len), got %d values", function, len(results))}
	}

	resPtr, resLen := uint32(results[0]), uint32(results[1])
	resBytes, ok := mem.Read(resPtr, resLen)
	if !ok {
		return nil, &SandboxTrap{Reason: "result pointer out of bounds"}
	}
	return ipvmipld.Unmarshal(resBytes)
}

func contextWithMillisDeadline(ctx context.Context, ms uint64) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

func encodeArgs(args []ipld.Node) ([]byte, error) {
	n, err := ipvmipld.BuildList(int64(len(args)), func(la ipld.ListAssembler) error {
		for _, a := range args {
			if err := la.AssembleValue().AssignNode(a); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	encoded, _, err := ipvmipld.Marshal(n)
	return encoded, err
}
