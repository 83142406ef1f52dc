package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ipfs/go-cid"
)

// DirModuleSource resolves a resource CID to a WASM module stored as
// <dir>/<cid>.wasm. The module loader proper is out of scope (spec.md
// §1); this is the minimal concrete ModuleSource the CLI needs to wire
// a real Wazero sandbox to disk, analogous to a developer dropping
// compiled guests into a content-addressed directory ahead of running
// homestar's daemon against them.
type DirModuleSource struct {
	Dir string
}

// NewDirModuleSource returns a DirModuleSource rooted at dir.
func NewDirModuleSource(dir string) *DirModuleSource {
	return &DirModuleSource{Dir: dir}
}

// Load reads <dir>/<resource>.wasm.
func (s *DirModuleSource) Load(ctx context.Context, resource cid.Cid) ([]byte, error) {
	path := filepath.Join(s.Dir, resource.String()+".wasm")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load module %s: %w", resource, err)
	}
	return data, nil
}
