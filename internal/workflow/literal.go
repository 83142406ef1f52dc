package workflow

import (
	"github.com/ipld/go-ipld-prime"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// BuildLiteralInt is a small convenience for constructing an integer
// literal node, used both by callers assembling Instructions by hand and
// by tests.
func BuildLiteralInt(v int64) (ipld.Node, error) {
	return basicnode.NewInt(v), nil
}
