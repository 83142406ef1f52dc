package ipld

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
	cidlink "github.com/ipld/go-ipld-prime/linking/cid"
	"github.com/ipld/go-ipld-prime/node/basicnode"
)

// Build runs fn against a fresh map assembler and returns the resulting
// node. Every domain type in this module (Instruction, Task, Workflow,
// Argument, Receipt) implements a ToNode method shaped like this, keeping
// field order and map construction centralized in one place instead of
// hand-rolled per call site.
func Build(fn func(ma ipld.MapAssembler) error) (ipld.Node, error) {
	nb := basicnode.Prototype.Map.NewBuilder()
	ma, err := nb.BeginMap(-1)
	if err != nil {
		return nil, fmt.Errorf("begin map: %w", err)
	}
	if err := fn(ma); err != nil {
		return nil, err
	}
	if err := ma.Finish(); err != nil {
		return nil, fmt.Errorf("finish map: %w", err)
	}
	return nb.Build(), nil
}

// BuildList runs fn against a fresh list assembler and returns the
// resulting node.
func BuildList(sizeHint int64, fn func(la ipld.ListAssembler) error) (ipld.Node, error) {
	nb := basicnode.Prototype.List.NewBuilder()
	la, err := nb.BeginList(sizeHint)
	if err != nil {
		return nil, fmt.Errorf("begin list: %w", err)
	}
	if err := fn(la); err != nil {
		return nil, err
	}
	if err := la.Finish(); err != nil {
		return nil, fmt.Errorf("finish list: %w", err)
	}
	return nb.Build(), nil
}

// Field looks up a required map key and returns it, or a *Malformed if the
// key is absent.
func Field(n ipld.Node, key string) (ipld.Node, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return nil, &Malformed{Reason: fmt.Sprintf("missing field %q", key), Err: err}
	}
	return v, nil
}

// OptionalField looks up a map key, returning (nil, nil) if it is absent
// rather than an error.
func OptionalField(n ipld.Node, key string) (ipld.Node, error) {
	v, err := n.LookupByString(key)
	if err != nil {
		return nil, nil
	}
	return v, nil
}

// AsStringField resolves a required field and asserts it is a string.
func AsStringField(n ipld.Node, key string) (string, error) {
	f, err := Field(n, key)
	if err != nil {
		return "", err
	}
	s, err := f.AsString()
	if err != nil {
		return "", &Malformed{Reason: fmt.Sprintf("field %q is not a string", key), Err: err}
	}
	return s, nil
}

// AsBytesField resolves a required field and asserts it is a byte string.
func AsBytesField(n ipld.Node, key string) ([]byte, error) {
	f, err := Field(n, key)
	if err != nil {
		return nil, err
	}
	b, err := f.AsBytes()
	if err != nil {
		return nil, &Malformed{Reason: fmt.Sprintf("field %q is not bytes", key), Err: err}
	}
	return b, nil
}

// AsIntField resolves a required field and asserts it is an integer.
func AsIntField(n ipld.Node, key string) (int64, error) {
	f, err := Field(n, key)
	if err != nil {
		return 0, err
	}
	i, err := f.AsInt()
	if err != nil {
		return 0, &Malformed{Reason: fmt.Sprintf("field %q is not an int", key), Err: err}
	}
	return i, nil
}

// AsLinkField resolves a required field and asserts it is a CID link.
func AsLinkField(n ipld.Node, key string) (cid.Cid, error) {
	f, err := Field(n, key)
	if err != nil {
		return cid.Undef, err
	}
	lnk, err := f.AsLink()
	if err != nil {
		return cid.Undef, &Malformed{Reason: fmt.Sprintf("field %q is not a link", key), Err: err}
	}
	cl, ok := lnk.(cidlink.Link)
	if !ok {
		return cid.Undef, &Malformed{Reason: fmt.Sprintf("field %q link is not a CID", key)}
	}
	return cl.Cid, nil
}

// Link wraps a CID as an ipld.Link, for use with MapAssembler.AssignLink.
func Link(c cid.Cid) ipld.Link {
	return cidlink.Link{Cid: c}
}
