package ipld

import (
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/ipld/go-ipld-prime"
)

func sampleNode(t *testing.T) ipld.Node {
	t.Helper()
	n, err := Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("fn"); err != nil {
			return err
		}
		if err := ma.AssembleValue().AssignString("wasm/run"); err != nil {
			return err
		}
		if err := ma.AssembleKey().AssignString("nnc"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignBytes([]byte{1, 2, 3})
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return n
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	n := sampleNode(t)
	encoded, c, err := Marshal(n)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if c == cid.Undef {
		t.Fatalf("expected a derived cid")
	}

	decoded, err := Unmarshal(encoded)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	reEncoded, c2, err := Marshal(decoded)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(reEncoded) != string(encoded) {
		t.Fatalf("decode(encode(x)) did not re-encode identically")
	}
	if !c.Equals(c2) {
		t.Fatalf("cid(x) != cid(decode(encode(x))): %s vs %s", c, c2)
	}
}

func TestTwoEqualValuesProduceEqualCIDs(t *testing.T) {
	a, err := Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("k"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignInt(7)
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := Build(func(ma ipld.MapAssembler) error {
		if err := ma.AssembleKey().AssignString("k"); err != nil {
			return err
		}
		return ma.AssembleValue().AssignInt(7)
	})
	if err != nil {
		t.Fatal(err)
	}
	_, cidA, err := Marshal(a)
	if err != nil {
		t.Fatal(err)
	}
	_, cidB, err := Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	if !cidA.Equals(cidB) {
		t.Fatalf("equal values produced different cids: %s vs %s", cidA, cidB)
	}
}

func TestVerifyRejectsWrongCID(t *testing.T) {
	n := sampleNode(t)
	encoded, _, err := Marshal(n)
	if err != nil {
		t.Fatal(err)
	}
	bogus, err := DeriveCID([]byte("not the real bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if Verify(encoded, bogus) {
		t.Fatalf("Verify should reject a mismatched cid")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatalf("expected malformed error for garbage input")
	}
}
