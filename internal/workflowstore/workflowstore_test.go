package workflowstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel/metric/noop"
)

func fakeCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func openStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "workflows.db"), noop.NewMeterProvider().Meter("test"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openStore(t)
	c := fakeCID(t, "wf1")
	rec := Record{CID: c, Name: "s1", CreatedAt: time.Now().Truncate(time.Second)}
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.Get(context.Background(), c)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "s1" {
		t.Fatalf("expected name s1, got %q", got.Name)
	}
}

func TestMarkCompleted(t *testing.T) {
	s := openStore(t)
	c := fakeCID(t, "wf2")
	rec := Record{CID: c, Name: "s2", CreatedAt: time.Now().Truncate(time.Second)}
	if err := s.Put(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	now := time.Now().Truncate(time.Second)
	if err := s.MarkCompleted(context.Background(), c, now); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	got, err := s.Get(context.Background(), c)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(now) {
		t.Fatalf("expected completed_at %v, got %v", now, got.CompletedAt)
	}
}

func TestGetNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), fakeCID(t, "missing"))
	if err != NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
