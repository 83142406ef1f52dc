package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func fakeCID(t *testing.T, seed string) cid.Cid {
	t.Helper()
	mh, err := multihash.Sum([]byte(seed), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	return cid.NewCidV1(cid.Raw, mh)
}

func TestSubscribePublishDeliversInOrder(t *testing.T) {
	m := New(4)
	wf := fakeCID(t, "wf")
	ch := m.Subscribe(wf)

	for i := 0; i < 3; i++ {
		if err := m.Publish(context.Background(), wf, Event{Kind: KindStatus, Status: string(rune('a' + i))}); err != nil {
			t.Fatal(err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case ev := <-ch:
			if ev.Status != string(rune('a'+i)) {
				t.Fatalf("expected event %d to be %q, got %q", i, string(rune('a'+i)), ev.Status)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishToUnknownWorkflowIsNoOp(t *testing.T) {
	m := New(4)
	wf := fakeCID(t, "never-subscribed")
	if err := m.Publish(context.Background(), wf, Event{Kind: KindStatus}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	m := New(4)
	wf := fakeCID(t, "wf")
	ch := m.Subscribe(wf)
	m.Unsubscribe(wf)
	_, ok := <-ch
	if ok {
		t.Fatalf("expected channel to be closed after unsubscribe")
	}
}
