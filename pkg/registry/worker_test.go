package registry

import (
	"testing"

	"github.com/cuemby/parallel/pkg/types"
)

func TestInstallAndGet(t *testing.T) {
	w := NewWorkers()
	h := &WorkerHandle{ID: "w-1", Address: types.WorkerAddress{Host: "127.0.0.1", Port: 9000}}
	if err := w.Install(h); err != nil {
		t.Fatalf("Install: %v", err)
	}
	got, ok := w.Get("w-1")
	if !ok || got != h {
		t.Fatalf("Get returned (%v, %v), want (%v, true)", got, ok, h)
	}
}

func TestInstallDuplicateIDFails(t *testing.T) {
	w := NewWorkers()
	_ = w.Install(&WorkerHandle{ID: "w-1"})
	if err := w.Install(&WorkerHandle{ID: "w-1"}); err == nil {
		t.Fatal("expected error installing duplicate worker id")
	}
}

func TestRemoveAndLen(t *testing.T) {
	w := NewWorkers()
	_ = w.Install(&WorkerHandle{ID: "w-1"})
	_ = w.Install(&WorkerHandle{ID: "w-2"})
	if w.Len() != 2 {
		t.Fatalf("got Len()=%d, want 2", w.Len())
	}
	w.Remove("w-1")
	if w.Len() != 1 {
		t.Fatalf("got Len()=%d, want 1", w.Len())
	}
	if _, ok := w.Get("w-1"); ok {
		t.Fatal("expected w-1 removed")
	}
}

func TestMarkFailedInvokesOnFailureOnce(t *testing.T) {
	var calls int
	h := &WorkerHandle{
		ID: "w-1",
		OnFailure: func(reason types.FailureReason, cause error) {
			calls++
		},
	}
	h.MarkFailed(types.FailureHeartbeatLost, nil)
	h.MarkFailed(types.FailureHeartbeatLost, nil)
	if calls != 1 {
		t.Fatalf("got %d OnFailure calls, want 1", calls)
	}
}

func TestAllReturnsSnapshot(t *testing.T) {
	w := NewWorkers()
	_ = w.Install(&WorkerHandle{ID: "w-1"})
	_ = w.Install(&WorkerHandle{ID: "w-2"})
	all := w.All()
	if len(all) != 2 {
		t.Fatalf("got %d handles, want 2", len(all))
	}
}
