package gateway

import (
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStreamTracker_AssembleAndFinish(t *testing.T) {
	tr := NewStreamTracker(10, 1024, time.Minute)
	defer tr.Stop()

	if err := tr.Append("m1", "hello "); err != nil {
		t.Fatal(err)
	}
	if err := tr.Append("m1", "world"); err != nil {
		t.Fatal(err)
	}

	content, ok := tr.Finish("m1")
	if !ok {
		t.Fatal("Finish returned ok=false for a live stream")
	}
	if content != "hello world" {
		t.Errorf("content = %q, want %q", content, "hello world")
	}
	// Finishing consumes the stream.
	if _, ok := tr.Finish("m1"); ok {
		t.Error("second Finish returned ok=true")
	}
}

func TestStreamTracker_UnknownStream(t *testing.T) {
	tr := NewStreamTracker(10, 1024, time.Minute)
	defer tr.Stop()

	if _, ok := tr.Finish("never-seen"); ok {
		t.Error("Finish returned ok=true for an unknown stream")
	}
}

func TestStreamTracker_OversizeRejectsStream(t *testing.T) {
	tr := NewStreamTracker(10, 16, time.Minute)
	defer tr.Stop()

	if err := tr.Append("m1", "0123456789"); err != nil {
		t.Fatal(err)
	}
	if err := tr.Append("m1", "0123456789"); !errors.Is(err, ErrStreamTooLarge) {
		t.Fatalf("expected ErrStreamTooLarge, got %v", err)
	}
	// A rejected stream stays rejected: later chunks do not revive it.
	if err := tr.Append("m1", "x"); !errors.Is(err, ErrStreamTooLarge) {
		t.Fatalf("chunk after rejection: expected ErrStreamTooLarge, got %v", err)
	}
	if _, ok := tr.Finish("m1"); ok {
		t.Error("Finish returned ok=true for a rejected stream")
	}
}

func TestStreamTracker_SingleOversizeChunk(t *testing.T) {
	tr := NewStreamTracker(10, 8, time.Minute)
	defer tr.Stop()

	if err := tr.Append("m1", strings.Repeat("x", 9)); !errors.Is(err, ErrStreamTooLarge) {
		t.Fatalf("expected ErrStreamTooLarge, got %v", err)
	}
}

func TestStreamTracker_Discard(t *testing.T) {
	tr := NewStreamTracker(10, 1024, time.Minute)
	defer tr.Stop()

	if err := tr.Append("m1", "abandoned"); err != nil {
		t.Fatal(err)
	}
	tr.Discard("m1")
	if _, ok := tr.Finish("m1"); ok {
		t.Error("Finish returned ok=true for a discarded stream")
	}
	if tr.Len() != 0 {
		t.Errorf("Len = %d, want 0", tr.Len())
	}
}

// Two gateways can stream under the same message ID at once, so appending
// and finishing must not race on the shared buffer.
func TestStreamTracker_ConcurrentAppendAndFinish(t *testing.T) {
	tr := NewStreamTracker(100, 1<<20, time.Minute)
	defer tr.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		id := "m-" + strconv.Itoa(i)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = tr.Append(id, "chunk")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				tr.Finish(id)
			}
		}()
	}
	wg.Wait()
}

func TestStreamTracker_CapacityBound(t *testing.T) {
	tr := NewStreamTracker(3, 1024, time.Minute)
	defer tr.Stop()

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		if err := tr.Append(id, "x"); err != nil {
			t.Fatal(err)
		}
	}
	if tr.Len() != 3 {
		t.Errorf("Len = %d, want 3", tr.Len())
	}
}
