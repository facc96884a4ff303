package ingressdedup

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestDedupFirstObservationTrue(t *testing.T) {
	d := New(10)
	if !d.Dedup("m1") {
		t.Fatalf("expected first observation of m1 to be true")
	}
	if d.Dedup("m1") {
		t.Fatalf("expected second observation of m1 to be false")
	}
}

func TestDedupDuplicateDeliverySequence(t *testing.T) {
	d := New(4000)
	got := []bool{d.Dedup("dup"), d.Dedup("dup")}
	want := []bool{true, false}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("observation %d: got %v want %v", i, got[i], want[i])
		}
	}
}

func TestDedupEvictionAtCapacity(t *testing.T) {
	d := New(3)
	d.Dedup("a")
	d.Dedup("b")
	d.Dedup("c")
	d.Dedup("d") // evicts "a"

	if d.Len() != 3 {
		t.Fatalf("expected capacity-bounded length 3, got %d", d.Len())
	}
	if !d.Dedup("a") {
		t.Fatalf("expected evicted id 'a' to be observed as fresh again")
	}
}

func TestDedupConcurrentAccess(t *testing.T) {
	d := New(4000)
	var wg sync.WaitGroup
	var freshCount int64

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d.Dedup("shared-id") {
				atomic.AddInt64(&freshCount, 1)
			}
		}()
	}
	wg.Wait()

	if freshCount != 1 {
		t.Fatalf("expected exactly one goroutine to observe a fresh id, got %d", freshCount)
	}
}
