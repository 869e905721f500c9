package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunReturnsResult(t *testing.T) {
	p := New(2)
	got := p.Run(func() bool { return true })
	if !got {
		t.Fatal("expected true")
	}
	if p.Completed() != 1 {
		t.Fatalf("expected 1 completed, got %d", p.Completed())
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	p := New(2)
	var concurrent atomic.Int64
	var maxSeen atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Run(func() bool {
				n := concurrent.Add(1)
				for {
					cur := maxSeen.Load()
					if n <= cur || maxSeen.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				concurrent.Add(-1)
				return true
			})
		}()
	}
	wg.Wait()

	if maxSeen.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent jobs, saw %d", maxSeen.Load())
	}
}
