package dispatch

import (
	"sync"
	"testing"
	"time"
)

func TestRunsInPostOrder(t *testing.T) {
	q := New()
	defer q.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		q.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("expected 50 tasks, ran %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task order broken at %d: got %d", i, v)
		}
	}
}

func TestPostAfterCloseIsDropped(t *testing.T) {
	q := New()
	q.Close()

	ran := false
	if q.Post(func() { ran = true }) {
		t.Fatalf("expected Post to report false after Close")
	}
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Fatalf("task ran after Close")
	}
}

func TestAfterStopPreventsPost(t *testing.T) {
	q := New()
	defer q.Close()

	fired := make(chan struct{}, 1)
	stop := q.After(30*time.Millisecond, func() { fired <- struct{}{} })
	stop()

	select {
	case <-fired:
		t.Fatalf("stopped timer still fired")
	case <-time.After(80 * time.Millisecond):
	}
}
