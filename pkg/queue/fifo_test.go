package queue

import (
	"sync"
	"testing"
	"time"
)

func TestFIFO_Order(t *testing.T) {
	q := New[int]()
	for i := 0; i < 100; i++ {
		q.Push(i)
	}
	if q.Len() != 100 {
		t.Fatalf("queue:fifo_test - Len() = %d, want 100", q.Len())
	}
	for i := 0; i < 100; i++ {
		v, ok := q.Pop()
		if !ok || v != i {
			t.Fatalf("queue:fifo_test - Pop() = %d, %v, want %d", v, ok, i)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Errorf("queue:fifo_test - expected empty queue")
	}
}

func TestFIFO_ReadyWakesConsumer(t *testing.T) {
	q := New[string]()
	got := make(chan string, 10)

	go func() {
		for range q.Ready() {
			for {
				v, ok := q.Pop()
				if !ok {
					break
				}
				got <- v
			}
		}
	}()

	var wg sync.WaitGroup
	for _, v := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(v string) {
			defer wg.Done()
			q.Push(v)
		}(v)
	}
	wg.Wait()

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case v := <-got:
			seen[v] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("queue:fifo_test - timeout waiting for item %d", i)
		}
	}
	if len(seen) != 3 {
		t.Errorf("queue:fifo_test - expected 3 distinct items, got %v", seen)
	}
}
