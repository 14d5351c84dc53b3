package queue

import (
	"context"
	"testing"
	"time"
)

func TestOfferRespectsCapacity(t *testing.T) {
	q := NewBounded(2)
	if err := q.Offer(1); err != nil {
		t.Fatalf("offer 1: %v", err)
	}
	if err := q.Offer(2); err != nil {
		t.Fatalf("offer 2: %v", err)
	}
	if err := q.Offer(3); err == nil {
		t.Fatalf("expected ErrFull at capacity, got nil")
	}
	if q.Len() != 2 {
		t.Fatalf("len = %d, want 2", q.Len())
	}
}

func TestTakeBlocksThenReturns(t *testing.T) {
	q := NewBounded(4)
	ctx := context.Background()

	done := make(chan any, 1)
	go func() {
		v, ok := q.Take(ctx)
		if !ok {
			t.Error("take failed unexpectedly")
		}
		done <- v
	}()

	time.Sleep(20 * time.Millisecond)
	if err := q.Offer("hello"); err != nil {
		t.Fatalf("offer: %v", err)
	}

	select {
	case v := <-done:
		if v != "hello" {
			t.Fatalf("got %v, want hello", v)
		}
	case <-time.After(time.Second):
		t.Fatal("take never returned")
	}
}

func TestTakeWakesOnContextCancel(t *testing.T) {
	q := NewBounded(4)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Take to report !ok after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("take never woke on cancellation")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := NewBounded(4)
	q.Offer(1)
	q.Offer(2)

	v, ok := q.Peek()
	if !ok || v != 1 {
		t.Fatalf("peek = %v, %v, want 1, true", v, ok)
	}
	if q.Len() != 2 {
		t.Fatalf("peek should not remove, len = %d", q.Len())
	}
}

func TestDrainAll(t *testing.T) {
	q := NewBounded(4)
	q.Offer(1)
	q.Offer(2)
	q.Offer(3)

	items := q.DrainAll()
	if len(items) != 3 {
		t.Fatalf("drained %d items, want 3", len(items))
	}
	if q.Len() != 0 {
		t.Fatalf("queue not empty after drain")
	}
}

func TestCloseWakesBlockedTake(t *testing.T) {
	q := NewBounded(4)
	ctx := context.Background()

	done := make(chan bool, 1)
	go func() {
		_, ok := q.Take(ctx)
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected !ok after close with empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("take never woke on close")
	}
}
