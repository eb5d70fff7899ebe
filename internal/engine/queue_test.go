package engine

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/tidemark/errs"
)

func TestQueuePutBlocksWhenFull(t *testing.T) {
	q := NewQueue[int]("test", 1)
	if err := q.Put(context.Background(), 1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Put(ctx, 2)
	if !errs.HasCode(err, errs.CodeTimeout) {
		t.Errorf("Put() on full queue error = %v, want timeout", err)
	}
	if q.Len() != 1 {
		t.Errorf("Len() = %d, want 1", q.Len())
	}
}

func TestQueueTryPut(t *testing.T) {
	q := NewQueue[string]("test", 1)
	if !q.TryPut("a") {
		t.Fatal("TryPut() on empty queue = false")
	}
	if q.TryPut("b") {
		t.Error("TryPut() on full queue = true")
	}
}

func TestQueueClosedRejectsPut(t *testing.T) {
	q := NewQueue[int]("test", 4)
	if err := q.Put(context.Background(), 1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	q.Close()
	q.Close()

	err := q.Put(context.Background(), 2)
	if !errs.HasCode(err, errs.CodeUnavailable) {
		t.Errorf("Put() after close error = %v, want unavailable", err)
	}
	// Queued items stay receivable after close.
	select {
	case got := <-q.C():
		if got != 1 {
			t.Errorf("received %d, want 1", got)
		}
	default:
		t.Error("queued item lost on close")
	}
}

func TestQueueProcessedCount(t *testing.T) {
	q := NewQueue[int]("test", 4)
	for i := 0; i < 3; i++ {
		if err := q.Put(context.Background(), i); err != nil {
			t.Fatalf("Put() error = %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		<-q.C()
		q.MarkProcessed()
	}
	if q.Processed() != 3 {
		t.Errorf("Processed() = %d, want 3", q.Processed())
	}
	if q.Len() != 0 {
		t.Errorf("Len() = %d, want 0", q.Len())
	}
}
