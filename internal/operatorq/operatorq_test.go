package operatorq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryQueue_FIFO(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	ctx := context.Background()
	for _, detail := range []string{"first", "second", "third"} {
		if err := q.Push(ctx, &TriageItem{Kind: KindNoTemplate, Detail: detail}); err != nil {
			t.Fatalf("Push(%s) error = %v", detail, err)
		}
	}

	depth, _ := q.Len(ctx)
	if depth != 3 {
		t.Errorf("Len() = %d, want 3", depth)
	}

	for _, want := range []string{"first", "second", "third"} {
		item, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("Pop() error = %v", err)
		}
		if item.Detail != want {
			t.Errorf("Pop() detail = %s, want %s", item.Detail, want)
		}
		if item.ID.String() == "00000000-0000-0000-0000-000000000000" {
			t.Error("Pop() item has zero ID, want stamped")
		}
		if item.EnqueuedAt.IsZero() {
			t.Error("Pop() item has zero EnqueuedAt, want stamped")
		}
	}
}

func TestMemoryQueue_FullRejects(t *testing.T) {
	q := NewMemoryQueue(2)
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := q.Push(ctx, &TriageItem{Kind: KindNormalizeError}); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}
	if err := q.Push(ctx, &TriageItem{Kind: KindNormalizeError}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Push() on full queue error = %v, want ErrQueueFull", err)
	}
}

func TestMemoryQueue_PopBlocksUntilPush(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	var mu sync.Mutex
	var got *TriageItem
	var popErr error
	done := make(chan struct{})

	go func() {
		defer close(done)
		item, err := q.Pop(context.Background())
		mu.Lock()
		got, popErr = item, err
		mu.Unlock()
	}()

	time.Sleep(50 * time.Millisecond)
	if err := q.Push(context.Background(), &TriageItem{Kind: KindNoTemplate, Detail: "late"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pop() did not return after Push")
	}

	mu.Lock()
	defer mu.Unlock()
	if popErr != nil {
		t.Fatalf("Pop() error = %v", popErr)
	}
	if got.Detail != "late" {
		t.Errorf("Pop() detail = %s, want late", got.Detail)
	}
}

func TestMemoryQueue_PopContextCancel(t *testing.T) {
	q := NewMemoryQueue(8)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop() error = %v, want DeadlineExceeded", err)
	}
}

func TestMemoryQueue_CloseDrainsThenRejects(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()

	if err := q.Push(ctx, &TriageItem{Kind: KindNoTemplate, Detail: "pending"}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	q.Close()

	item, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop() after close error = %v, want drained item", err)
	}
	if item.Detail != "pending" {
		t.Errorf("Pop() detail = %s, want pending", item.Detail)
	}

	if _, err := q.Pop(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Pop() on empty closed queue error = %v, want ErrQueueClosed", err)
	}
	if err := q.Push(ctx, &TriageItem{}); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Push() on closed queue error = %v, want ErrQueueClosed", err)
	}
}

func TestMemoryQueue_ConcurrentProducersConsumers(t *testing.T) {
	q := NewMemoryQueue(1024)
	defer q.Close()

	const producers = 4
	const perProducer = 50

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(context.Background(), &TriageItem{Kind: KindNoTemplate})
			}
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < producers*perProducer; i++ {
		if _, err := q.Pop(ctx); err != nil {
			t.Fatalf("Pop() %d error = %v", i, err)
		}
	}

	depth, _ := q.Len(context.Background())
	if depth != 0 {
		t.Errorf("Len() after drain = %d, want 0", depth)
	}
}

func TestNew_FallsBackWithoutAddr(t *testing.T) {
	q, err := New(DefaultRedisConfig(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer q.Close()
	if _, ok := q.(*MemoryQueue); !ok {
		t.Errorf("New() without addr returned %T, want *MemoryQueue", q)
	}
}
