package resilience

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBulkheadLimitsConcurrency(t *testing.T) {
	config := SandboxBulkheadConfig(2)
	b := NewBulkhead("sandbox", config, nil, nil)
	defer b.Close()

	var active, maxActive int64
	var mu sync.Mutex
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				<-release

				mu.Lock()
				active--
				mu.Unlock()
				return nil, nil
			})
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxActive > 2 {
		t.Fatalf("expected at most 2 concurrent executions, observed %d", maxActive)
	}
}

func TestBulkheadRejectsWhenClosed(t *testing.T) {
	b := NewBulkhead("sandbox", SandboxBulkheadConfig(1), nil, nil)
	if err := b.Close(); err != nil {
		t.Fatalf("unexpected error closing bulkhead: %v", err)
	}

	_, err := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("expected execute on a closed bulkhead to fail")
	}
}

func TestBulkheadManagerReturnsSameBulkheadForKey(t *testing.T) {
	mgr := NewBulkheadManager(nil, nil, nil)
	defer mgr.Close()

	first := mgr.GetBulkhead("sandbox")
	second := mgr.GetBulkhead("sandbox")

	if first != second {
		t.Fatal("expected the same bulkhead instance to be returned for the same key")
	}
}
