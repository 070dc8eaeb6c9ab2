package onboarding

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryLockerSerializesSameUser(t *testing.T) {
	locker := NewMemoryLocker()

	var mu sync.Mutex
	var inside int
	var maxInside int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "u1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("critical section held by %d goroutines at once", maxInside)
	}
}

func TestMemoryLockerIndependentUsers(t *testing.T) {
	locker := NewMemoryLocker()

	r1, err := locker.Acquire(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()

	done := make(chan struct{})
	go func() {
		r2, err := locker.Acquire(context.Background(), "u2")
		if err == nil {
			r2()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock for a different user blocked")
	}
}

func TestMemoryLockerAcquireHonorsContext(t *testing.T) {
	locker := NewMemoryLocker()

	release, err := locker.Acquire(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "u1"); err == nil {
		t.Fatal("expected context error while lock is held")
	}

	release()

	// The lock must be acquirable again after the abandoned waiter.
	r2, err := locker.Acquire(context.Background(), "u1")
	if err != nil {
		t.Fatalf("reacquire after cancel: %v", err)
	}
	r2()
}
