package graph

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedMutex_SerialisesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := km.Lock(ctx, "Issue:69")
			if err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			n := atomic.AddInt32(&active, 1)
			for {
				m := atomic.LoadInt32(&maxActive)
				if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&active, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if km.Len() != 0 {
		t.Errorf("entries leaked: %d", km.Len())
	}
}

func TestKeyedMutex_DistinctKeysDoNotBlock(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := km.Lock(ctx, "Issue:1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlockB, err := km.Lock(ctx, "Issue:2")
		if err == nil {
			unlockB()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a distinct key blocked")
	}
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	km := NewKeyedMutex()

	unlock, err := km.Lock(context.Background(), "PullRequest:70")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := km.Lock(ctx, "PullRequest:70"); err != context.DeadlineExceeded {
		t.Errorf("Lock() error = %v, want deadline exceeded", err)
	}

	unlock()
	if km.Len() != 0 {
		t.Errorf("entries leaked after cancel: %d", km.Len())
	}
}

func TestKeyedMutex_LockAll(t *testing.T) {
	km := NewKeyedMutex()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			keys := []string{"Issue:69", "PullRequest:70"}
			if i%2 == 0 {
				keys = []string{"PullRequest:70", "Issue:69", "Issue:69"}
			}
			unlock, err := km.LockAll(ctx, keys...)
			if err != nil {
				t.Errorf("LockAll() error = %v", err)
				return
			}
			unlock()
		}(i)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LockAll deadlocked")
	}
	if km.Len() != 0 {
		t.Errorf("entries leaked: %d", km.Len())
	}
}
