package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDedup_CoalescesConcurrentCalls(t *testing.T) {
	d := NewDeduplicator()

	var executions atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})

	// Leader occupies the key until released.
	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		v, _, err := d.Do(context.Background(), "fp1", func() (any, error) {
			executions.Add(1)
			close(started)
			<-release
			return "result", nil
		})
		if err != nil || v != "result" {
			t.Errorf("leader got %v/%v", v, err)
		}
	}()
	<-started

	var (
		wg      sync.WaitGroup
		leaders atomic.Int32
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, leader, err := d.Do(context.Background(), "fp1", func() (any, error) {
				executions.Add(1)
				return "other", nil
			})
			if err != nil {
				t.Errorf("waiter error: %v", err)
				return
			}
			if v != "result" {
				t.Errorf("waiter got %v, want shared result", v)
			}
			if leader {
				leaders.Add(1)
			}
		}()
	}

	time.Sleep(10 * time.Millisecond) // let waiters join the in-flight call
	close(release)
	wg.Wait()
	<-leaderDone

	if got := executions.Load(); got != 1 {
		t.Errorf("executions = %d, want 1", got)
	}
	if got := leaders.Load(); got != 0 {
		t.Errorf("follower reported leader role %d time(s)", got)
	}
}

func TestDedup_DistinctKeysRunIndependently(t *testing.T) {
	d := NewDeduplicator()

	var executions atomic.Int32
	var wg sync.WaitGroup
	for _, key := range []string{"fp1", "fp2"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			d.Do(context.Background(), key, func() (any, error) {
				executions.Add(1)
				return key, nil
			})
		}(key)
	}
	wg.Wait()

	if got := executions.Load(); got != 2 {
		t.Errorf("executions = %d, want 2", got)
	}
}

func TestDedup_SequentialCallsNotShared(t *testing.T) {
	d := NewDeduplicator()

	var executions int
	for i := 0; i < 2; i++ {
		_, leader, err := d.Do(context.Background(), "fp1", func() (any, error) {
			executions++
			return i, nil
		})
		if err != nil || !leader {
			t.Fatalf("call %d: leader=%v err=%v", i, leader, err)
		}
	}

	if executions != 2 {
		t.Errorf("executions = %d, want 2 (coalescing is in-flight only)", executions)
	}
}

func TestDedup_CallerCancelLeavesSharedCall(t *testing.T) {
	d := NewDeduplicator()

	started := make(chan struct{})
	release := make(chan struct{})

	leaderRes := make(chan any, 1)
	go func() {
		v, _, _ := d.Do(context.Background(), "fp1", func() (any, error) {
			close(started)
			<-release
			return "result", nil
		})
		leaderRes <- v
	}()
	<-started

	// A follower with a short-lived context gives up alone.
	ctx, cancel := context.WithCancel(context.Background())
	followerErr := make(chan error, 1)
	go func() {
		_, _, err := d.Do(ctx, "fp1", func() (any, error) { return "unused", nil })
		followerErr <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-followerErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("follower error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled follower did not return promptly")
	}

	// The shared call is still alive and completes for the leader.
	close(release)
	select {
	case v := <-leaderRes:
		if v != "result" {
			t.Fatalf("leader got %v, want result", v)
		}
	case <-time.After(time.Second):
		t.Fatal("leader never completed")
	}
}

func TestDedup_ErrorSharedToAllWaiters(t *testing.T) {
	d := NewDeduplicator()

	wantErr := errors.New("upstream exploded")
	started := make(chan struct{})
	release := make(chan struct{})

	errs := make(chan error, 3)
	go func() {
		_, _, err := d.Do(context.Background(), "fp1", func() (any, error) {
			close(started)
			<-release
			return nil, wantErr
		})
		errs <- err
	}()
	<-started

	for i := 0; i < 2; i++ {
		go func() {
			_, _, err := d.Do(context.Background(), "fp1", func() (any, error) { return nil, nil })
			errs <- err
		}()
	}

	time.Sleep(10 * time.Millisecond)
	close(release)

	for i := 0; i < 3; i++ {
		if err := <-errs; !errors.Is(err, wantErr) {
			t.Errorf("caller %d error = %v, want shared upstream error", i, err)
		}
	}
}
