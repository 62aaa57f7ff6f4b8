package synq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLatchBasic(t *testing.T) {
	l := NewLatch(1)

	start := time.Now()
	time.AfterFunc(100*time.Millisecond, func() {
		l.CountDown()
	})

	l.Await()
	if dur := time.Since(start); dur < 100*time.Millisecond {
		t.Errorf("Await returned too early: %v", dur)
	}
}

func TestLatchBroadcast(t *testing.T) {
	l := NewLatch(1)
	var count int32
	var wg sync.WaitGroup
	n := 10

	wg.Add(n)
	for range n {
		go func() {
			defer wg.Done()
			l.Await()
			atomic.AddInt32(&count, 1)
		}()
	}

	// Ensure they are waiting.
	time.Sleep(50 * time.Millisecond)
	if c := atomic.LoadInt32(&count); c != 0 {
		t.Errorf("Waiters passed early: %d", c)
	}

	l.CountDown()
	wg.Wait()

	if c := atomic.LoadInt32(&count); c != int32(n) {
		t.Errorf("Not all waiters woke up: %d / %d", c, n)
	}
}

func TestLatchCountDownBeforeAwait(t *testing.T) {
	l := NewLatch(1)
	l.CountDown()

	done := make(chan struct{})
	go func() {
		l.Await()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Errorf("Await blocked even though the latch was open")
	}
}

func TestLatchMultiCount(t *testing.T) {
	l := NewLatch(3)
	released := make(chan struct{})
	go func() {
		l.Await()
		close(released)
	}()

	for i := range 2 {
		l.CountDown()
		time.Sleep(20 * time.Millisecond)
		select {
		case <-released:
			t.Fatalf("latch opened after %d of 3 counts", i+1)
		default:
		}
	}
	l.CountDown()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("latch never opened")
	}
	if c := l.Count(); c != 0 {
		t.Fatalf("Count = %d, want 0", c)
	}

	// Extra CountDown at zero is a no-op.
	l.CountDown()
	if c := l.Count(); c != 0 {
		t.Fatalf("Count after extra CountDown = %d, want 0", c)
	}
}

func TestLatchAwaitTimeout(t *testing.T) {
	l := NewLatch(1)
	ok, err := l.AwaitTimeout(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("AwaitTimeout error: %v", err)
	}
	if ok {
		t.Fatal("AwaitTimeout reported open on a closed latch")
	}

	l.CountDown()
	ok, err = l.AwaitTimeout(context.Background(), 50*time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("AwaitTimeout on open latch = (%v, %v)", ok, err)
	}
}

func TestLatchAwaitContext(t *testing.T) {
	l := NewLatch(1)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- l.AwaitContext(ctx)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("AwaitContext = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitContext did not observe cancellation")
	}
}
