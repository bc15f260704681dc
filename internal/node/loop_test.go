package node

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countTicker struct{ n atomic.Int64 }

func (c *countTicker) Tick(context.Context) { c.n.Add(1) }

type fastTicker struct{ n atomic.Int64 }

func (f *fastTicker) Tick(context.Context, time.Time) { f.n.Add(1) }

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTryPostDropsWhenFull(t *testing.T) {
	l := NewLoop(LoopOptions{InboxSize: 2})

	if !l.TryPost(func() {}) || !l.TryPost(func() {}) {
		t.Fatal("TryPost rejected with room in the inbox")
	}
	if l.TryPost(func() {}) {
		t.Error("TryPost accepted into a full inbox")
	}
	if got := l.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}
}

func TestRunProcessesInboxInOrder(t *testing.T) {
	l := NewLoop(LoopOptions{CheckInterval: time.Hour, FastInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []int
	for i := range 5 {
		l.TryPost(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}

	go l.Run(ctx, &countTicker{})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	})
	for i, v := range got {
		if v != i {
			t.Fatalf("callbacks ran in order %v", got)
		}
	}
}

func TestRunTicks(t *testing.T) {
	var beats atomic.Int64
	l := NewLoop(LoopOptions{
		CheckInterval: 10 * time.Millisecond,
		FastInterval:  5 * time.Millisecond,
		Heartbeat:     func() { beats.Add(1) },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := &countTicker{}
	a, b := &fastTicker{}, &fastTicker{}
	go l.Run(ctx, slow, a, b)

	waitFor(t, func() bool {
		return slow.n.Load() >= 3 && a.n.Load() >= 3 && b.n.Load() >= 3 && beats.Load() >= 3
	})
}

func TestRunTicksNetworkImmediately(t *testing.T) {
	l := NewLoop(LoopOptions{CheckInterval: time.Hour, FastInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slow := &countTicker{}
	go l.Run(ctx, slow)
	waitFor(t, func() bool { return slow.n.Load() == 1 })
}

func TestDo(t *testing.T) {
	l := NewLoop(LoopOptions{CheckInterval: time.Hour, FastInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go l.Run(ctx, &countTicker{})

	ran := false
	if err := l.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !ran {
		t.Error("Do returned before f ran")
	}

	cancel()
	waitFor(t, func() bool {
		select {
		case <-l.done:
			return true
		default:
			return false
		}
	})

	if err := l.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Errorf("Do after stop = %v, want ErrStopped", err)
	}
	if l.TryPost(func() {}) {
		t.Error("TryPost accepted after stop")
	}
}

func TestPostHonorsContext(t *testing.T) {
	l := NewLoop(LoopOptions{InboxSize: 1})
	l.TryPost(func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := l.Post(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Post into full inbox = %v, want deadline exceeded", err)
	}
}
