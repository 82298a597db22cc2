package starling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestReconnectionControllerSucceedsOnFirstAttempt(t *testing.T) {
	bus := NewEventBus()
	var attempts atomic.Int32
	rc := NewReconnectionController(bus, func(ctx context.Context) error {
		attempts.Add(1)
		return nil
	}, ReconnectionOptions{MinDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(1)
	bus.On("starling:reconnect:stopped", func(event string, payload any) { wg.Done() })

	rc.Start()
	waitOrTimeout(t, &wg, time.Second)

	if attempts.Load() != 1 {
		t.Errorf("expected exactly 1 attempt, got %d", attempts.Load())
	}
	if rc.GetMetrics().SuccessfulReconnections != 1 {
		t.Errorf("expected 1 successful reconnection recorded")
	}
}

func TestReconnectionControllerRetriesOnFailure(t *testing.T) {
	bus := NewEventBus()
	var attempts atomic.Int32
	rc := NewReconnectionController(bus, func(ctx context.Context) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("still down")
		}
		return nil
	}, ReconnectionOptions{MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	var wg sync.WaitGroup
	wg.Add(1)
	bus.On("starling:reconnect:stopped", func(event string, payload any) { wg.Done() })

	rc.Start()
	waitOrTimeout(t, &wg, time.Second)

	if attempts.Load() != 3 {
		t.Errorf("expected 3 attempts before success, got %d", attempts.Load())
	}
}

func TestReconnectionControllerRespectsMaxAttempts(t *testing.T) {
	bus := NewEventBus()
	var attempts atomic.Int32
	rc := NewReconnectionController(bus, func(ctx context.Context) error {
		attempts.Add(1)
		return errors.New("always down")
	}, ReconnectionOptions{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 2})

	var wg sync.WaitGroup
	wg.Add(1)
	bus.On("starling:reconnect:max_attempts", func(event string, payload any) { wg.Done() })

	rc.Start()
	waitOrTimeout(t, &wg, time.Second)

	if attempts.Load() != 2 {
		t.Errorf("expected exactly MaxAttempts=2 attempts, got %d", attempts.Load())
	}
	if rc.GetMetrics().Active {
		t.Errorf("expected controller to be inactive after hitting max attempts")
	}
}

func TestReconnectionControllerStopAbortsWait(t *testing.T) {
	bus := NewEventBus()
	rc := NewReconnectionController(bus, func(ctx context.Context) error {
		return errors.New("down")
	}, ReconnectionOptions{MinDelay: time.Hour, MaxDelay: time.Hour})

	rc.Start()
	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	rc.Stop()

	if time.Since(start) > time.Second {
		t.Errorf("expected Stop to abort a pending multi-hour wait promptly")
	}
	if rc.GetMetrics().Active {
		t.Errorf("expected controller inactive after Stop")
	}
}

func TestReconnectionControllerForceAttemptSkipsWait(t *testing.T) {
	bus := NewEventBus()
	var attempts atomic.Int32
	rc := NewReconnectionController(bus, func(ctx context.Context) error {
		attempts.Add(1)
		return nil
	}, ReconnectionOptions{MinDelay: time.Hour, MaxDelay: time.Hour})

	var wg sync.WaitGroup
	wg.Add(1)
	bus.On("starling:reconnect:stopped", func(event string, payload any) { wg.Done() })

	rc.ForceAttempt()
	waitOrTimeout(t, &wg, time.Second)

	if attempts.Load() != 1 {
		t.Errorf("expected ForceAttempt to try immediately without waiting, got %d attempts", attempts.Load())
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timed out after %s waiting for expected event", d)
	}
}
