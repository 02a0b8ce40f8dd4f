package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "remindbot/pkg/logx"
)

func TestCancelOnFirstError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))

	boom := errors.New("boom")
	sup.Go("failing", func(ctx context.Context) error { return boom })
	sup.Go("blocked", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Wait(waitCtx)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() = %v, want %v", err, boom)
	}
	select {
	case <-sup.Context().Done():
	default:
		t.Fatal("first error should cancel the supervisor context")
	}
}

func TestCanceledIsCleanExit(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))
	sup.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sup.Cancel()

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	sup.Go("panicky", func(ctx context.Context) error { panic("oh no") })

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sup.Wait(waitCtx)
	if err == nil || !strings.Contains(err.Error(), "panic in panicky") {
		t.Fatalf("Wait() = %v, want panic error", err)
	}
}

func TestGoRestartRetriesThenStopsOnNil(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	var runs atomic.Int32
	sup.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartStopsOnCancel(t *testing.T) {
	t.Parallel()
	sup := New(context.Background(), WithLogger(logx.Nop()))

	started := make(chan struct{})
	var once atomic.Bool
	sup.GoRestart("waiter", func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	<-started
	sup.Cancel()

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Wait(waitCtx); err != nil {
		t.Fatalf("Wait() = %v, want nil", err)
	}
}
