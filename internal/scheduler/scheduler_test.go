package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 5 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 3, 10, 0, time.UTC)
	want := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(want) {
		t.Fatalf("nextTick = %v, 期望 %v", got, want)
	}
	onBoundary := time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(5 * time.Minute)) {
		t.Fatalf("边界上的 nextTick 不正确: %v", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Minute}, zerolog.Nop())
	now := time.Date(2024, 5, 1, 12, 3, 10, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("nextTick 不正确: %v", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("未对齐时 bucketStart 应原样返回, 实际 %v", got)
	}
}

func TestNewPanicsOnZeroInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("间隔为 0 应 panic")
		}
	}()
	New(Options{}, zerolog.Nop())
}

func TestTriggerCoalesces(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	if !s.Trigger() {
		t.Fatal("首次触发应入队")
	}
	if s.Trigger() {
		t.Fatal("第二次触发应合并到待执行的那次")
	}
}

func TestRunExecutesManualAndScheduledTicks(t *testing.T) {
	s := New(Options{Interval: 30 * time.Millisecond, RunOnStart: true}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		ticks []Tick
	)
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, tick Tick) error {
			mu.Lock()
			ticks = append(ticks, tick)
			n := len(ticks)
			mu.Unlock()
			if n == 1 {
				s.Trigger()
			}
			if n >= 3 {
				cancel()
			}
			return errors.New("ignored")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run 返回 %v, 期望 context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度器没有产生 tick")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ticks) < 3 {
		t.Fatalf("tick 数量不正确: %d", len(ticks))
	}
	if ticks[0].Manual {
		t.Fatal("启动时的 tick 不应是手动触发")
	}
	if !ticks[1].Manual {
		t.Fatal("排队的触发应在下一次定时 tick 之前执行")
	}
	if ticks[2].Manual {
		t.Fatal("第三次 tick 应来自定时器")
	}
}

func TestRunStopsDuringStartupDelay(t *testing.T) {
	s := New(Options{Interval: time.Minute, StartupDelay: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Run(ctx, func(context.Context, Tick) error {
		t.Fatal("tick 不应执行")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("run 返回 %v", err)
	}
}
