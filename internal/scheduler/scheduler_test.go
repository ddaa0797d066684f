package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bastion-project/bastion/internal/config"
)

type fakePruner struct {
	calls     int
	olderThan time.Duration
	err       error
}

func (p *fakePruner) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	p.calls++
	p.olderThan = olderThan
	if p.err != nil {
		return 0, p.err
	}
	return 3, nil
}

func TestRunReplayCleanerUsesRetention(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Replay.RetentionDays = 2
	p := &fakePruner{}

	if n := NewScheduler(cfg, p).RunReplayCleaner(context.Background()); n != 3 {
		t.Fatalf("deleted = %d", n)
	}
	if p.olderThan != 48*time.Hour {
		t.Fatalf("olderThan = %v", p.olderThan)
	}
}

func TestRunReplayCleanerSkipsAndSurvivesErrors(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Replay.RetentionDays = 0
	p := &fakePruner{}
	NewScheduler(cfg, p).RunReplayCleaner(context.Background())
	if p.calls != 0 {
		t.Fatal("retention of zero keeps everything")
	}

	cfg.ApplicationData.Replay.RetentionDays = 1
	p.err = errors.New("disk I/O error")
	if n := NewScheduler(cfg, p).RunReplayCleaner(context.Background()); n != 0 {
		t.Fatalf("deleted = %d", n)
	}

	if n := NewScheduler(cfg, nil).RunReplayCleaner(context.Background()); n != 0 {
		t.Fatal("nil store should be a no-op")
	}
}

func TestStartRunsCleanerImmediately(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.Replay.RetentionDays = 1
	cfg.ApplicationData.Timers.ReplayCleanupInterval = 3600
	p := &prunerSignal{done: make(chan struct{}, 1)}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewScheduler(cfg, p).Start(ctx)

	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("cleaner did not run on start")
	}
}

type prunerSignal struct {
	done chan struct{}
}

func (p *prunerSignal) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	select {
	case p.done <- struct{}{}:
	default:
	}
	return 0, nil
}
