package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAddEveryRuns(t *testing.T) {
	s, err := New(time.UTC)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ran := make(chan struct{}, 10)
	if err := s.AddEvery("tick", 20*time.Millisecond, func(ctx context.Context) error {
		ran <- struct{}{}
		return errors.New("logged, not fatal")
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Start()
	defer s.Stop()

	for i := 0; i < 2; i++ {
		select {
		case <-ran:
		case <-time.After(2 * time.Second):
			t.Fatalf("job ran %d times, want 2", i)
		}
	}
}

func TestAddCronRejectsBadExpression(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer s.Stop()
	if err := s.AddCron("bad", "not a cron", func(ctx context.Context) error { return nil }); err == nil {
		t.Fatalf("expected error for bad cron expression")
	}
	if err := s.AddCron("nightly", "0 4 * * *", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("add cron: %v", err)
	}
}
