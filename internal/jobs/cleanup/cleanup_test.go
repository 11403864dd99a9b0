package cleanup

import (
	"context"
	"testing"
	"time"
)

type fakePruner struct {
	events []time.Time
}

func (f *fakePruner) PruneEventsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	var kept []time.Time
	var pruned int64
	for _, receivedAt := range f.events {
		if receivedAt.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, receivedAt)
	}
	f.events = kept
	return pruned, nil
}

func TestRunPrunesEventsPastRetention(t *testing.T) {
	now := time.Date(2026, time.February, 10, 12, 0, 0, 0, time.UTC)

	pruner := &fakePruner{
		events: []time.Time{
			now.Add(-91 * 24 * time.Hour),
			now.Add(-89 * 24 * time.Hour),
		},
	}

	job := New(pruner, 90*24*time.Hour, nil)
	job.now = func() time.Time { return now }

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run cleanup job: %v", err)
	}

	if len(pruner.events) != 1 {
		t.Fatalf("expected one event to survive, got %d", len(pruner.events))
	}
	if !pruner.events[0].Equal(now.Add(-89 * 24 * time.Hour)) {
		t.Fatalf("wrong event survived: %v", pruner.events[0])
	}
}

func TestRunWithoutPrunerIsNoOp(t *testing.T) {
	job := New(nil, 0, nil)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run without pruner: %v", err)
	}
}
