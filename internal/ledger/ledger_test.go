package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/Napageneral/nudge/internal/testutil"
)

func TestLedger_WatermarkIgnoresEmptyRuns(t *testing.T) {
	ctx := context.Background()
	l := New(testutil.OpenTestDB(t))

	wm, err := l.LastSuccessfulWatermark(ctx)
	if err != nil {
		t.Fatalf("LastSuccessfulWatermark: %v", err)
	}
	if wm != nil {
		t.Fatalf("expected nil watermark on empty ledger, got %v", wm)
	}

	first, err := l.Start(ctx, KindMessages)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if first.Key == "" || first.ID == 0 {
		t.Fatalf("run not populated: %+v", first)
	}
	mark := time.Date(2025, 2, 20, 10, 0, 0, 0, time.UTC)
	if err := l.Finish(ctx, first.ID, &mark); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	empty, err := l.Start(ctx, KindCalls)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if empty.ID <= first.ID {
		t.Fatalf("run ids must increase: %d then %d", first.ID, empty.ID)
	}
	if err := l.Finish(ctx, empty.ID, nil); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	wm, err = l.LastSuccessfulWatermark(ctx)
	if err != nil {
		t.Fatalf("LastSuccessfulWatermark: %v", err)
	}
	if wm == nil || !wm.Equal(mark) {
		t.Fatalf("watermark = %v, want %v", wm, mark)
	}

	runs, err := l.Recent(ctx, 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != empty.ID {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	if runs[0].Watermark != nil || runs[0].FinishedAt == nil {
		t.Fatalf("empty run should be finished without watermark: %+v", runs[0])
	}
}

func TestLedger_MaxAcrossRuns(t *testing.T) {
	ctx := context.Background()
	l := New(testutil.OpenTestDB(t))

	later := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	earlier := later.Add(-24 * time.Hour)
	for _, wm := range []time.Time{later, earlier} {
		wm := wm
		run, err := l.Start(ctx, KindMessages)
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := l.Finish(ctx, run.ID, &wm); err != nil {
			t.Fatalf("Finish: %v", err)
		}
	}

	got, err := l.LastSuccessfulWatermark(ctx)
	if err != nil {
		t.Fatalf("LastSuccessfulWatermark: %v", err)
	}
	if got == nil || !got.Equal(later) {
		t.Fatalf("watermark = %v, want %v", got, later)
	}
}
