package keeper

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"BondLadder/internal/event"
	"BondLadder/internal/ingestion"
)

func newTestKeeper(t *testing.T, ch chan event.Event) *Keeper {
	t.Helper()
	sub := ingestion.NewCommandSubmitter(ch)
	k, err := New(sub, Config{
		TendSchedule:   "@every 1h",
		ReportSchedule: "@every 24h",
		SubmitTimeout:  time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestKeeperSubmitsTendThenReport(t *testing.T) {
	ch := make(chan event.Event, 2)
	k := newTestKeeper(t, ch)

	k.runTend()
	k.runReport()

	tend, ok := (<-ch).(*event.TendRequested)
	if !ok {
		t.Fatal("expected TendRequested first")
	}
	if tend.Sequence != 0 {
		t.Errorf("tend sequence = %d, want 0", tend.Sequence)
	}

	rep, ok := (<-ch).(*event.ReportRequested)
	if !ok {
		t.Fatal("expected ReportRequested second")
	}
	if rep.Sequence != 1 {
		t.Errorf("report sequence = %d, want 1", rep.Sequence)
	}
}

func TestKeeperRejectsInvalidSchedule(t *testing.T) {
	ch := make(chan event.Event, 1)
	sub := ingestion.NewCommandSubmitter(ch)

	if _, err := New(sub, Config{
		TendSchedule:   "not a schedule",
		ReportSchedule: "@every 1h",
	}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for invalid tend schedule")
	}
}
