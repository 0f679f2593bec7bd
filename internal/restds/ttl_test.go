package restds

import (
	"testing"
	"time"

	"github.com/souliane/datafab/internal/dataset"
)

func TestApplyTTL(t *testing.T) {
	e, store := newTestEngine(t)
	ds := newRestDataset(t, store, &dataset.Dataset{
		Title: "events",
		Schema: []dataset.Field{
			{Key: "label", Type: "string"},
			{Key: "at", Type: "string", Format: "date-time"},
		},
		Rest: &dataset.RestConfig{
			TTL: dataset.RowTTL{Active: true, Prop: "at", Delay: dataset.Delay{Value: 1, Unit: "days"}},
		},
	})
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	fresh := map[string]any{"label": "fresh", "at": now.Add(-time.Hour).Format(time.RFC3339)}
	stale := map[string]any{"label": "stale", "at": now.Add(-48 * time.Hour).Format(time.RFC3339)}
	if _, err := e.CreateLine(ds, fresh, Options{}); err != nil {
		t.Fatal(err)
	}
	staleLine, err := e.CreateLine(ds, stale, Options{})
	if err != nil {
		t.Fatal(err)
	}

	n, err := e.ApplyTTL(ds, now)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired line, got %d", n)
	}
	if _, err := e.GetLine(ds, staleLine.ID); err == nil {
		t.Error("expired line must be gone")
	}
	count, err := e.Count(ds)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected 1 live line, got %d", count)
	}
}

func TestApplyTTLInactive(t *testing.T) {
	e, store := newTestEngine(t)
	ds := newRestDataset(t, store, &dataset.Dataset{Title: "events", Schema: peopleSchema()})
	if _, err := e.CreateLine(ds, map[string]any{"name": "keep"}, Options{}); err != nil {
		t.Fatal(err)
	}
	n, err := e.ApplyTTL(ds, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no expiry, got %d", n)
	}
}
