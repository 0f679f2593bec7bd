package restds

import (
	"testing"
	"time"

	"github.com/souliane/datafab/internal/dataset"
)

func historyDataset(t *testing.T, store *dataset.Store) *dataset.Dataset {
	t.Helper()
	return newRestDataset(t, store, &dataset.Dataset{
		Title:  "people",
		Schema: peopleSchema(),
		Rest:   &dataset.RestConfig{History: true},
	})
}

func TestRevisionsRecorded(t *testing.T) {
	e, store := newTestEngine(t)
	ds := historyDataset(t, store)

	line, err := e.CreateLine(ds, map[string]any{"name": "g", "age": 1}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.UpdateLine(ds, line.ID, map[string]any{"name": "g", "age": 2}, Options{}); err != nil {
		t.Fatal(err)
	}
	// An identical update leaves no revision behind.
	if _, err := e.UpdateLine(ds, line.ID, map[string]any{"name": "g", "age": 2}, Options{}); err != nil {
		t.Fatal(err)
	}
	if err := e.DeleteLine(ds, line.ID, Options{}); err != nil {
		t.Fatal(err)
	}

	page, err := e.ReadRevisions(ds, line.ID, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 3 {
		t.Fatalf("expected 3 revisions, got %d", page.Total)
	}
	// Newest first: delete, then the update, then the create.
	if page.Results[0]["_action"] != "delete" || page.Results[0]["_deleted"] != true {
		t.Errorf("first revision should be the deletion: %+v", page.Results[0])
	}
	// The delete revision keeps the last known values.
	if page.Results[0]["name"] != "g" || page.Results[0]["age"] != 2 {
		t.Errorf("delete revision must keep the line values: %+v", page.Results[0])
	}
	if page.Results[1]["_action"] != "update" || page.Results[1]["age"] != 2 {
		t.Errorf("second revision should be the update to age 2: %+v", page.Results[1])
	}
	if page.Results[2]["_action"] != "create" || page.Results[2]["age"] != 1 {
		t.Errorf("third revision should be the create with age 1: %+v", page.Results[2])
	}
}

func TestRevisionsCursor(t *testing.T) {
	e, store := newTestEngine(t)
	ds := historyDataset(t, store)
	line, err := e.CreateLine(ds, map[string]any{"age": 0}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < 5; i++ {
		if _, err := e.UpdateLine(ds, line.ID, map[string]any{"age": i}, Options{}); err != nil {
			t.Fatal(err)
		}
	}
	page, err := e.ReadRevisions(ds, line.ID, "", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Results) != 2 || page.Next == "" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page2, err := e.ReadRevisions(ds, line.ID, page.Next, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page2.Results) != 3 {
		t.Fatalf("expected 3 remaining revisions, got %d", len(page2.Results))
	}
	if page.Results[1]["_i"].(int64) <= page2.Results[0]["_i"].(int64) {
		t.Error("pages overlap")
	}
}

func TestHistoryDisabledKeepsNoRevisions(t *testing.T) {
	e, store := newTestEngine(t)
	ds := newRestDataset(t, store, &dataset.Dataset{Title: "people", Schema: peopleSchema()})
	line, err := e.CreateLine(ds, map[string]any{"age": 1}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.UpdateLine(ds, line.ID, map[string]any{"age": 2}, Options{}); err != nil {
		t.Fatal(err)
	}
	page, err := e.ReadRevisions(ds, "", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 0 {
		t.Fatalf("expected no revisions, got %d", page.Total)
	}
}

func TestReconcileHistoryTTL(t *testing.T) {
	e, store := newTestEngine(t)
	ds := historyDataset(t, store)
	line, err := e.CreateLine(ds, map[string]any{"age": 1}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.UpdateLine(ds, line.ID, map[string]any{"age": 2}, Options{}); err != nil {
		t.Fatal(err)
	}

	// With history on and no TTL, nothing is removed.
	n, err := e.ReconcileHistoryTTL(ds, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected no removal, got %d", n)
	}

	// A one day TTL evaluated from tomorrow removes everything.
	ds.Rest.HistoryTTL = dataset.HistoryTTL{Active: true, Delay: dataset.Delay{Value: 1, Unit: "days"}}
	n, err = e.ReconcileHistoryTTL(ds, time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removals, got %d", n)
	}

	// Disabling history stops new revisions but keeps the existing ones.
	if _, err := e.UpdateLine(ds, line.ID, map[string]any{"age": 3}, Options{}); err != nil {
		t.Fatal(err)
	}
	ds.Rest.History = false
	ds.Rest.HistoryTTL = dataset.HistoryTTL{}
	n, err = e.ReconcileHistoryTTL(ds, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("toggling history off must not purge, got %d removals", n)
	}
	page, err := e.ReadRevisions(ds, line.ID, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 1 {
		t.Fatalf("existing revisions must survive the toggle, got %d", page.Total)
	}
}
