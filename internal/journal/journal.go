// Package journal records the append-only per-dataset event log: stage
// starts and ends, errors, and lifecycle events. Writes are fire and
// forget; the core never reads the journal back on its own behalf.
package journal

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/maruel/ksid"
	"github.com/souliane/datafab/internal/docstore"
)

// Event is one journal entry.
type Event struct {
	ID      ksid.ID   `json:"id"`
	Dataset string    `json:"dataset"`
	Type    string    `json:"type"`
	Data    string    `json:"data,omitempty"`
	At      time.Time `json:"at"`
}

// Clone returns a deep copy of the Event.
func (e *Event) Clone() *Event {
	c := *e
	return &c
}

// Key returns the event id.
func (e *Event) Key() string {
	return e.ID.String()
}

// Validate checks that the Event is well-formed.
func (e *Event) Validate() error {
	if e.ID.IsZero() {
		return errors.New("id is required")
	}
	if e.Dataset == "" {
		return errors.New("dataset is required")
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

// Journal appends events to the shared log table.
type Journal struct {
	table *docstore.Table[*Event]
}

// New opens the journal table under dir.
func New(dir string) (*Journal, error) {
	table, err := docstore.NewTable[*Event](filepath.Join(dir, "journal.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal table: %w", err)
	}
	return &Journal{table: table}, nil
}

// Log appends an event. Failures are logged, not returned: journaling must
// never fail the mutation that produced the event.
func (j *Journal) Log(datasetID, eventType, data string) {
	ev := &Event{
		ID:      ksid.NewID(),
		Dataset: datasetID,
		Type:    eventType,
		Data:    data,
		At:      time.Now(),
	}
	if err := j.table.Put(ev); err != nil {
		slog.Error("Failed to append journal event", "dataset", datasetID, "type", eventType, "err", err)
	}
}

// Events returns the events of one dataset, newest first.
func (j *Journal) Events(datasetID string) []*Event {
	var out []*Event
	for ev := range j.table.All() {
		if ev.Dataset == datasetID {
			out = append(out, ev)
		}
	}
	// The table iterates in insertion order; reverse for newest first.
	for i, jj := 0, len(out)-1; i < jj; i, jj = i+1, jj-1 {
		out[i], out[jj] = out[jj], out[i]
	}
	return out
}
