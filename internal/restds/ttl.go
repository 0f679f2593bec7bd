package restds

import (
	"time"

	"github.com/souliane/datafab/internal/dataset"
)

// ApplyTTL deletes the live lines whose expiry date field is older than the
// configured delay. It returns the number of deleted lines.
func (e *Engine) ApplyTTL(ds *dataset.Dataset, now time.Time) (int, error) {
	if ds.Rest == nil || !ds.Rest.TTL.Active || ds.Rest.TTL.Prop == "" {
		return 0, nil
	}
	t, err := e.dsTables(ds)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-ds.Rest.TTL.Delay.Duration())
	var expired []string
	for line := range t.lines.All() {
		if line.Deleted {
			continue
		}
		raw, ok := line.Data[ds.Rest.TTL.Prop].(string)
		if !ok {
			continue
		}
		when, err := parseTTLDate(raw)
		if err != nil {
			continue
		}
		if when.Before(cutoff) {
			expired = append(expired, line.ID)
		}
	}
	for _, id := range expired {
		if err := e.DeleteLine(ds, id, Options{Privileged: true}); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}

func parseTTLDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}
