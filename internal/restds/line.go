package restds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/souliane/datafab/internal/dataset"
	"golang.org/x/crypto/blake2b"
)

// Line is one row of an editable dataset. Deleted lines stay around as
// tombstones until the finalizer purges them, so the indexer can propagate
// the removal.
type Line struct {
	ID            string         `json:"_id"`
	I             int64          `json:"_i"`
	UpdatedAt     time.Time      `json:"_updatedAt"`
	Deleted       bool           `json:"_deleted,omitempty"`
	NeedsIndexing bool           `json:"_needsIndexing,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

// Clone returns a deep copy of the Line.
func (l *Line) Clone() *Line {
	c := *l
	if l.Data != nil {
		c.Data = make(map[string]any, len(l.Data))
		for k, v := range l.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// Key returns the line id.
func (l *Line) Key() string {
	return l.ID
}

// Validate checks that the Line is well-formed.
func (l *Line) Validate() error {
	if l.ID == "" {
		return errors.New("_id is required")
	}
	if l.I <= 0 {
		return errors.New("_i must be positive")
	}
	return nil
}

// Revision is the state of a line after one mutation, kept while history is
// enabled on the dataset. Delete revisions keep the last known values so the
// history still identifies the line.
type Revision struct {
	LineID    string         `json:"_lineId"`
	I         int64          `json:"_i"`
	UpdatedAt time.Time      `json:"_updatedAt"`
	Action    string         `json:"_action,omitempty"`
	Deleted   bool           `json:"_deleted,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Clone returns a deep copy of the Revision.
func (r *Revision) Clone() *Revision {
	c := *r
	if r.Data != nil {
		c.Data = make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// Key combines the line id and the mutation sequence number.
func (r *Revision) Key() string {
	return fmt.Sprintf("%s@%d", r.LineID, r.I)
}

// Validate checks that the Revision is well-formed.
func (r *Revision) Validate() error {
	if r.LineID == "" {
		return errors.New("_lineId is required")
	}
	if r.I <= 0 {
		return errors.New("_i must be positive")
	}
	return nil
}

// PrimaryKeyID derives the stable line id from the primary key values of a
// line. The same key values always map to the same id.
func PrimaryKeyID(ds *dataset.Dataset, data map[string]any) (string, error) {
	parts := make([]string, 0, len(ds.PrimaryKey))
	for _, key := range ds.PrimaryKey {
		v, ok := data[key]
		if !ok || v == nil {
			return "", fmt.Errorf("missing primary key value for %q", key)
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	sum := blake2b.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:16]), nil
}

// dataEqual compares two line payloads for the idempotence check. Numbers
// are compared after JSON round-tripping so ints and floats of the same
// value match; nil values count as absent.
func dataEqual(a, b map[string]any) bool {
	if len(normalized(a)) != len(normalized(b)) {
		return false
	}
	na, nb := normalized(a), normalized(b)
	for k, va := range na {
		vb, ok := nb[k]
		if !ok || !valueEqual(va, vb) {
			return false
		}
	}
	return true
}

func normalized(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

func valueEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		return ok && dataEqual(av, bv)
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !valueEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case float64:
		bf, ok := toFloat(b)
		return ok && av == bf
	case int:
		af, _ := toFloat(a)
		bf, ok := toFloat(b)
		return ok && af == bf
	case int64:
		af, _ := toFloat(a)
		bf, ok := toFloat(b)
		return ok && af == bf
	default:
		return a == b
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
