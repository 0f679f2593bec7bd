// Package index abstracts the search backend the pipeline pushes finalized
// lines into. The Backend interface covers exactly what the indexer worker
// and the line queries need; the in-memory implementation backs tests and
// single-node deployments.
package index

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/mmcloughlin/geohash"
	"github.com/souliane/datafab/internal/dataset"
)

// Well-known concepts that change how a field is indexed.
const (
	ConceptLatitude  = "http://www.w3.org/2003/01/geo/wgs84_pos#lat"
	ConceptLongitude = "http://www.w3.org/2003/01/geo/wgs84_pos#long"
)

// Doc is one line as handed to the backend. Deleted docs are removals.
type Doc struct {
	ID      string
	Deleted bool
	Fields  map[string]any
}

// Backend is the search index the pipeline writes into.
type Backend interface {
	// EnsureIndex creates or updates the index of a dataset to match its
	// schema. It must be idempotent.
	EnsureIndex(ctx context.Context, ds *dataset.Dataset) error
	// IndexLines upserts (or removes, for deleted docs) a batch of lines.
	IndexLines(ctx context.Context, datasetID string, docs []Doc) error
	// DeleteIndex drops the index of a dataset. Unknown datasets are a no-op.
	DeleteIndex(ctx context.Context, datasetID string) error
	// Count returns the number of live documents indexed for a dataset.
	Count(ctx context.Context, datasetID string) (int64, error)
}

// BuildDoc derives the indexable document for one line. Geographic concepts
// in the schema produce the synthetic _geopoint and _geohash fields.
func BuildDoc(ds *dataset.Dataset, id string, deleted bool, data map[string]any) Doc {
	if deleted {
		return Doc{ID: id, Deleted: true}
	}
	fields := make(map[string]any, len(data)+2)
	for k, v := range data {
		fields[k] = v
	}
	lat, okLat := conceptValue(ds, data, ConceptLatitude)
	lon, okLon := conceptValue(ds, data, ConceptLongitude)
	if okLat && okLon {
		fields["_geopoint"] = strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
		fields["_geohash"] = geohash.Encode(lat, lon)
	}
	return Doc{ID: id, Fields: fields}
}

func conceptValue(ds *dataset.Dataset, data map[string]any, concept string) (float64, bool) {
	for _, f := range ds.Schema {
		if f.RefersTo != concept {
			continue
		}
		switch v := data[f.Key].(type) {
		case float64:
			return v, true
		case string:
			if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return parsed, true
			}
		}
	}
	return 0, false
}

// Memory is a Backend holding everything in process memory.
type Memory struct {
	mu      sync.RWMutex
	indices map[string]map[string]Doc
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{indices: map[string]map[string]Doc{}}
}

func (m *Memory) EnsureIndex(ctx context.Context, ds *dataset.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indices[ds.ID]; !ok {
		m.indices[ds.ID] = map[string]Doc{}
	}
	return nil
}

func (m *Memory) IndexLines(ctx context.Context, datasetID string, docs []Doc) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indices[datasetID]
	if !ok {
		idx = map[string]Doc{}
		m.indices[datasetID] = idx
	}
	for _, doc := range docs {
		if doc.Deleted {
			delete(idx, doc.ID)
		} else {
			idx[doc.ID] = doc
		}
	}
	return nil
}

func (m *Memory) DeleteIndex(ctx context.Context, datasetID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.indices, datasetID)
	return nil
}

func (m *Memory) Count(ctx context.Context, datasetID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.indices[datasetID])), nil
}

// Get returns an indexed doc, for tests and debugging.
func (m *Memory) Get(datasetID, id string) (Doc, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.indices[datasetID][id]
	return doc, ok
}
