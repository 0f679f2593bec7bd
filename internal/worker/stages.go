package worker

import (
	"context"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/souliane/datafab/internal/auth"
	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/index"
	"github.com/souliane/datafab/internal/ingest"
	"github.com/souliane/datafab/internal/restds"
	"github.com/souliane/datafab/internal/sniff"
)

// Env carries the collaborators shared by all stage processors. Auth gates
// the privileged REST operations exposed to embedding callers; stages
// themselves always act privileged.
type Env struct {
	Store  *dataset.Store
	Engine *restds.Engine
	Index  index.Backend
	Loc    *time.Location
	Client *http.Client
	Auth   *auth.Verifier
}

// Options returns the REST operation options for a caller identified by its
// Authorization header.
func (e *Env) Options(authHeader string) restds.Options {
	return restds.Options{Privileged: e.Auth != nil && e.Auth.IsPrivileged(authHeader)}
}

// Stages returns the full pipeline in processing order.
func Stages(env *Env) []Processor {
	return []Processor{
		&downloader{env},
		&analyzer{env},
		&schematizer{env},
		&indexer{env},
		&extender{env},
		&finalizer{env},
		newTTLManager(env),
	}
}

const sniffSampleRows = 100

// --- downloader ---

// downloader fetches the data file of remote-file datasets.
type downloader struct{ env *Env }

func (d *downloader) Name() string { return "download" }

func (d *downloader) Filter(ds *dataset.Dataset) bool {
	return ds.Status == dataset.StatusCreated && ds.RemoteFile != nil
}

func (d *downloader) Process(ctx context.Context, ds *dataset.Dataset) error {
	ds, err := d.env.Store.Modify(ds.ID, func(cur *dataset.Dataset) error {
		cur.File = &dataset.FileInfo{
			Name:     cur.RemoteFile.Name,
			MimeType: mime.TypeByExtension(filepath.Ext(cur.RemoteFile.Name)),
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := ingest.FetchRemote(ctx, d.env.Client, ds.RemoteFile.URL, d.env.Store.FilePath(ds)); err != nil {
		return err
	}
	_, err = d.env.Store.SetStatus(ds.ID, dataset.StatusLoaded)
	return err
}

// --- analyzer ---

// analyzer samples the data file and detects its charset and dialect.
type analyzer struct{ env *Env }

func (a *analyzer) Name() string { return "analyze" }

func (a *analyzer) Filter(ds *dataset.Dataset) bool {
	return ds.Status == dataset.StatusLoaded && !ds.IsRest && ds.File != nil
}

func (a *analyzer) Process(ctx context.Context, ds *dataset.Dataset) error {
	sample, err := ingest.Sample(a.env.Store.FilePath(ds))
	if err != nil {
		return err
	}
	encoding := ingest.DetectEncoding(sample)
	var props dataset.FileProps
	if isDelimited(ds.File.Name) {
		props = ingest.SniffDialect(sample)
	}
	_, err = a.env.Store.Modify(ds.ID, func(cur *dataset.Dataset) error {
		cur.File.Encoding = encoding
		cur.File.Props = props
		cur.Status = dataset.StatusAnalyzed
		return nil
	})
	return err
}

func isDelimited(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".tsv":
		return true
	}
	return false
}

// --- schematizer ---

// schematizer infers the schema of file datasets from sampled column
// values. User-set concepts and detection opt-outs survive re-analysis.
type schematizer struct{ env *Env }

func (s *schematizer) Name() string { return "schematize" }

func (s *schematizer) Filter(ds *dataset.Dataset) bool {
	return ds.Status == dataset.StatusAnalyzed
}

func (s *schematizer) Process(ctx context.Context, ds *dataset.Dataset) error {
	if ds.IsRest {
		// Editable datasets carry a user supplied schema; nothing to infer.
		_, err := s.env.Store.SetStatus(ds.ID, dataset.StatusSchematized)
		return err
	}
	fields, values, err := s.sampleColumns(ds)
	if err != nil {
		return err
	}
	for i := range fields {
		field := &fields[i]
		if prev := ds.FieldByKey(field.Key); prev != nil {
			field.RefersTo = prev.RefersTo
			field.IgnoreDetection = prev.IgnoreDetection
		}
		info := sniff.Sniff(values[field.Key], nil, field.IgnoreDetection)
		field.Type = info.Type
		field.Format = info.Format
	}
	_, err = s.env.Store.Modify(ds.ID, func(cur *dataset.Dataset) error {
		cur.Schema = fields
		cur.Status = dataset.StatusSchematized
		return nil
	})
	return err
}

func (s *schematizer) sampleColumns(ds *dataset.Dataset) ([]dataset.Field, map[string][]string, error) {
	path := s.env.Store.FilePath(ds)
	if strings.EqualFold(filepath.Ext(path), ".geojson") {
		return ingest.GeoJSONColumns(path, sniffSampleRows)
	}
	sample, err := ingest.Sample(path)
	if err != nil {
		return nil, nil, err
	}
	encoding, props := "", dataset.FileProps{}
	if ds.File != nil {
		encoding = ds.File.Encoding
		props = ds.File.Props
	}
	return ingest.CSVColumns(sample, encoding, props, sniffSampleRows)
}

// --- indexer ---

// indexer pushes lines into the search backend: the whole file for file
// datasets, the dirty lines for editable ones.
type indexer struct{ env *Env }

func (ix *indexer) Name() string { return "index" }

func (ix *indexer) Filter(ds *dataset.Dataset) bool {
	if ds.Status == dataset.StatusSchematized {
		return true
	}
	// Editable datasets re-enter the pipeline when mutated after finalize.
	return ds.IsRest && ds.Status == dataset.StatusFinalized && ds.DataUpdatedAt.After(ds.FinalizedAt)
}

const indexBatchSize = 500

func (ix *indexer) Process(ctx context.Context, ds *dataset.Dataset) error {
	if err := ix.env.Index.EnsureIndex(ctx, ds); err != nil {
		return err
	}
	if ds.IsRest {
		if err := ix.indexDirty(ctx, ds); err != nil {
			return err
		}
	} else if err := ix.indexFile(ctx, ds); err != nil {
		return err
	}
	_, err := ix.env.Store.SetStatus(ds.ID, dataset.StatusIndexed)
	return err
}

func (ix *indexer) indexDirty(ctx context.Context, ds *dataset.Dataset) error {
	for {
		lines, err := ix.env.Engine.DirtyLines(ds, indexBatchSize)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return nil
		}
		docs := make([]index.Doc, 0, len(lines))
		for _, line := range lines {
			docs = append(docs, index.BuildDoc(ds, line.ID, line.Deleted, line.Data))
		}
		if err := ix.env.Index.IndexLines(ctx, ds.ID, docs); err != nil {
			return err
		}
		if err := ix.env.Engine.MarkIndexed(ds, lines); err != nil {
			return err
		}
	}
}

func (ix *indexer) indexFile(ctx context.Context, ds *dataset.Dataset) error {
	stream, err := ingest.ReadStream(ds, ix.env.Store.FilePath(ds), ix.env.Loc)
	if err != nil {
		return err
	}
	var docs []index.Doc
	n := 0
	for line, err := range stream {
		if err != nil {
			return err
		}
		id, _ := line["id"].(string)
		if id == "" {
			id = strconv.Itoa(n)
		}
		n++
		docs = append(docs, index.BuildDoc(ds, id, false, line))
		if len(docs) >= indexBatchSize {
			if err := ix.env.Index.IndexLines(ctx, ds.ID, docs); err != nil {
				return err
			}
			docs = docs[:0]
		}
	}
	if len(docs) > 0 {
		return ix.env.Index.IndexLines(ctx, ds.ID, docs)
	}
	return nil
}

// --- extender ---

// extender is the hook point for enrichment steps. With no extensions
// configured it only advances the status.
type extender struct{ env *Env }

func (e *extender) Name() string { return "extend" }

func (e *extender) Filter(ds *dataset.Dataset) bool {
	return ds.Status == dataset.StatusIndexed
}

func (e *extender) Process(ctx context.Context, ds *dataset.Dataset) error {
	_, err := e.env.Store.SetStatus(ds.ID, dataset.StatusExtended)
	return err
}

// --- finalizer ---

// finalizer recomputes the line count, purges propagated tombstones and
// stamps finalizedAt.
type finalizer struct{ env *Env }

func (f *finalizer) Name() string { return "finalize" }

func (f *finalizer) Filter(ds *dataset.Dataset) bool {
	return ds.Status == dataset.StatusExtended
}

func (f *finalizer) Process(ctx context.Context, ds *dataset.Dataset) error {
	var count int64
	var err error
	if ds.IsRest {
		count, err = f.env.Engine.PurgeDeleted(ds)
	} else {
		count, err = f.env.Index.Count(ctx, ds.ID)
	}
	if err != nil {
		return err
	}
	_, err = f.env.Store.Modify(ds.ID, func(cur *dataset.Dataset) error {
		now := time.Now()
		cur.Count = count
		cur.FinalizedAt = now
		// finalizedAt must not precede the data it covers.
		if cur.DataUpdatedAt.After(now) {
			cur.FinalizedAt = cur.DataUpdatedAt
		}
		cur.Status = dataset.StatusFinalized
		return nil
	})
	return err
}

// --- ttlManager ---

// ttlManager expires the lines and revisions of editable datasets with an
// active row or history TTL. Each dataset is visited at most once per
// ttlCheckInterval.
type ttlManager struct {
	env *Env

	mu      sync.Mutex
	lastRun map[string]time.Time
}

const ttlCheckInterval = time.Minute

func newTTLManager(env *Env) *ttlManager {
	return &ttlManager{env: env, lastRun: map[string]time.Time{}}
}

func (t *ttlManager) Name() string { return "ttl" }

func (t *ttlManager) Filter(ds *dataset.Dataset) bool {
	if !ds.IsRest || ds.Status != dataset.StatusFinalized || ds.Rest == nil {
		return false
	}
	if !ds.Rest.TTL.Active && !ds.Rest.HistoryTTL.Active {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Since(t.lastRun[ds.ID]) >= ttlCheckInterval
}

func (t *ttlManager) Process(ctx context.Context, ds *dataset.Dataset) error {
	t.mu.Lock()
	t.lastRun[ds.ID] = time.Now()
	t.mu.Unlock()
	// Expired lines are deleted through the engine, so the dataset re-enters
	// the indexer through the usual dirty path.
	if ds.Rest.TTL.Active {
		if _, err := t.env.Engine.ApplyTTL(ds, time.Now()); err != nil {
			return err
		}
	}
	if ds.Rest.HistoryTTL.Active {
		if _, err := t.env.Engine.ReconcileHistoryTTL(ds, time.Now()); err != nil {
			return err
		}
	}
	return nil
}
