// Package restds implements editable datasets: line level CRUD, bulk
// transactions, revision history, row expiration and attachment
// synchronization. Lines live in one jsonl table per dataset, revisions in a
// second one.
package restds

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/maruel/ksid"
	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/docstore"
	"github.com/souliane/datafab/internal/models"
)

// Op is one line mutation.
type Op struct {
	Action    string
	ID        string
	Data      map[string]any
	UpdatedAt *time.Time
}

// Supported op actions. An empty action means ActionCreateOrUpdate.
const (
	ActionCreate         = "create"
	ActionUpdate         = "update"
	ActionPatch          = "patch"
	ActionDelete         = "delete"
	ActionCreateOrUpdate = "createOrUpdate"
)

// Options qualifies the caller of a mutation.
type Options struct {
	// Privileged callers may backdate _updatedAt, for imports.
	Privileged bool
}

type opStatus int

const (
	opUnchanged opStatus = iota
	opCreated
	opModified
	opDeleted
)

type dsTables struct {
	lines *docstore.Table[*Line]
	revs  *docstore.Table[*Revision]
}

// Engine runs the line mutations of editable datasets.
type Engine struct {
	store *dataset.Store
	loc   *time.Location

	mu     sync.Mutex
	tables map[string]*dsTables
}

// NewEngine creates an Engine backed by store.
func NewEngine(store *dataset.Store, loc *time.Location) *Engine {
	return &Engine{store: store, loc: loc, tables: map[string]*dsTables{}}
}

func (e *Engine) dsTables(ds *dataset.Dataset) (*dsTables, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.tables[ds.ID]; ok {
		return t, nil
	}
	lines, err := docstore.NewTable[*Line](e.store.LinesPath(ds))
	if err != nil {
		return nil, fmt.Errorf("failed to open lines table: %w", err)
	}
	revs, err := docstore.NewTable[*Revision](e.store.RevisionsPath(ds))
	if err != nil {
		return nil, fmt.Errorf("failed to open revisions table: %w", err)
	}
	t := &dsTables{lines: lines, revs: revs}
	e.tables[ds.ID] = t
	return t, nil
}

// resolveID determines the line id of an op: explicit id, primary key
// derivation, or a generated id for creations.
func (e *Engine) resolveID(ds *dataset.Dataset, op Op) (string, error) {
	if op.ID != "" {
		return op.ID, nil
	}
	if id, ok := op.Data["_id"].(string); ok && id != "" {
		return id, nil
	}
	if len(ds.PrimaryKey) > 0 {
		id, err := PrimaryKeyID(ds, op.Data)
		if err != nil {
			return "", models.BadRequest(err.Error())
		}
		return id, nil
	}
	action := op.Action
	if action == "" {
		action = ActionCreateOrUpdate
	}
	if action != ActionCreate && action != ActionCreateOrUpdate {
		return "", models.MissingField("_id")
	}
	return ksid.NewID().String(), nil
}

// cleanData validates the payload of an op against the dataset schema and
// strips the special underscore keys.
func cleanData(ds *dataset.Dataset, data map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch k {
		case "_id", "_action", "_updatedAt", "_i":
			continue
		}
		field := ds.FieldByKey(k)
		if field == nil {
			return nil, models.UnknownField(k)
		}
		if v == nil {
			continue
		}
		if err := checkValue(field, v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func checkValue(f *dataset.Field, v any) error {
	switch f.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return models.InvalidFieldType(f.Key, "string")
		}
	case "integer", "number":
		if _, ok := toFloat(v); !ok {
			return models.InvalidFieldType(f.Key, f.Type)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return models.InvalidFieldType(f.Key, "boolean")
		}
	}
	return nil
}

// applyOp runs one mutation: the id is resolved, the payload validated, the
// idempotence diff applied, and on an effective change the line gets a fresh
// _i, a bumped _updatedAt, the dirty flag and a revision. The resolved line
// id is returned even when the op turns out to be a no-op.
func (e *Engine) applyOp(ds *dataset.Dataset, op Op, opts Options) (opStatus, string, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return opUnchanged, "", err
	}
	if op.UpdatedAt != nil && !opts.Privileged {
		return opUnchanged, "", models.Forbidden("_updatedAt can only be set by privileged callers")
	}
	id, err := e.resolveID(ds, op)
	if err != nil {
		return opUnchanged, "", err
	}
	action := op.Action
	if action == "" {
		action = ActionCreateOrUpdate
	}

	existing, exists := t.lines.Get(id)
	alive := exists && !existing.Deleted

	if action == ActionDelete {
		if !alive {
			return opUnchanged, id, models.LineNotFound(id)
		}
		return opDeleted, id, e.writeLine(ds, t, &Line{ID: id, Data: existing.Clone().Data}, ActionDelete, op.UpdatedAt)
	}

	data, err := cleanData(ds, op.Data)
	if err != nil {
		return opUnchanged, id, err
	}

	switch action {
	case ActionCreate:
		if alive {
			return opUnchanged, id, models.Conflict(fmt.Sprintf("line %q already exists", id))
		}
	case ActionUpdate:
		if !alive {
			return opUnchanged, id, models.LineNotFound(id)
		}
	case ActionPatch:
		if !alive {
			return opUnchanged, id, models.LineNotFound(id)
		}
		merged := existing.Clone().Data
		if merged == nil {
			merged = map[string]any{}
		}
		for k, v := range op.Data {
			switch k {
			case "_id", "_action", "_updatedAt", "_i":
				continue
			}
			if v == nil {
				delete(merged, k)
			}
		}
		for k, v := range data {
			merged[k] = v
		}
		data = merged
	case ActionCreateOrUpdate:
	default:
		return opUnchanged, id, models.BadRequest(fmt.Sprintf("unknown action %q", op.Action))
	}

	if alive && dataEqual(existing.Data, data) {
		return opUnchanged, id, nil
	}
	status, revAction := opModified, ActionUpdate
	if !alive {
		status, revAction = opCreated, ActionCreate
	}
	return status, id, e.writeLine(ds, t, &Line{ID: id, Data: data}, revAction, op.UpdatedAt)
}

func (e *Engine) writeLine(ds *dataset.Dataset, t *dsTables, line *Line, action string, backdate *time.Time) error {
	i, err := e.store.AllocateSeq(ds.ID, 1)
	if err != nil {
		return err
	}
	line.I = i
	deleted := action == ActionDelete
	line.Deleted = deleted
	line.NeedsIndexing = true
	if backdate != nil {
		line.UpdatedAt = *backdate
	} else {
		line.UpdatedAt = time.Now().In(e.loc)
	}
	// The revision keeps the values even for a delete; the tombstone line
	// itself carries none.
	revData := line.Data
	if deleted {
		line.Data = nil
	}
	if err := t.lines.Put(line); err != nil {
		return models.InternalWithError("failed to write line", err)
	}
	if ds.HasHistory() {
		rev := &Revision{LineID: line.ID, I: line.I, UpdatedAt: line.UpdatedAt, Action: action, Deleted: deleted, Data: revData}
		if err := t.revs.Put(rev); err != nil {
			return models.InternalWithError("failed to write revision", err)
		}
	}
	_, err = e.store.TouchData(ds.ID)
	return err
}

// CreateLine inserts a new line and returns it.
func (e *Engine) CreateLine(ds *dataset.Dataset, data map[string]any, opts Options) (*Line, error) {
	_, id, err := e.applyOp(ds, Op{Action: ActionCreate, Data: data}, opts)
	if err != nil {
		return nil, err
	}
	return e.GetLine(ds, id)
}

// UpdateLine replaces the payload of a line. An empty id is resolved from the
// primary key values.
func (e *Engine) UpdateLine(ds *dataset.Dataset, id string, data map[string]any, opts Options) (*Line, error) {
	_, resolved, err := e.applyOp(ds, Op{Action: ActionUpdate, ID: id, Data: data}, opts)
	if err != nil {
		return nil, err
	}
	return e.GetLine(ds, resolved)
}

// PatchLine merges data into a line. Nil values remove the key.
func (e *Engine) PatchLine(ds *dataset.Dataset, id string, data map[string]any, opts Options) (*Line, error) {
	_, resolved, err := e.applyOp(ds, Op{Action: ActionPatch, ID: id, Data: data}, opts)
	if err != nil {
		return nil, err
	}
	return e.GetLine(ds, resolved)
}

// DeleteLine marks a line deleted.
func (e *Engine) DeleteLine(ds *dataset.Dataset, id string, opts Options) error {
	_, _, err := e.applyOp(ds, Op{Action: ActionDelete, ID: id}, opts)
	return err
}

// GetLine returns a live line by id.
func (e *Engine) GetLine(ds *dataset.Dataset, id string) (*Line, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return nil, err
	}
	line, ok := t.lines.Get(id)
	if !ok || line.Deleted {
		return nil, models.LineNotFound(id)
	}
	return line, nil
}

// ReadLines pages through the live lines of a dataset ordered by _i. The
// after cursor is the _i value of the last line of the previous page.
func (e *Engine) ReadLines(ds *dataset.Dataset, after string, size int) (*models.LinesPage, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 20
	}
	if size > 10000 {
		size = 10000
	}
	var afterI int64
	if after != "" {
		afterI, err = strconv.ParseInt(after, 10, 64)
		if err != nil {
			return nil, models.BadRequest("invalid after cursor")
		}
	}
	var lines []*Line
	total := int64(0)
	for line := range t.lines.All() {
		if line.Deleted {
			continue
		}
		total++
		if line.I > afterI {
			lines = append(lines, line)
		}
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].I < lines[j].I })
	page := &models.LinesPage{Total: total, Results: []map[string]any{}}
	for i, line := range lines {
		if i >= size {
			page.Next = strconv.FormatInt(lines[size-1].I, 10)
			break
		}
		page.Results = append(page.Results, lineResult(line))
	}
	return page, nil
}

func lineResult(line *Line) map[string]any {
	out := make(map[string]any, len(line.Data)+3)
	for k, v := range line.Data {
		out[k] = v
	}
	out["_id"] = line.ID
	out["_i"] = line.I
	out["_updatedAt"] = line.UpdatedAt
	return out
}

// Count returns the number of live lines.
func (e *Engine) Count(ds *dataset.Dataset) (int64, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return 0, err
	}
	n := int64(0)
	for line := range t.lines.All() {
		if !line.Deleted {
			n++
		}
	}
	return n, nil
}

// DeleteAllLines tombstones every live line of a dataset.
func (e *Engine) DeleteAllLines(ds *dataset.Dataset, opts Options) (int, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return 0, err
	}
	var ids []string
	for line := range t.lines.All() {
		if !line.Deleted {
			ids = append(ids, line.ID)
		}
	}
	for _, id := range ids {
		if err := e.DeleteLine(ds, id, opts); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// DirtyLines returns up to max lines awaiting indexing, tombstones included.
func (e *Engine) DirtyLines(ds *dataset.Dataset, max int) ([]*Line, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return nil, err
	}
	var out []*Line
	for line := range t.lines.All() {
		if !line.NeedsIndexing {
			continue
		}
		out = append(out, line)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}

// MarkIndexed clears the dirty flag of lines after the indexer pushed them.
func (e *Engine) MarkIndexed(ds *dataset.Dataset, lines []*Line) error {
	t, err := e.dsTables(ds)
	if err != nil {
		return err
	}
	for _, line := range lines {
		_, err := t.lines.Modify(line.ID, func(cur *Line) (*Line, error) {
			// A concurrent mutation takes precedence over the stale flag clear.
			if cur.I == line.I {
				cur.NeedsIndexing = false
			}
			return cur, nil
		})
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
	}
	return nil
}

// PurgeDeleted removes the tombstones that were already propagated to the
// index. It returns the number of live lines left.
func (e *Engine) PurgeDeleted(ds *dataset.Dataset) (int64, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return 0, err
	}
	var purge []string
	live := int64(0)
	for line := range t.lines.All() {
		switch {
		case line.Deleted && !line.NeedsIndexing:
			purge = append(purge, line.ID)
		case !line.Deleted:
			live++
		}
	}
	for _, id := range purge {
		if err := t.lines.Delete(id); err != nil {
			return 0, err
		}
	}
	return live, nil
}

// CleanSchema unsets the values of fields that were removed from the schema
// and marks the affected lines for reindexing.
func (e *Engine) CleanSchema(ds *dataset.Dataset, removedKeys []string) (int, error) {
	if len(removedKeys) == 0 {
		return 0, nil
	}
	t, err := e.dsTables(ds)
	if err != nil {
		return 0, err
	}
	var dirty []string
	for line := range t.lines.All() {
		if line.Deleted {
			continue
		}
		for _, k := range removedKeys {
			if _, ok := line.Data[k]; ok {
				dirty = append(dirty, line.ID)
				break
			}
		}
	}
	for _, id := range dirty {
		_, err := t.lines.Modify(id, func(cur *Line) (*Line, error) {
			for _, k := range removedKeys {
				delete(cur.Data, k)
			}
			i, err := e.store.AllocateSeq(ds.ID, 1)
			if err != nil {
				return nil, err
			}
			cur.I = i
			cur.UpdatedAt = time.Now().In(e.loc)
			cur.NeedsIndexing = true
			return cur, nil
		})
		if err != nil {
			return 0, err
		}
	}
	return len(dirty), nil
}

// StorageInfo reports the disk usage of a dataset's collections.
func (e *Engine) StorageInfo(ds *dataset.Dataset) (*models.StorageInfo, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return nil, err
	}
	count, err := e.Count(ds)
	if err != nil {
		return nil, err
	}
	linesSize, err := t.lines.Size()
	if err != nil {
		return nil, err
	}
	info := &models.StorageInfo{
		Collection: models.StorageDetail{Size: linesSize, Count: count},
	}
	if ds.HasHistory() {
		revsSize, err := t.revs.Size()
		if err != nil {
			return nil, err
		}
		info.Revisions = &models.StorageDetail{Size: revsSize, Count: int64(t.revs.Len())}
	}
	info.Size = info.Collection.Size
	if info.Revisions != nil {
		info.Size += info.Revisions.Size
	}
	return info, nil
}

// DropDataset removes the line and revision tables of a dataset.
func (e *Engine) DropDataset(ds *dataset.Dataset) error {
	t, err := e.dsTables(ds)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.tables, ds.ID)
	e.mu.Unlock()
	if err := t.lines.Destroy(); err != nil {
		return err
	}
	return t.revs.Destroy()
}
