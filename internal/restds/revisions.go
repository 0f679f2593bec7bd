package restds

import (
	"sort"
	"strconv"
	"time"

	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/models"
)

// ReadRevisions pages through the mutation history of a dataset, newest
// first. lineID restricts the history to one line when non-empty. The
// before cursor is the _i value of the last revision of the previous page.
func (e *Engine) ReadRevisions(ds *dataset.Dataset, lineID, before string, size int) (*models.LinesPage, error) {
	t, err := e.dsTables(ds)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = 20
	}
	var beforeI int64
	if before != "" {
		beforeI, err = strconv.ParseInt(before, 10, 64)
		if err != nil {
			return nil, models.BadRequest("invalid before cursor")
		}
	}
	var revs []*Revision
	total := int64(0)
	for rev := range t.revs.All() {
		if lineID != "" && rev.LineID != lineID {
			continue
		}
		total++
		if beforeI == 0 || rev.I < beforeI {
			revs = append(revs, rev)
		}
	}
	sort.Slice(revs, func(i, j int) bool { return revs[i].I > revs[j].I })
	page := &models.LinesPage{Total: total, Results: []map[string]any{}}
	for i, rev := range revs {
		if i >= size {
			page.Next = strconv.FormatInt(revs[size-1].I, 10)
			break
		}
		page.Results = append(page.Results, revisionResult(rev))
	}
	return page, nil
}

func revisionResult(rev *Revision) map[string]any {
	out := make(map[string]any, len(rev.Data)+4)
	for k, v := range rev.Data {
		out[k] = v
	}
	out["_lineId"] = rev.LineID
	out["_i"] = rev.I
	out["_updatedAt"] = rev.UpdatedAt
	if rev.Action != "" {
		out["_action"] = rev.Action
	}
	if rev.Deleted {
		out["_deleted"] = true
	}
	return out
}

// ReconcileHistoryTTL removes the revisions older than the configured
// history TTL. Toggling history off only stops new revisions; the existing
// ones are kept. It returns the number of removed revisions.
func (e *Engine) ReconcileHistoryTTL(ds *dataset.Dataset, now time.Time) (int, error) {
	if ds.Rest == nil || !ds.Rest.HistoryTTL.Active {
		return 0, nil
	}
	t, err := e.dsTables(ds)
	if err != nil {
		return 0, err
	}
	var purge []string
	cutoff := now.Add(-ds.Rest.HistoryTTL.Delay.Duration())
	for rev := range t.revs.All() {
		if rev.UpdatedAt.Before(cutoff) {
			purge = append(purge, rev.Key())
		}
	}
	for _, key := range purge {
		if err := t.revs.Delete(key); err != nil {
			return 0, err
		}
	}
	return len(purge), nil
}
