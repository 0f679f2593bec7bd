package restds

import (
	"os"

	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/models"
)

// SyncAttachmentsLines reconciles the lines of a dataset with the files in
// its attachments directory: a line is created for every file no line
// references, and lines whose file disappeared are deleted.
func (e *Engine) SyncAttachmentsLines(ds *dataset.Dataset, opts Options) (*models.SyncResult, error) {
	field, ok := ds.AttachmentField()
	if !ok {
		return nil, models.BadRequest("dataset has no attachment field")
	}
	entries, err := os.ReadDir(e.store.AttachmentsDir(ds))
	if err != nil && !os.IsNotExist(err) {
		return nil, models.InternalWithError("failed to list attachments", err)
	}
	files := map[string]bool{}
	for _, entry := range entries {
		if !entry.IsDir() {
			files[entry.Name()] = false
		}
	}

	t, err := e.dsTables(ds)
	if err != nil {
		return nil, err
	}
	res := &models.SyncResult{}
	var orphans []string
	for line := range t.lines.All() {
		if line.Deleted {
			continue
		}
		name, _ := line.Data[field.Key].(string)
		if _, ok := files[name]; ok {
			files[name] = true
			res.NbNotModified++
		} else {
			orphans = append(orphans, line.ID)
		}
	}
	for _, id := range orphans {
		if err := e.DeleteLine(ds, id, opts); err != nil {
			return nil, err
		}
		res.NbDeleted++
	}
	for name, referenced := range files {
		if referenced {
			continue
		}
		if _, err := e.CreateLine(ds, map[string]any{field.Key: name}, opts); err != nil {
			return nil, err
		}
		res.NbCreated++
	}
	return res, nil
}
