package dataset

import (
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/souliane/datafab/internal/docstore"
)

// Store persists dataset metadata and computes the on-disk layout of the
// per-dataset files: raw data file, line collection, revision collection
// and attachment directory.
type Store struct {
	dir   string
	table *docstore.Table[*Dataset]
}

// NewStore opens the dataset table under dir.
func NewStore(dir string) (*Store, error) {
	table, err := docstore.NewTable[*Dataset](filepath.Join(dir, "datasets.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open datasets table: %w", err)
	}
	return &Store{dir: dir, table: table}, nil
}

// Dir returns the data root directory.
func (s *Store) Dir() string {
	return s.dir
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a dataset id from a title.
func Slugify(title string) string {
	slug := slugRe.ReplaceAllString(strings.ToLower(title), "-")
	return strings.Trim(slug, "-")
}

// Create inserts a new dataset. When the id is empty it is derived from the
// title, suffixed with a counter until unique. Timestamps and the initial
// status are set here.
func (s *Store) Create(ds *Dataset) (*Dataset, error) {
	if ds.ID == "" {
		base := Slugify(ds.Title)
		if base == "" {
			return nil, fmt.Errorf("dataset needs an id or a title")
		}
		ds.ID = base
		for i := 2; ; i++ {
			if _, ok := s.table.Get(ds.ID); !ok {
				break
			}
			ds.ID = fmt.Sprintf("%s-%d", base, i)
		}
	} else if _, ok := s.table.Get(ds.ID); ok {
		return nil, fmt.Errorf("dataset %q already exists", ds.ID)
	}
	now := time.Now()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	if ds.Status == "" {
		switch {
		case ds.IsRest:
			// REST datasets have no file to load and analyze.
			ds.Status = StatusAnalyzed
		case ds.RemoteFile != nil:
			ds.Status = StatusCreated
		default:
			ds.Status = StatusLoaded
		}
	}
	if err := s.table.Put(ds); err != nil {
		return nil, err
	}
	return ds.Clone(), nil
}

// Get returns the dataset with the given id.
func (s *Store) Get(id string) (*Dataset, bool) {
	return s.table.Get(id)
}

// All returns an iterator over all datasets.
func (s *Store) All() iter.Seq[*Dataset] {
	return s.table.All()
}

// Len returns the number of datasets.
func (s *Store) Len() int {
	return s.table.Len()
}

// Modify applies fn to the dataset under the store's write lock.
func (s *Store) Modify(id string, fn func(*Dataset) error) (*Dataset, error) {
	return s.table.Modify(id, func(ds *Dataset) (*Dataset, error) {
		if err := fn(ds); err != nil {
			return nil, err
		}
		return ds, nil
	})
}

// SetStatus moves the dataset to the given status and bumps updatedAt.
func (s *Store) SetStatus(id string, status Status) (*Dataset, error) {
	return s.Modify(id, func(ds *Dataset) error {
		ds.Status = status
		ds.UpdatedAt = time.Now()
		return nil
	})
}

// TouchData records a row-content change: the dataset needs to go through
// indexing and finalization again.
func (s *Store) TouchData(id string) (*Dataset, error) {
	return s.Modify(id, func(ds *Dataset) error {
		now := time.Now()
		if ds.UpdatedAt.After(now) {
			now = ds.UpdatedAt
		}
		ds.DataUpdatedAt = now
		return nil
	})
}

// AllocateSeq atomically reserves n consecutive sequence numbers for the
// dataset's lines and returns the first one. The sequence starts at 1 and is
// strictly increasing per dataset, even across concurrent bulk submissions.
func (s *Store) AllocateSeq(id string, n int64) (int64, error) {
	var first int64
	_, err := s.Modify(id, func(ds *Dataset) error {
		first = ds.Seq + 1
		ds.Seq += n
		return nil
	})
	return first, err
}

// Delete removes the dataset metadata, its raw file and its attachment
// directory. Row and revision collections are owned by the REST engine and
// destroyed there.
func (s *Store) Delete(ds *Dataset) error {
	if err := s.table.Delete(ds.ID); err != nil {
		return err
	}
	if ds.File != nil {
		if err := os.Remove(s.FilePath(ds)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove dataset file: %w", err)
		}
	}
	if err := os.RemoveAll(s.AttachmentsDir(ds)); err != nil {
		return fmt.Errorf("failed to remove attachments dir: %w", err)
	}
	return nil
}

func (s *Store) ownerDir(ds *Dataset) string {
	return filepath.Join(s.dir, string(ds.Owner.Type), ds.Owner.ID)
}

// FilePath returns the location of the dataset's raw data file.
func (s *Store) FilePath(ds *Dataset) string {
	ext := ""
	if ds.File != nil {
		if i := strings.LastIndex(ds.File.Name, "."); i >= 0 {
			ext = ds.File.Name[i:]
		}
	}
	return filepath.Join(s.ownerDir(ds), ds.ID+ext)
}

// AttachmentsDir returns the directory holding the dataset's attachment
// files.
func (s *Store) AttachmentsDir(ds *Dataset) string {
	return filepath.Join(s.ownerDir(ds), "attachments", ds.ID)
}

// LinesPath returns the location of the REST line collection.
func (s *Store) LinesPath(ds *Dataset) string {
	return filepath.Join(s.ownerDir(ds), "collections", ds.ID+".lines.jsonl")
}

// RevisionsPath returns the location of the revision collection.
func (s *Store) RevisionsPath(ds *Dataset) string {
	return filepath.Join(s.ownerDir(ds), "collections", ds.ID+".revisions.jsonl")
}
