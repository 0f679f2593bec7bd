// Package dataset defines the Dataset resource, its pipeline status state
// machine, and the store that persists dataset metadata and lays out the
// per-dataset files on disk.
package dataset

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/souliane/datafab/internal/sniff"
)

// Status is the pipeline state of a dataset.
type Status string

const (
	// StatusCreated is the initial state of a dataset whose file is not
	// available yet (e.g. a remote file not downloaded).
	StatusCreated Status = "created"
	// StatusLoaded means the raw data file is on disk.
	StatusLoaded Status = "loaded"
	// StatusAnalyzed means file format, encoding and columns are known.
	StatusAnalyzed Status = "analyzed"
	// StatusSchematized means field types have been inferred or validated.
	StatusSchematized Status = "schematized"
	// StatusIndexed means the search index holds the current data.
	StatusIndexed Status = "indexed"
	// StatusExtended means extensions have been applied.
	StatusExtended Status = "extended"
	// StatusFinalized is the terminal state: data and index are consistent
	// and safe to serve.
	StatusFinalized Status = "finalized"
	// StatusError is the absorbing failure state, reachable from any
	// non-terminal stage. Leaving it requires an external corrective action.
	StatusError Status = "error"
)

var statuses = map[Status]bool{
	StatusCreated:     true,
	StatusLoaded:      true,
	StatusAnalyzed:    true,
	StatusSchematized: true,
	StatusIndexed:     true,
	StatusExtended:    true,
	StatusFinalized:   true,
	StatusError:       true,
}

// OwnerType distinguishes user-owned from organization-owned datasets.
type OwnerType string

const (
	// OwnerUser marks a dataset owned by a single user.
	OwnerUser OwnerType = "user"
	// OwnerOrganization marks a dataset owned by an organization.
	OwnerOrganization OwnerType = "organization"
)

// Owner identifies the account a dataset belongs to.
type Owner struct {
	Type OwnerType `json:"type" jsonschema:"description=Owner account type (user or organization)"`
	ID   string    `json:"id" jsonschema:"description=Owner account identifier"`
}

// Field is one descriptor of the dataset schema.
type Field struct {
	Key             string `json:"key" jsonschema:"description=Storage-safe field key, unique within the dataset"`
	Type            string `json:"type" jsonschema:"description=Field type (string/boolean/integer/number)"`
	Format          string `json:"format,omitempty" jsonschema:"description=String format refinement (date/date-time/uri-reference)"`
	RefersTo        string `json:"x-refersTo,omitempty" jsonschema:"description=Semantic concept tag"`
	ReadOnly        bool   `json:"readOnly,omitempty" jsonschema:"description=Whether API callers may write this field"`
	OriginalName    string `json:"x-originalName,omitempty" jsonschema:"description=Raw source column name before key sanitization"`
	IgnoreDetection bool   `json:"ignoreDetection,omitempty" jsonschema:"description=Skip type sniffing and keep the field a string"`
}

// TypeInfo converts the field descriptor for the sniffer's formatter.
func (f *Field) TypeInfo() sniff.TypeInfo {
	return sniff.TypeInfo{Type: f.Type, Format: f.Format, RefersTo: f.RefersTo}
}

// Delay is a duration expressed in configuration-friendly units.
type Delay struct {
	Value int    `json:"value" jsonschema:"description=Number of units"`
	Unit  string `json:"unit" jsonschema:"description=Unit (seconds/minutes/hours/days)"`
}

// Duration converts the delay to a time.Duration. Unknown units count as
// seconds.
func (d Delay) Duration() time.Duration {
	v := time.Duration(d.Value)
	switch d.Unit {
	case "days":
		return v * 24 * time.Hour
	case "hours":
		return v * time.Hour
	case "minutes":
		return v * time.Minute
	default:
		return v * time.Second
	}
}

// HistoryTTL configures expiry of revision history.
type HistoryTTL struct {
	Active bool  `json:"active" jsonschema:"description=Whether revisions expire"`
	Delay  Delay `json:"delay,omitempty" jsonschema:"description=Age past which revisions are removed"`
}

// RowTTL configures expiry of live lines based on a date field.
type RowTTL struct {
	Active bool   `json:"active" jsonschema:"description=Whether lines expire"`
	Prop   string `json:"prop,omitempty" jsonschema:"description=Date field the expiry is computed from"`
	Delay  Delay  `json:"delay,omitempty" jsonschema:"description=Age past which lines are removed"`
}

// RestConfig is the persisted configuration surface of a REST dataset.
type RestConfig struct {
	History    bool       `json:"history" jsonschema:"description=Append a revision on every effective mutation"`
	HistoryTTL HistoryTTL `json:"historyTTL,omitzero" jsonschema:"description=Expiry of revision history"`
	TTL        RowTTL     `json:"ttl,omitzero" jsonschema:"description=Expiry of live lines"`
}

// FileProps holds the tabular dialect detected by the analyzer.
type FileProps struct {
	FieldsDelimiter string `json:"fieldsDelimiter,omitempty"`
	EscapeChar      string `json:"escapeChar,omitempty"`
	LinesDelimiter  string `json:"linesDelimiter,omitempty"`
}

// FileInfo describes the raw data file of a file-based dataset.
type FileInfo struct {
	Name     string    `json:"name"`
	MimeType string    `json:"mimetype"`
	Encoding string    `json:"encoding,omitempty"`
	Size     int64     `json:"size,omitempty"`
	Props    FileProps `json:"props,omitzero"`
}

// RemoteFile points at a file to fetch before analysis.
type RemoteFile struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

// Dataset is the top-level resource describing one data source, its schema
// and its processing status.
type Dataset struct {
	ID     string  `json:"id"`
	Owner  Owner   `json:"owner"`
	Title  string  `json:"title,omitempty"`
	IsRest bool    `json:"isRest,omitempty"`
	Schema []Field `json:"schema,omitempty"`
	Status Status  `json:"status"`

	File       *FileInfo   `json:"file,omitempty"`
	RemoteFile *RemoteFile `json:"remoteFile,omitempty"`

	PrimaryKey []string    `json:"primaryKey,omitempty"`
	Rest       *RestConfig `json:"rest,omitempty"`

	// Count is the authoritative line count, recomputed at finalize time.
	Count int64 `json:"count"`
	// Seq is the line sequence allocator; _i values are carved out of it.
	Seq int64 `json:"seq,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	DataUpdatedAt time.Time `json:"dataUpdatedAt,omitzero"`
	FinalizedAt   time.Time `json:"finalizedAt,omitzero"`
}

// Clone returns a deep copy of the Dataset.
func (d *Dataset) Clone() *Dataset {
	c := *d
	c.Schema = slicesClone(d.Schema)
	c.PrimaryKey = slicesClone(d.PrimaryKey)
	if d.File != nil {
		f := *d.File
		c.File = &f
	}
	if d.RemoteFile != nil {
		r := *d.RemoteFile
		c.RemoteFile = &r
	}
	if d.Rest != nil {
		r := *d.Rest
		c.Rest = &r
	}
	return &c
}

func slicesClone[S ~[]E, E any](s S) S {
	if s == nil {
		return nil
	}
	return append(S{}, s...)
}

// Key returns the dataset id.
func (d *Dataset) Key() string {
	return d.ID
}

// Validate checks that the Dataset is well-formed.
func (d *Dataset) Validate() error {
	if d.ID == "" {
		return errors.New("id is required")
	}
	if d.Owner.Type != OwnerUser && d.Owner.Type != OwnerOrganization {
		return fmt.Errorf("unknown owner type %q", d.Owner.Type)
	}
	if d.Owner.ID == "" {
		return errors.New("owner id is required")
	}
	if !statuses[d.Status] {
		return fmt.Errorf("unknown status %q", d.Status)
	}
	seen := map[string]bool{}
	for _, f := range d.Schema {
		if f.Key == "" {
			return errors.New("schema field key is required")
		}
		if seen[f.Key] {
			return fmt.Errorf("duplicate schema field key %q", f.Key)
		}
		seen[f.Key] = true
		if strings.HasPrefix(f.Key, "_") && !systemKeys[f.Key] {
			return fmt.Errorf("field key %q: the underscore prefix is reserved for system fields", f.Key)
		}
	}
	for _, k := range d.PrimaryKey {
		if !seen[k] {
			return fmt.Errorf("primary key field %q is not in the schema", k)
		}
	}
	if d.Rest != nil && d.Rest.TTL.Active && d.Rest.TTL.Prop == "" {
		return errors.New("rest.ttl.prop is required when rest.ttl is active")
	}
	return nil
}

// systemKeys are the computed fields the schematizer appends for REST
// datasets.
var systemKeys = map[string]bool{"_id": true, "_updatedAt": true, "_i": true, "_geoshape": true}

// FieldByKey returns the schema field with the given key, or nil.
func (d *Dataset) FieldByKey(key string) *Field {
	for i := range d.Schema {
		if d.Schema[i].Key == key {
			return &d.Schema[i]
		}
	}
	return nil
}

// AttachmentField returns the schema field tagged as an attachment path.
func (d *Dataset) AttachmentField() (*Field, bool) {
	for i := range d.Schema {
		if d.Schema[i].RefersTo == sniff.RefersToAttachment {
			return &d.Schema[i], true
		}
	}
	return nil, false
}

// HasHistory reports whether revision history is currently enabled.
func (d *Dataset) HasHistory() bool {
	return d.Rest != nil && d.Rest.History
}
