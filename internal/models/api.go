package models

// --- Lines ---

// LinesPage is a paginated page of dataset lines.
type LinesPage struct {
	Total   int64            `json:"total" jsonschema:"description=Total number of lines matching the query"`
	Results []map[string]any `json:"results" jsonschema:"description=Lines of the current page"`
	Next    string           `json:"next,omitempty" jsonschema:"description=Cursor link to the next page"`
}

// BulkError describes one failed input line of a bulk submission.
type BulkError struct {
	Line  int    `json:"line" jsonschema:"description=Zero-based index of the failed input line"`
	Error string `json:"error" jsonschema:"description=Validation message for the failed line"`
}

// BulkResult is the accounting of a bulk mutation.
type BulkResult struct {
	NbOK       int         `json:"nbOk" jsonschema:"description=Number of accepted input lines"`
	NbCreated  int         `json:"nbCreated" jsonschema:"description=Number of created lines"`
	NbModified int         `json:"nbModified" jsonschema:"description=Number of modified lines"`
	NbDeleted  int         `json:"nbDeleted" jsonschema:"description=Number of deleted lines"`
	NbErrors   int         `json:"nbErrors" jsonschema:"description=Number of rejected input lines"`
	Errors     []BulkError `json:"errors,omitempty" jsonschema:"description=Per-line rejection details"`
}

// SyncResult is the accounting of an attachments reconciliation.
type SyncResult struct {
	NbCreated     int `json:"nbCreated" jsonschema:"description=Lines created for unreferenced files"`
	NbDeleted     int `json:"nbDeleted" jsonschema:"description=Lines deleted because their file disappeared"`
	NbNotModified int `json:"nbNotModified" jsonschema:"description=Lines left untouched"`
}

// --- Storage ---

// StorageDetail is the size and count of one collection.
type StorageDetail struct {
	Size  int64 `json:"size" jsonschema:"description=Storage size in bytes"`
	Count int64 `json:"count" jsonschema:"description=Number of stored documents"`
}

// StorageInfo is the storage-size breakdown of a dataset.
type StorageInfo struct {
	Size       int64          `json:"size" jsonschema:"description=Total storage size in bytes"`
	Collection StorageDetail  `json:"collection" jsonschema:"description=Line collection storage"`
	Revisions  *StorageDetail `json:"revisions,omitempty" jsonschema:"description=Revision collection storage when history is enabled"`
}
