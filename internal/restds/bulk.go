package restds

import (
	"archive/zip"
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/ingest"
	"github.com/souliane/datafab/internal/models"
	"github.com/souliane/datafab/internal/sniff"
)

// BulkInput is the payload of a bulk mutation request.
type BulkInput struct {
	Reader   io.Reader
	MimeType string
	// Gzip is set when the payload is gzip compressed.
	Gzip bool
	// CSVSeparator overrides the field delimiter of CSV payloads.
	CSVSeparator string
}

// Supported bulk payload media types.
const (
	MimeJSON   = "application/json"
	MimeNDJSON = "application/x-ndjson"
	MimeCSV    = "text/csv"
	MimeZip    = "application/zip"
)

const keepAliveEvery = 1000

// Bulk applies a stream of line mutations. Input lines are applied in order
// so a later op on the same id wins. Per-line failures are reported in the
// result; a payload whose encoding itself is malformed fails the whole batch
// with a BAD_ENCODING error. keepAlive, when set, is invoked periodically
// during long transactions.
func (e *Engine) Bulk(ds *dataset.Dataset, in BulkInput, opts Options, keepAlive func()) (*models.BulkResult, error) {
	ops, cleanup, err := e.decodeOps(ds, in)
	if err != nil {
		return nil, err
	}
	if cleanup != nil {
		defer cleanup()
	}
	res := &models.BulkResult{}
	n := 0
	for op, opErr := range ops {
		if keepAlive != nil && n%keepAliveEvery == 0 {
			keepAlive()
		}
		line := n
		n++
		status := opUnchanged
		if opErr == nil {
			status, _, opErr = e.applyOp(ds, op, opts)
		}
		if opErr != nil {
			var apiErr *models.APIError
			if errors.As(opErr, &apiErr) && apiErr.Code() == models.ErrorCodeBadEncoding {
				return nil, opErr
			}
			res.NbErrors++
			res.Errors = append(res.Errors, models.BulkError{Line: line, Error: opErr.Error()})
			continue
		}
		res.NbOK++
		switch status {
		case opCreated:
			res.NbCreated++
		case opModified:
			res.NbModified++
		case opDeleted:
			res.NbDeleted++
		}
	}
	return res, nil
}

// decodeOps turns a bulk payload into an op stream. The returned cleanup, if
// non-nil, must run once the stream is consumed.
func (e *Engine) decodeOps(ds *dataset.Dataset, in BulkInput) (iter.Seq2[Op, error], func(), error) {
	r := in.Reader
	if in.Gzip {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, models.BadEncoding("invalid gzip payload: " + err.Error())
		}
		r = gz
	}
	mime := in.MimeType
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	switch mime {
	case MimeJSON, "":
		return decodeJSONArray(r), nil, nil
	case MimeNDJSON:
		return decodeNDJSON(r), nil, nil
	case MimeCSV:
		return e.decodeCSV(ds, r, in.CSVSeparator)
	case MimeZip:
		return e.decodeZip(ds, r)
	default:
		return nil, nil, models.UnsupportedType(in.MimeType)
	}
}

// opFromMap interprets the underscore keys of one input line.
func opFromMap(m map[string]any) (Op, error) {
	op := Op{Data: m}
	if action, ok := m["_action"].(string); ok {
		op.Action = action
	}
	if id, ok := m["_id"].(string); ok {
		op.ID = id
	}
	if raw, ok := m["_updatedAt"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return op, models.InvalidFieldType("_updatedAt", "string")
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return op, models.BadRequest("invalid _updatedAt: " + err.Error())
		}
		op.UpdatedAt = &t
	}
	return op, nil
}

func decodeJSONArray(r io.Reader) iter.Seq2[Op, error] {
	return func(yield func(Op, error) bool) {
		dec := json.NewDecoder(r)
		tok, err := dec.Token()
		if err != nil {
			yield(Op{}, models.BadEncoding("invalid json payload: "+err.Error()))
			return
		}
		if delim, ok := tok.(json.Delim); !ok || delim != '[' {
			yield(Op{}, models.BadEncoding("bulk payload must be a json array"))
			return
		}
		for dec.More() {
			var m map[string]any
			if err := dec.Decode(&m); err != nil {
				yield(Op{}, models.BadEncoding("invalid json payload: "+err.Error()))
				return
			}
			op, err := opFromMap(m)
			if !yield(op, err) {
				return
			}
		}
	}
}

func decodeNDJSON(r io.Reader) iter.Seq2[Op, error] {
	return func(yield func(Op, error) bool) {
		dec := json.NewDecoder(r)
		for {
			var m map[string]any
			err := dec.Decode(&m)
			if err == io.EOF {
				return
			}
			if err != nil {
				yield(Op{}, models.BadEncoding("invalid ndjson payload: "+err.Error()))
				return
			}
			op, opErr := opFromMap(m)
			if !yield(op, opErr) {
				return
			}
		}
	}
}

const csvSniffSize = 64 << 10

// decodeCSV maps CSV columns onto schema fields by key, with _id and
// _action as special columns. Values are coerced per the field types. When
// no separator is given it is sniffed from a buffered prefix of the payload.
func (e *Engine) decodeCSV(ds *dataset.Dataset, r io.Reader, sep string) (iter.Seq2[Op, error], func(), error) {
	props := dataset.FileProps{FieldsDelimiter: sep}
	if sep == "" {
		br := bufio.NewReaderSize(r, csvSniffSize)
		prefix, _ := br.Peek(csvSniffSize)
		props = ingest.SniffDialect(prefix)
		r = br
	}
	cr := newBulkCSVReader(r, props)
	header, err := cr.Read()
	if err != nil {
		return nil, nil, models.BadRequest("failed to read csv header: " + err.Error())
	}
	type column struct {
		special string
		field   *dataset.Field
	}
	cols := make([]column, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		switch name {
		case "_id", "_action", "_updatedAt":
			cols[i] = column{special: name}
		default:
			field := ds.FieldByKey(name)
			if field == nil {
				field = fieldByOriginalName(ds, name)
			}
			cols[i] = column{field: field}
		}
	}
	return func(yield func(Op, error) bool) {
		for {
			rec, err := cr.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				if !yield(Op{}, models.BadRequest("failed to parse csv row: "+err.Error())) {
					return
				}
				continue
			}
			m := map[string]any{}
			for i, col := range cols {
				if i >= len(rec) {
					break
				}
				switch {
				case col.special != "":
					if v := strings.TrimSpace(rec[i]); v != "" {
						m[col.special] = v
					}
				case col.field != nil:
					if v := sniff.Format(rec[i], col.field.TypeInfo(), e.loc); v != nil {
						m[col.field.Key] = v
					}
				}
			}
			op, opErr := opFromMap(m)
			if !yield(op, opErr) {
				return
			}
		}
	}, nil, nil
}

func fieldByOriginalName(ds *dataset.Dataset, name string) *dataset.Field {
	for i := range ds.Schema {
		if ds.Schema[i].OriginalName == name {
			return &ds.Schema[i]
		}
	}
	return nil
}

// decodeZip spools the archive to disk, extracts attachment entries into the
// dataset's attachments directory and streams the single data entry.
func (e *Engine) decodeZip(ds *dataset.Dataset, r io.Reader) (iter.Seq2[Op, error], func(), error) {
	tmp, err := os.CreateTemp("", "bulk-*.zip")
	if err != nil {
		return nil, nil, models.InternalWithError("failed to spool zip payload", err)
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	size, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return nil, nil, models.BadEncoding("failed to read zip payload: " + err.Error())
	}
	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		cleanup()
		return nil, nil, models.BadEncoding("invalid zip payload: " + err.Error())
	}
	var data *zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.HasPrefix(f.Name, "attachments/") {
			if err := e.extractAttachment(ds, f); err != nil {
				cleanup()
				return nil, nil, err
			}
			continue
		}
		if data != nil {
			cleanup()
			return nil, nil, models.BadRequest("zip payload must hold a single data entry")
		}
		data = f
	}
	if data == nil {
		cleanup()
		return nil, nil, models.BadRequest("zip payload holds no data entry")
	}
	df, err := data.Open()
	if err != nil {
		cleanup()
		return nil, nil, models.BadEncoding("invalid zip entry: " + err.Error())
	}
	innerCleanup := func() {
		df.Close()
		cleanup()
	}
	switch ext := strings.ToLower(filepath.Ext(data.Name)); ext {
	case ".json":
		return decodeJSONArray(df), innerCleanup, nil
	case ".ndjson":
		return decodeNDJSON(df), innerCleanup, nil
	case ".csv":
		ops, _, err := e.decodeCSV(ds, df, "")
		if err != nil {
			innerCleanup()
			return nil, nil, err
		}
		return ops, innerCleanup, nil
	default:
		innerCleanup()
		return nil, nil, models.UnsupportedType(ext)
	}
}

func (e *Engine) extractAttachment(ds *dataset.Dataset, f *zip.File) error {
	name := filepath.Base(f.Name)
	if name == "" || name == "." {
		return models.BadRequest(fmt.Sprintf("invalid attachment entry %q", f.Name))
	}
	dir := e.store.AttachmentsDir(ds)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.InternalWithError("failed to create attachments directory", err)
	}
	src, err := f.Open()
	if err != nil {
		return models.BadEncoding("invalid zip entry: " + err.Error())
	}
	defer src.Close()
	dst, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return models.InternalWithError("failed to write attachment", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return models.InternalWithError("failed to write attachment", err)
	}
	return nil
}

func newBulkCSVReader(r io.Reader, props dataset.FileProps) *csv.Reader {
	cr := csv.NewReader(r)
	if props.FieldsDelimiter != "" {
		cr.Comma = rune(props.FieldsDelimiter[0])
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	return cr
}
