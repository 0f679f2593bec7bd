// Package ingest reads uploaded data files: sampling, charset detection,
// CSV dialect sniffing and the streaming readers the pipeline consumes.
package ingest

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/paulmach/orb/geojson"
	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/models"
	"github.com/souliane/datafab/internal/sniff"
	"golang.org/x/text/encoding/htmlindex"
)

// SampleSize is how much of a file the analyzers look at.
const SampleSize = 1 << 20

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// Sample reads up to SampleSize bytes from path, with any UTF-8 byte order
// mark stripped.
func Sample(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	defer f.Close()
	buf, err := io.ReadAll(io.LimitReader(f, SampleSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}
	return bytes.TrimPrefix(buf, utf8BOM), nil
}

// DetectEncoding guesses the charset of a sample. Valid UTF-8 wins,
// anything else is assumed to be windows-1252.
func DetectEncoding(sample []byte) string {
	if utf8.Valid(sample) {
		return "utf-8"
	}
	return "windows-1252"
}

// SniffDialect guesses the CSV dialect of a sample: field delimiter among
// comma, semicolon, tab and pipe, plus the line ending.
func SniffDialect(sample []byte) dataset.FileProps {
	props := dataset.FileProps{
		FieldsDelimiter: ",",
		EscapeChar:      `"`,
		LinesDelimiter:  "\n",
	}
	if bytes.Contains(sample, []byte("\r\n")) {
		props.LinesDelimiter = "\r\n"
	}
	line := sample
	if i := bytes.IndexByte(sample, '\n'); i >= 0 {
		line = sample[:i]
	}
	best, bestCount := byte(','), 0
	for _, cand := range []byte{',', ';', '\t', '|'} {
		if n := countOutsideQuotes(line, cand); n > bestCount {
			best, bestCount = cand, n
		}
	}
	props.FieldsDelimiter = string(best)
	return props
}

func countOutsideQuotes(line []byte, c byte) int {
	n, quoted := 0, false
	for _, b := range line {
		switch {
		case b == '"':
			quoted = !quoted
		case b == c && !quoted:
			n++
		}
	}
	return n
}

// decodeReader wraps r so it yields UTF-8 regardless of the stored charset.
func decodeReader(r io.Reader, charset string) (io.Reader, error) {
	if charset == "" || charset == "utf-8" {
		return r, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, models.BadEncoding(fmt.Sprintf("unknown charset %q", charset))
	}
	return enc.NewDecoder().Reader(r), nil
}

// CSVColumns parses the sample of a CSV file and returns the schema fields
// derived from the header plus the sampled values of each column, keyed by
// field key. Duplicate header names get a numeric suffix.
func CSVColumns(sample []byte, charset string, props dataset.FileProps, maxRows int) ([]dataset.Field, map[string][]string, error) {
	r, err := decodeReader(bytes.NewReader(sample), charset)
	if err != nil {
		return nil, nil, err
	}
	cr := newCSVReader(r, props)
	header, err := cr.Read()
	if err != nil {
		return nil, nil, models.BadRequest("failed to read header row: " + err.Error())
	}
	fields := make([]dataset.Field, 0, len(header))
	seen := map[string]int{}
	for _, name := range header {
		key := sniff.EscapeKey(name)
		if key == "" {
			key = "col"
		}
		if n := seen[key]; n > 0 {
			seen[key] = n + 1
			key = fmt.Sprintf("%s%d", key, n+1)
		}
		seen[key]++
		fields = append(fields, dataset.Field{Key: key, OriginalName: name})
	}
	values := make(map[string][]string, len(fields))
	for row := 0; maxRows <= 0 || row < maxRows; row++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// The sample may end mid-record, ignore a trailing parse error.
			break
		}
		for i, f := range fields {
			if i < len(rec) {
				values[f.Key] = append(values[f.Key], rec[i])
			}
		}
	}
	return fields, values, nil
}

// GeoJSONColumns reads the first maxFeatures features of a GeoJSON file and
// returns the schema fields derived from their properties plus sampled string
// values per field. The file is decoded incrementally and the read stops at
// the sample bound.
func GeoJSONColumns(path string, maxFeatures int) ([]dataset.Field, map[string][]string, error) {
	stream, err := geoJSONFeatures(path)
	if err != nil {
		return nil, nil, err
	}
	var fields []dataset.Field
	byKey := map[string]bool{}
	values := map[string][]string{}
	n := 0
	for feat, ferr := range stream {
		if ferr != nil {
			return nil, nil, ferr
		}
		for name, v := range feat.Properties {
			key := sniff.EscapeKey(name)
			if key == "" {
				continue
			}
			if !byKey[key] {
				byKey[key] = true
				fields = append(fields, dataset.Field{Key: key, OriginalName: name})
			}
			values[key] = append(values[key], fmt.Sprintf("%v", v))
		}
		n++
		if maxFeatures > 0 && n >= maxFeatures {
			break
		}
	}
	return fields, values, nil
}

// geoJSONFeatures streams the features of a GeoJSON file one at a time, so
// neither sniffing nor ingestion ever materializes the whole file.
func geoJSONFeatures(path string) (iter.Seq2[*geojson.Feature, error], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geojson file: %w", err)
	}
	return func(yield func(*geojson.Feature, error) bool) {
		defer f.Close()
		dec := json.NewDecoder(bomReader(f))
		if err := seekFeatures(dec); err != nil {
			yield(nil, err)
			return
		}
		for dec.More() {
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				yield(nil, models.BadRequest("invalid geojson: "+err.Error()))
				return
			}
			feat, err := geojson.UnmarshalFeature(raw)
			if err != nil {
				yield(nil, models.BadRequest("invalid geojson feature: "+err.Error()))
				return
			}
			if !yield(feat, nil) {
				return
			}
		}
	}, nil
}

// seekFeatures advances dec past the object keys preceding the features
// array and leaves it positioned on its first element.
func seekFeatures(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return models.BadRequest("invalid geojson: " + err.Error())
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return models.BadRequest("geojson root must be an object")
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return models.BadRequest("invalid geojson: " + err.Error())
		}
		if key, _ := keyTok.(string); key == "features" {
			tok, err := dec.Token()
			if err != nil {
				return models.BadRequest("invalid geojson: " + err.Error())
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return models.BadRequest("geojson features must be an array")
			}
			return nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return models.BadRequest("invalid geojson: " + err.Error())
		}
	}
	return models.BadRequest("geojson has no features array")
}

func newCSVReader(r io.Reader, props dataset.FileProps) *csv.Reader {
	cr := csv.NewReader(r)
	if props.FieldsDelimiter != "" {
		cr.Comma = rune(props.FieldsDelimiter[0])
	}
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = false
	return cr
}

// ReadStream streams the lines of the data file of a dataset, coerced to the
// dataset schema. Values that are empty or fail coercion are dropped from
// the line. The media type is checked before the stream starts.
func ReadStream(ds *dataset.Dataset, path string, loc *time.Location) (iter.Seq2[map[string]any, error], error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".csv", ".tsv":
		return readCSVStream(ds, path, loc)
	case ".geojson":
		return readGeoJSONStream(ds, path, loc)
	default:
		return nil, models.UnsupportedType(ext)
	}
}

func readCSVStream(ds *dataset.Dataset, path string, loc *time.Location) (iter.Seq2[map[string]any, error], error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file: %w", err)
	}
	charset := ""
	if ds.File != nil {
		charset = ds.File.Encoding
	}
	var raw io.Reader = bomReader(f)
	raw, err = decodeReader(raw, charset)
	if err != nil {
		f.Close()
		return nil, err
	}
	var props dataset.FileProps
	if ds.File != nil {
		props = ds.File.Props
	}
	cr := newCSVReader(raw, props)
	return func(yield func(map[string]any, error) bool) {
		defer f.Close()
		header, err := cr.Read()
		if err != nil {
			yield(nil, models.BadRequest("failed to read header row: "+err.Error()))
			return
		}
		fieldByName := map[string]*dataset.Field{}
		for i := range ds.Schema {
			fieldByName[ds.Schema[i].OriginalName] = &ds.Schema[i]
		}
		for {
			rec, err := cr.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				if !yield(nil, models.BadRequest("failed to parse row: "+err.Error())) {
					return
				}
				continue
			}
			line := map[string]any{}
			for i, name := range header {
				if i >= len(rec) {
					break
				}
				field := fieldByName[name]
				if field == nil {
					continue
				}
				if v := sniff.Format(rec[i], field.TypeInfo(), loc); v != nil {
					line[field.Key] = v
				}
			}
			if !yield(line, nil) {
				return
			}
		}
	}, nil
}

func readGeoJSONStream(ds *dataset.Dataset, path string, loc *time.Location) (iter.Seq2[map[string]any, error], error) {
	stream, err := geoJSONFeatures(path)
	if err != nil {
		return nil, err
	}
	fieldByName := map[string]*dataset.Field{}
	for i := range ds.Schema {
		fieldByName[ds.Schema[i].OriginalName] = &ds.Schema[i]
	}
	return func(yield func(map[string]any, error) bool) {
		for feat, ferr := range stream {
			if ferr != nil {
				yield(nil, ferr)
				return
			}
			line := map[string]any{}
			for name, v := range feat.Properties {
				field := fieldByName[name]
				if field == nil {
					continue
				}
				if coerced := sniff.Format(fmt.Sprintf("%v", v), field.TypeInfo(), loc); coerced != nil {
					line[field.Key] = coerced
				}
			}
			if feat.Geometry != nil {
				if shape := geometryMap(feat); shape != nil {
					line["_geoshape"] = shape
				}
			}
			if feat.ID != nil {
				line["id"] = fmt.Sprintf("%v", feat.ID)
			}
			if !yield(line, nil) {
				return
			}
		}
	}, nil
}

func geometryMap(feat *geojson.Feature) map[string]any {
	buf, err := geojson.NewGeometry(feat.Geometry).MarshalJSON()
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(buf, &m); err != nil {
		return nil
	}
	return m
}

// bomReader strips a leading UTF-8 byte order mark from r.
func bomReader(r io.Reader) io.Reader {
	br := make([]byte, 3)
	n, _ := io.ReadFull(r, br)
	if n == 3 && bytes.Equal(br, utf8BOM) {
		return r
	}
	return io.MultiReader(bytes.NewReader(br[:n]), r)
}
