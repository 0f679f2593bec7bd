// Package sniff infers a column's semantic type from sampled raw string
// values, and formats raw values back into typed ones at ingestion time.
package sniff

import (
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// RefersToAttachment is the semantic tag of fields referencing a file in
// the dataset's attachment directory.
const RefersToAttachment = "http://schema.org/DigitalDocument"

// TypeInfo is the inferred type of a column.
type TypeInfo struct {
	Type     string `json:"type"`
	Format   string `json:"format,omitempty"`
	RefersTo string `json:"x-refersTo,omitempty"`
}

// Underscores and whitespace are accepted and ignored around numbers and
// booleans.
const trimablePrefix = `(\s|_)*`

var (
	booleanRe = regexp.MustCompile(`(?i)^` + trimablePrefix + `(0|1|-1|true|false|vrai|faux|oui|non|yes|no)` + trimablePrefix + `$`)
	intRe     = regexp.MustCompile(`^` + trimablePrefix + `[-+]?[0-9\s]+` + trimablePrefix + `$`)
	floatRe   = regexp.MustCompile(`^` + trimablePrefix + `[-+]?[0-9\s]+([.,][0-9]+)?` + trimablePrefix + `$`)
)

// truthy are the lexical variants formatted to boolean true.
var truthy = []string{"1", "true", "vrai", "oui", "yes"}

// dateTimeLayouts are tried in order. Layouts with a zone suffix carry an
// explicit offset; the others are interpreted in the configured timezone.
var dateTimeLayouts = []struct {
	layout    string
	hasOffset bool
}{
	{time.RFC3339Nano, true},
	{time.RFC3339, true},
	{"2006-01-02 15:04:05Z07:00", true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
}

// Sniff evaluates an ordered list of type predicates on the non-empty
// subset of values and returns the first that holds for every sampled
// value. A single counterexample disqualifies a candidate type. When the
// caller marks the field "ignore detection" it short-circuits to string.
func Sniff(values []string, attachmentPaths []string, ignoreDetection bool) TypeInfo {
	if ignoreDetection {
		return TypeInfo{Type: "string"}
	}
	if checkAll(values, func(v string) bool { return slices.Contains(attachmentPaths, v) }) {
		return TypeInfo{Type: "string", RefersTo: RefersToAttachment}
	}
	if checkAll(values, booleanRe.MatchString) {
		return TypeInfo{Type: "boolean"}
	}
	if checkAll(values, intRe.MatchString) {
		return TypeInfo{Type: "integer"}
	}
	if checkAll(values, floatRe.MatchString) {
		return TypeInfo{Type: "number"}
	}
	if checkAll(values, isDateTime) {
		return TypeInfo{Type: "string", Format: "date-time"}
	}
	if checkAll(values, isDate) {
		return TypeInfo{Type: "string", Format: "date"}
	}
	if checkAll(values, isURIRef) {
		return TypeInfo{Type: "string", Format: "uri-reference"}
	}
	return TypeInfo{Type: "string"}
}

// checkAll reports whether check holds for every trimmed non-empty value.
// An all-empty sample never matches.
func checkAll(values []string, check func(string) bool) bool {
	matched := false
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !check(v) {
			return false
		}
		matched = true
	}
	return matched
}

func isDateTime(v string) bool {
	for _, l := range dateTimeLayouts {
		if _, err := time.Parse(l.layout, v); err == nil {
			return true
		}
	}
	return false
}

func isDate(v string) bool {
	_, err := time.Parse("2006-01-02", v)
	return err == nil
}

// isURIRef is deliberately stricter than a bare RFC 3986 relative
// reference: a lone word is a valid relative reference, which would
// swallow every plain-text column. Require at least one URI-ish separator.
func isURIRef(v string) bool {
	if len(v) >= 500 || strings.ContainsAny(v, " \t") {
		return false
	}
	u, err := url.Parse(v)
	if err != nil {
		return false
	}
	return u.Scheme != "" || strings.ContainsAny(v, "/#?")
}

// Format is the inverse operation used at ingestion: it turns one raw
// string value into the typed value stored on the line. It returns nil for
// empty input, meaning the field is omitted from the line.
func Format(value string, info TypeInfo, loc *time.Location) any {
	if value == "" {
		return nil
	}
	switch info.Type {
	case "boolean":
		return slices.Contains(truthy, strings.ToLower(trimLexical(value)))
	case "integer", "number":
		clean := strings.ReplaceAll(trimLexical(value), " ", "")
		clean = strings.ReplaceAll(clean, ",", ".")
		f, err := strconv.ParseFloat(clean, 64)
		if err != nil {
			return nil
		}
		return f
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if info.Format == "date-time" {
		if normalized, ok := normalizeDateTime(value, loc); ok {
			return normalized
		}
	}
	return value
}

// trimLexical strips the whitespace and underscores tolerated around
// numbers and booleans.
func trimLexical(v string) string {
	return strings.Trim(v, " \t\r\n_")
}

// normalizeDateTime renders a date-time value as an explicit-offset
// timestamp. Values without an offset are interpreted in loc.
func normalizeDateTime(value string, loc *time.Location) (string, bool) {
	if loc == nil {
		loc = time.Local
	}
	for _, l := range dateTimeLayouts {
		var t time.Time
		var err error
		if l.hasOffset {
			t, err = time.Parse(l.layout, value)
		} else {
			t, err = time.ParseInLocation(l.layout, value, loc)
		}
		if err != nil {
			continue
		}
		return t.Format("2006-01-02T15:04:05-07:00"), true
	}
	return "", false
}

var keyEscapeRe = regexp.MustCompile(`[.\s$;,:!?/]`)

// EscapeKey normalizes a raw source column name into a storage-safe field
// key. The underscore prefix is reserved for system-computed fields.
func EscapeKey(key string) string {
	key = keyEscapeRe.ReplaceAllString(key, "_")
	key = strings.ReplaceAll(key, `"`, "")
	return strings.TrimLeft(key, "_")
}
