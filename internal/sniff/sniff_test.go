package sniff

import (
	"testing"
	"time"
)

func TestSniff(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   TypeInfo
	}{
		{"booleans", []string{"1", "0", "vrai"}, TypeInfo{Type: "boolean"}},
		{"booleans mixed lexicons", []string{"oui", "NO", "true", "-1"}, TypeInfo{Type: "boolean"}},
		{"booleans with padding", []string{" 1 ", "_0_", "faux"}, TypeInfo{Type: "boolean"}},
		{"integers", []string{"12", "-3", "+4"}, TypeInfo{Type: "integer"}},
		{"integers with thousands separator", []string{"1 200", "12"}, TypeInfo{Type: "integer"}},
		{"numbers comma decimal", []string{"1,5", "2.25"}, TypeInfo{Type: "number"}},
		{"date times", []string{"2015-03-18T00:58:59", "2020-01-01T00:00:00+02:00"}, TypeInfo{Type: "string", Format: "date-time"}},
		{"dates", []string{"2020-01-01", "2020-02-03"}, TypeInfo{Type: "string", Format: "date"}},
		{"unanimity fails", []string{"abc", "2020-01-01"}, TypeInfo{Type: "string"}},
		{"uri references", []string{"https://example.com/a", "./docs/readme.md"}, TypeInfo{Type: "string", Format: "uri-reference"}},
		{"plain words are not uri references", []string{"abc", "def"}, TypeInfo{Type: "string"}},
		{"empty values ignored", []string{"", "1", ""}, TypeInfo{Type: "boolean"}},
		{"all empty falls back to string", []string{"", ""}, TypeInfo{Type: "string"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sniff(tt.values, nil, false)
			if got != tt.want {
				t.Fatalf("Sniff(%v) = %+v, want %+v", tt.values, got, tt.want)
			}
		})
	}
}

func TestSniffIgnoreDetection(t *testing.T) {
	got := Sniff([]string{"1", "0"}, nil, true)
	if got.Type != "string" || got.Format != "" {
		t.Fatalf("Sniff with ignoreDetection = %+v, want plain string", got)
	}
}

func TestSniffAttachmentPaths(t *testing.T) {
	paths := []string{"dir1/test.pdf", "test.odt"}
	got := Sniff([]string{"dir1/test.pdf", "test.odt"}, paths, false)
	if got.RefersTo != RefersToAttachment {
		t.Fatalf("Sniff = %+v, want attachment tag", got)
	}
	// One value outside the attachment set disqualifies the candidate.
	got = Sniff([]string{"dir1/test.pdf", "unknown.bin"}, paths, false)
	if got.RefersTo == RefersToAttachment {
		t.Fatalf("Sniff = %+v, attachment tag on a non-attachment value", got)
	}
}

func TestFormat(t *testing.T) {
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	tests := []struct {
		name  string
		value string
		info  TypeInfo
		want  any
	}{
		{"empty is nil", "", TypeInfo{Type: "string"}, nil},
		{"string trimmed", "  hello  ", TypeInfo{Type: "string"}, "hello"},
		{"boolean oui", "oui", TypeInfo{Type: "boolean"}, true},
		{"boolean non", "non", TypeInfo{Type: "boolean"}, false},
		{"boolean padded", " _1_ ", TypeInfo{Type: "boolean"}, true},
		{"integer", "1 200", TypeInfo{Type: "integer"}, float64(1200)},
		{"number comma", "3,14", TypeInfo{Type: "number"}, 3.14},
		{"date-time local offset", "2015-03-18T00:58:59", TypeInfo{Type: "string", Format: "date-time"}, "2015-03-18T00:58:59+01:00"},
		{"date-time explicit offset kept", "1961-02-13 00:00:00+00:00", TypeInfo{Type: "string", Format: "date-time"}, "1961-02-13T00:00:00+00:00"},
		{"date passes through", "2020-12-04", TypeInfo{Type: "string", Format: "date"}, "2020-12-04"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Format(tt.value, tt.info, paris)
			if got != tt.want {
				t.Fatalf("Format(%q, %+v) = %#v, want %#v", tt.value, tt.info, got, tt.want)
			}
		})
	}
}

func TestEscapeKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"simple", "simple"},
		{"with space", "with_space"},
		// Source casing is preserved.
		{"First Name", "First_Name"},
		{"a.b$c;d", "a_b_c_d"},
		{`quoted"name`, "quotedname"},
		{"__reserved", "reserved"},
		{"_updatedAt", "updatedAt"},
		{"some date", "some_date"},
	}
	for _, tt := range tests {
		if got := EscapeKey(tt.in); got != tt.want {
			t.Fatalf("EscapeKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
