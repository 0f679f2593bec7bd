package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSchemaFor(t *testing.T) {
	raw, err := SchemaFor[BulkResult]()
	if err != nil {
		t.Fatal(err)
	}
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		t.Fatal(err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("no properties in schema: %s", raw)
	}
	for _, name := range []string{"nbOk", "nbCreated", "nbModified", "nbDeleted", "nbErrors"} {
		if _, ok := props[name]; !ok {
			t.Errorf("missing property %q", name)
		}
	}
}

func TestSchemaForRejectsNonStruct(t *testing.T) {
	if _, err := SchemaFor[int](); err == nil {
		t.Fatal("expected error for non-struct type")
	}
}

func TestFieldDocs(t *testing.T) {
	docs, err := FieldDocs[StorageInfo]()
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]FieldDoc{}
	for _, d := range docs {
		byName[d.Name] = d
	}
	size, ok := byName["size"]
	if !ok {
		t.Fatalf("missing size doc: %+v", docs)
	}
	if !strings.Contains(size.Description, "storage size") {
		t.Errorf("unexpected description: %q", size.Description)
	}
}
