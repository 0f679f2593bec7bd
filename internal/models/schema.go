package models

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/invopop/jsonschema"
)

// FieldDoc documents one property of an API surface type.
type FieldDoc struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// SchemaFor reflects the JSON schema of a struct type, inline without $ref,
// for the settings and API documentation surface. Descriptions come from
// `jsonschema:"description=..."` tags.
func SchemaFor[T any]() (json.RawMessage, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type must be a struct, got %s", t.Kind())
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	return json.Marshal(schema)
}

// FieldDocs flattens the reflected schema of a struct type into a list of
// per-property docs, in declaration order.
func FieldDocs[T any]() ([]FieldDoc, error) {
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("type must be a struct, got %s", t.Kind())
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	schema := r.ReflectFromType(t)
	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	var docs []FieldDoc
	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		docs = append(docs, FieldDoc{
			Name:        pair.Key,
			Type:        pair.Value.Type,
			Required:    required[pair.Key],
			Description: pair.Value.Description,
		})
	}
	return docs, nil
}
