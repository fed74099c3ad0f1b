// Package main generates the JSON schema of the vmspace configuration file
// from the mapstructure tags of config.Config.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/vmspace/pkg/config"
)

const (
	schemaName  = "vmspace-config"
	draft07     = "http://json-schema.org/draft-07/schema#"
	tagName     = "mapstructure"
	dirPerm     = 0o755
	schemaPerm  = 0o644
	schemaTitle = "vmspace configuration"
)

// Schema represents a JSON Schema.
type Schema struct {
	Schema               string             `json:"$schema,omitempty"`
	Title                string             `json:"title,omitempty"`
	Description          string             `json:"description,omitempty"`
	Type                 string             `json:"type,omitempty"`
	Properties           map[string]*Schema `json:"properties,omitempty"`
	Items                *Schema            `json:"items,omitempty"`
	Ref                  string             `json:"$ref,omitempty"`
	Definitions          map[string]*Schema `json:"definitions,omitempty"`
	AdditionalProperties *bool              `json:"additionalProperties,omitempty"`
}

func main() {
	outputDir := flag.String("o", "docs/schemas", "Output directory for schemas")
	flag.Parse()

	if err := os.MkdirAll(*outputDir, dirPerm); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	schema := generateSchema(&config.Config{})

	if err := writeSchema(*outputDir, schemaName, schema); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated schema %s\n", schemaName)
}

func generateSchema(v any) *Schema {
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	defs := make(map[string]*Schema)

	schema := &Schema{
		Schema:               draft07,
		Title:                schemaTitle,
		Description:          "Settings read from vmspace.yaml; every key may also be set as VMSPACE_<SECTION>_<KEY>.",
		Type:                 "object",
		Properties:           structToProperties(t, defs),
		AdditionalProperties: closed(),
	}

	if len(defs) > 0 {
		schema.Definitions = defs
	}

	return schema
}

func closed() *bool {
	no := false

	return &no
}

// structToProperties maps tagged fields to schemas. Every key is optional
// because defaults fill whatever the file leaves out.
func structToProperties(t reflect.Type, defs map[string]*Schema) map[string]*Schema {
	props := make(map[string]*Schema)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get(tagName), ",")

		if name == "-" || name == "" {
			continue
		}

		props[name] = typeToSchema(field.Type, defs)
	}

	return props
}

func typeToSchema(t reflect.Type, defs map[string]*Schema) *Schema {
	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if t == reflect.TypeOf(time.Duration(0)) {
			return &Schema{Type: "integer", Description: "Duration in nanoseconds"}
		}

		return &Schema{Type: "integer"}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}

	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}

	case reflect.Bool:
		return &Schema{Type: "boolean"}

	case reflect.Slice:
		return &Schema{
			Type:  "array",
			Items: typeToSchema(t.Elem(), defs),
		}

	case reflect.Map:
		return &Schema{
			Type: "object",
			Description: fmt.Sprintf("Map with %s keys and %s values",
				t.Key().Kind().String(), t.Elem().Kind().String()),
		}

	case reflect.Struct:
		defName := t.Name()
		if defName == "" {
			return &Schema{Type: "object", Properties: structToProperties(t, defs), AdditionalProperties: closed()}
		}

		if _, exists := defs[defName]; !exists {
			defs[defName] = &Schema{Type: "object", Properties: structToProperties(t, defs), AdditionalProperties: closed()}
		}

		return &Schema{Ref: "#/definitions/" + defName}

	case reflect.Ptr:
		return typeToSchema(t.Elem(), defs)

	default:
		return &Schema{Type: "object"}
	}
}

func writeSchema(dir, name string, schema *Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	path := filepath.Join(dir, name+".json")

	return os.WriteFile(path, data, schemaPerm)
}
