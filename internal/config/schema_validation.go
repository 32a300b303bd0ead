package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	wardenschema "github.com/Paintersrp/warden/schema"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	schemaOnce     sync.Once
	manifestSchema *jsonschema.Schema
	schemaErr      error
)

func loadManifestSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		if err := compiler.AddResource("manifest.v1.json", bytes.NewReader(wardenschema.ManifestV1Schema)); err != nil {
			schemaErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		manifestSchema, schemaErr = compiler.Compile("manifest.v1.json")
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compile manifest schema: %w", schemaErr)
		}
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return manifestSchema, nil
}

func validateAgainstSchema(doc map[string]any) error {
	schema, err := loadManifestSchema()
	if err != nil {
		return fmt.Errorf("load manifest schema: %w", err)
	}

	normalized, err := normalizeForSchema(doc)
	if err != nil {
		return fmt.Errorf("prepare manifest for schema validation: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		if vErr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("schema validation failed:\n%s", formatValidationError(normalized, vErr))
		}
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func normalizeForSchema(doc map[string]any) (any, error) {
	buf := &bytes.Buffer{}
	encoder := json.NewEncoder(buf)
	if err := encoder.Encode(doc); err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	decoder.UseNumber()
	var out any
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func formatValidationError(doc any, err *jsonschema.ValidationError) string {
	var b strings.Builder
	writeValidationError(&b, doc, err, 0)
	return strings.TrimRight(b.String(), "\n")
}

func writeValidationError(b *strings.Builder, doc any, err *jsonschema.ValidationError, depth int) {
	show := true
	if len(err.Causes) > 0 && strings.HasPrefix(err.Message, "doesn't validate with") {
		show = false
	}
	if show {
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(b, "%s- %s: %s\n", indent, formatInstanceLocation(doc, err.InstanceLocation), err.Message)
		depth++
	}
	for _, cause := range err.Causes {
		writeValidationError(b, doc, cause, depth)
	}
}

// formatInstanceLocation renders a JSON pointer into doc as a manifest path.
// Array elements carrying a string id are named by it (processes[web].path);
// anything else falls back to its index.
func formatInstanceLocation(doc any, ptr string) string {
	segments := strings.Split(strings.TrimPrefix(ptr, "/"), "/")
	if ptr == "" || ptr == "/" {
		segments = nil
	}

	var b strings.Builder
	node := doc
	for _, segment := range segments {
		key := strings.ReplaceAll(strings.ReplaceAll(segment, "~1", "/"), "~0", "~")
		switch cur := node.(type) {
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(cur) {
				fmt.Fprintf(&b, "[%s]", key)
				node = nil
				continue
			}
			node = cur[idx]
			if id, ok := elementID(node); ok {
				fmt.Fprintf(&b, "[%s]", id)
			} else {
				fmt.Fprintf(&b, "[%d]", idx)
			}
		case map[string]any:
			node = cur[key]
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.WriteString(key)
		default:
			node = nil
			if b.Len() > 0 {
				b.WriteByte('.')
			}
			b.WriteString(key)
		}
	}
	if b.Len() == 0 {
		return "manifest"
	}
	return b.String()
}

func elementID(node any) (string, bool) {
	entry, ok := node.(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := entry["id"].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}
