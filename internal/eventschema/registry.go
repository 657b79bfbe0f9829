// Package eventschema validates event payloads against versioned JSON
// Schemas, one schema per (event_type, schema_version). A submission whose
// type/version pair is unrecognized is rejected rather than guessed at.
package eventschema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"regexp"
	"strconv"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/contextgraph/contextgraph/internal/domain"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFilePattern = regexp.MustCompile(`^([a-z-]+)\.v(\d+)\.json$`)

type schemaKey struct {
	eventType domain.EventType
	version   int
}

// Registry holds the compiled payload schemas.
type Registry struct {
	schemas map[schemaKey]*jsonschema.Schema
}

// NewRegistry compiles every embedded schema. Compile failures are
// programming errors and surface immediately.
func NewRegistry() (*Registry, error) {
	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded schemas: %w", err)
	}

	registry := &Registry{schemas: make(map[schemaKey]*jsonschema.Schema)}
	for _, entry := range entries {
		match := schemaFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			return nil, fmt.Errorf("unexpected schema file name %q", entry.Name())
		}
		eventType := domain.EventType(match[1])
		version, err := strconv.Atoi(match[2])
		if err != nil {
			return nil, fmt.Errorf("invalid schema version in %q: %w", entry.Name(), err)
		}

		raw, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %q: %w", entry.Name(), err)
		}

		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://contextgraph.schemas.local/events/%s", entry.Name())
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("failed to load schema %q: %w", entry.Name(), err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %q: %w", entry.Name(), err)
		}

		registry.schemas[schemaKey{eventType: eventType, version: version}] = compiled
	}
	return registry, nil
}

// Validate checks a raw payload against the schema for its type and version.
func (r *Registry) Validate(eventType domain.EventType, version int, payload json.RawMessage) error {
	schema, ok := r.schemas[schemaKey{eventType: eventType, version: version}]
	if !ok {
		return domain.ValidationErrorf("no schema registered for %s v%d", eventType, version)
	}

	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return domain.ValidationErrorf("payload for %s is not valid JSON: %v", eventType, err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %s v%d payload: %v", domain.ErrValidation, eventType, version, err)
	}
	return nil
}

// ValidateEvent re-encodes the typed payload and validates it.
func (r *Registry) ValidateEvent(event domain.Event) error {
	if event.Payload == nil {
		return domain.ValidationErrorf("event %s has no payload", event.EventID)
	}
	raw, err := json.Marshal(event.Payload)
	if err != nil {
		return domain.ValidationErrorf("payload for %s cannot be encoded: %v", event.EventType, err)
	}
	return r.Validate(event.EventType, event.SchemaVersion, raw)
}
