// Package schema validates outbox payloads against JSON Schemas registered per
// topic and payload version.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/LerianStudio/lib-outbox/outbox"
)

var (
	ErrSchemaNotRegistered = errors.New("no schema registered for topic version")
	ErrPayloadInvalid      = errors.New("payload does not match schema")
	ErrSchemaFileName      = errors.New("schema file name must be <topic>.v<version>.json")

	schemaFilePattern = regexp.MustCompile(`^(.+)\.v([1-9][0-9]*)\.json$`)
)

var _ outbox.PayloadValidator = (*Registry)(nil)

type key struct {
	topic   string
	version int
}

// Registry holds compiled schemas. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[key]*jsonschema.Schema
	strict  bool
}

type Option func(*Registry)

// WithStrict rejects payloads whose topic and version have no schema.
func WithStrict() Option {
	return func(registry *Registry) {
		registry.strict = true
	}
}

func NewRegistry(opts ...Option) *Registry {
	registry := &Registry{schemas: map[key]*jsonschema.Schema{}}

	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}

	return registry
}

// Register compiles schema (draft 2020-12) for topic at version, replacing any
// previous one.
func (registry *Registry) Register(topic string, version int, schema []byte) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return outbox.ErrTopicRequired
	}

	if version < 1 {
		return fmt.Errorf("%w: %d", outbox.ErrPayloadVersionInvalid, version)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	url := fmt.Sprintf("https://lib-outbox.schemas.local/%s/v%d.schema.json", topic, version)
	if err := compiler.AddResource(url, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("load schema for %s v%d: %w", topic, version, err)
	}

	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema for %s v%d: %w", topic, version, err)
	}

	registry.mu.Lock()
	registry.schemas[key{topic: topic, version: version}] = compiled
	registry.mu.Unlock()

	return nil
}

// LoadFS registers every file in dir named <topic>.v<version>.json.
func (registry *Registry) LoadFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read schema dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		match := schemaFilePattern.FindStringSubmatch(entry.Name())
		if match == nil {
			return fmt.Errorf("%w: %s", ErrSchemaFileName, entry.Name())
		}

		version, err := strconv.Atoi(match[2])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrSchemaFileName, entry.Name())
		}

		content, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}

		if err := registry.Register(match[1], version, content); err != nil {
			return err
		}
	}

	return nil
}

// Validate implements outbox.PayloadValidator.
func (registry *Registry) Validate(topic string, version int, payload []byte) error {
	registry.mu.RLock()
	compiled, ok := registry.schemas[key{topic: topic, version: version}]
	registry.mu.RUnlock()

	if !ok {
		if registry.strict {
			return fmt.Errorf("%w: %s v%d", ErrSchemaNotRegistered, topic, version)
		}

		return nil
	}

	document, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrPayloadNotJSON, err)
	}

	if err := compiled.Validate(document); err != nil {
		return fmt.Errorf("%w: %s v%d: %w", ErrPayloadInvalid, topic, version, err)
	}

	return nil
}
