// Package llm provides the structured-extraction capability: a prompt plus
// a JSON Schema in, schema-conformant JSON out.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrUnavailable is returned when no model endpoint is configured.
var ErrUnavailable = errors.New("llm: extractor unavailable")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExtractRequest asks a model for JSON conforming to Schema.
type ExtractRequest struct {
	Model       string
	System      string
	Messages    []Message
	Schema      *Schema
	Temperature float64
}

// ExtractResult holds validated JSON and the tokens it cost.
type ExtractResult struct {
	Raw        json.RawMessage
	TokensUsed int
}

// Extractor performs structured extraction.
type Extractor interface {
	Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(ctx context.Context, req ExtractRequest) (ExtractResult, error)

func (f ExtractorFunc) Extract(ctx context.Context, req ExtractRequest) (ExtractResult, error) {
	return f(ctx, req)
}

// Schema is a named JSON Schema compiled on first use.
type Schema struct {
	Name       string
	Definition map[string]any

	once     sync.Once
	compiled *jsonschema.Schema
	err      error
}

// NewSchema wraps a schema definition.
func NewSchema(name string, def map[string]any) *Schema {
	return &Schema{Name: name, Definition: def}
}

func (s *Schema) compile() (*jsonschema.Schema, error) {
	s.once.Do(func() {
		data, err := json.Marshal(s.Definition)
		if err != nil {
			s.err = fmt.Errorf("encode schema %s: %w", s.Name, err)
			return
		}
		url := "mem://" + s.Name + ".json"
		c := jsonschema.NewCompiler()
		if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
			s.err = fmt.Errorf("add schema %s: %w", s.Name, err)
			return
		}
		s.compiled, s.err = c.Compile(url)
	})
	return s.compiled, s.err
}

// Validate checks raw JSON against the schema.
func (s *Schema) Validate(raw []byte) error {
	sch, err := s.compile()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("%s: output is not JSON: %w", s.Name, err)
	}
	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("%s: %w", s.Name, err)
	}
	return nil
}
