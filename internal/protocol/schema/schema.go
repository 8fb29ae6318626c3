package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/framebus/internal/protocol/kind"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/rs/zerolog/log"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	ErrMalformedJSON  = errors.New("schema: malformed json")
	ErrSchemaMismatch = errors.New("schema: schema mismatch")
)

// ValidationError reports why a payload was rejected for one kind.
type ValidationError struct {
	Name   string
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v: kind=%s", e.Reason, e.Name)
	}
	return fmt.Sprintf("%v: kind=%s: %s", e.Reason, e.Name, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

func malformed(name string, err error) error {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	log.Debug().Str("name", name).Str("detail", detail).Msg("schema malformed payload")
	return &ValidationError{Name: name, Reason: ErrMalformedJSON, Detail: detail}
}

func mismatch(name string, err error) error {
	log.Debug().Str("name", name).Err(err).Msg("schema payload mismatch")
	return &ValidationError{Name: name, Reason: ErrSchemaMismatch, Detail: err.Error()}
}

// TypedOptions tunes schema inference for Typed.
type TypedOptions struct {
	// Strict rejects properties not declared on the Go type.
	Strict bool
}

// TypedDecoder validates payloads against the schema inferred from T and decodes into T.
type TypedDecoder[T any] struct {
	name     string
	schema   *jsonschema.Schema
	resolved *jsonschema.Resolved
}

var _ kind.Decoder = (*TypedDecoder[struct{}])(nil)

// Typed builds a decoder for T. Fields without omitempty are required and Go
// integer fields only accept JSON integers.
func Typed[T any](name string, opts TypedOptions) (*TypedDecoder[T], error) {
	sch, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, fmt.Errorf("schema: infer %s: %w", name, err)
	}
	if opts.Strict {
		sch.AdditionalProperties = &jsonschema.Schema{Not: &jsonschema.Schema{}}
	} else {
		sch.AdditionalProperties = nil
	}
	resolved, err := sch.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("schema: resolve %s: %w", name, err)
	}
	return &TypedDecoder[T]{name: name, schema: sch, resolved: resolved}, nil
}

// MustTyped is Typed for static kind tables.
func MustTyped[T any](name string, opts TypedOptions) *TypedDecoder[T] {
	d, err := Typed[T](name, opts)
	if err != nil {
		panic(err)
	}
	return d
}

// Decode returns a T value.
func (d *TypedDecoder[T]) Decode(raw []byte) (any, error) {
	return d.DecodeTyped(raw)
}

func (d *TypedDecoder[T]) DecodeTyped(raw []byte) (T, error) {
	var zero T
	if !json.Valid(raw) {
		return zero, malformed(d.name, nil)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		// Syntax already passed; the value does not fit, e.g. 1e400.
		return zero, mismatch(d.name, err)
	}
	if err := d.resolved.Validate(instance); err != nil {
		return zero, mismatch(d.name, err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, mismatch(d.name, err)
	}
	return out, nil
}

// Schema returns the inferred schema document.
func (d *TypedDecoder[T]) Schema() json.RawMessage {
	b, err := json.Marshal(d.schema)
	if err != nil {
		return nil
	}
	return b
}

// CompiledDecoder validates payloads against a JSON Schema document. Decoded
// payloads are generic values with numbers kept as json.Number.
type CompiledDecoder struct {
	name     string
	compiled *jschema.Schema
	raw      json.RawMessage
}

var _ kind.Decoder = (*CompiledDecoder)(nil)

// Compiled compiles schemaJSON for the named kind.
func Compiled(name, schemaJSON string) (*CompiledDecoder, error) {
	doc, err := jschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("schema: parse %s: %w", name, err)
	}
	uri := resourceURI(name)
	c := jschema.NewCompiler()
	if err := c.AddResource(uri, doc); err != nil {
		return nil, fmt.Errorf("schema: add resource %s: %w", name, err)
	}
	compiled, err := c.Compile(uri)
	if err != nil {
		return nil, fmt.Errorf("schema: compile %s: %w", name, err)
	}
	return &CompiledDecoder{name: name, compiled: compiled, raw: json.RawMessage(schemaJSON)}, nil
}

func (d *CompiledDecoder) Decode(raw []byte) (any, error) {
	if !json.Valid(raw) {
		return nil, malformed(d.name, nil)
	}
	instance, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, mismatch(d.name, err)
	}
	if err := d.compiled.Validate(instance); err != nil {
		return nil, mismatch(d.name, err)
	}
	return instance, nil
}

func (d *CompiledDecoder) Schema() json.RawMessage {
	return d.raw
}

func resourceURI(name string) string {
	return "urn:framebus:kind:" + strings.ToLower(strings.TrimSpace(name)) + ".json"
}
