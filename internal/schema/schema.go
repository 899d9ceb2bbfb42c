// Package schema validates inbound documents against the JSON Schemas
// embedded in this package.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var files embed.FS

const baseURL = "https://schemas.nimbus.internal/"

// Schema names
const (
	SNSEnvelope        = "sns-envelope"
	PinpointV2Envelope = "pinpoint-v2-envelope"
	ReceiptEnvelope    = "receipt-envelope"
)

// ErrInvalid is returned when a document fails validation.
var ErrInvalid = errors.New("document does not match schema")

// Schema is one compiled schema.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Name returns the schema's name.
func (s *Schema) Name() string { return s.name }

// Validate parses raw as JSON and checks it against the schema. Parse and
// validation failures both wrap ErrInvalid.
func (s *Schema) Validate(raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, s.name, err)
	}
	if err := s.compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, s.name, err)
	}
	return nil
}

// Set holds every schema the service validates against.
type Set struct {
	SNSEnvelope        *Schema
	PinpointV2Envelope *Schema
	ReceiptEnvelope    *Schema
}

// Load compiles the embedded schemas.
func Load() (*Set, error) {
	c := jsonschema.NewCompiler()

	names := []string{SNSEnvelope, PinpointV2Envelope, ReceiptEnvelope}
	for _, name := range names {
		raw, err := files.ReadFile("schemas/" + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", name, err)
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", name, err)
		}
		if err := c.AddResource(baseURL+name+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	compiled := make(map[string]*Schema, len(names))
	for _, name := range names {
		sch, err := c.Compile(baseURL + name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		compiled[name] = &Schema{name: name, compiled: sch}
	}

	return &Set{
		SNSEnvelope:        compiled[SNSEnvelope],
		PinpointV2Envelope: compiled[PinpointV2Envelope],
		ReceiptEnvelope:    compiled[ReceiptEnvelope],
	}, nil
}

// MustLoad is Load for package initialisation and tests.
func MustLoad() *Set {
	set, err := Load()
	if err != nil {
		panic(err)
	}
	return set
}
