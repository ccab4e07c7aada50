package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

const schemaBaseURL = "https://lameduck.lab/schemas/"

// schemaFiles maps message types to their schema file.
var schemaFiles = map[string]string{
	TypeHello:   "hello.schema.json",
	TypeSubmit:  "submit.schema.json",
	TypeWelcome: "welcome.schema.json",
	TypePrompt:  "prompt.schema.json",
	TypeError:   "error.schema.json",
}

// Validator checks raw messages against the embedded schemas.
type Validator struct {
	byType map[string]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	for _, name := range schemaFiles {
		b, err := schemaFS.ReadFile(path.Join("schemas", name))
		if err != nil {
			return nil, err
		}
		if err := c.AddResource(schemaBaseURL+name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("schema %s: %w", name, err)
		}
	}
	v := &Validator{byType: make(map[string]*jsonschema.Schema, len(schemaFiles))}
	for typ, name := range schemaFiles {
		s, err := c.Compile(schemaBaseURL + name)
		if err != nil {
			return nil, fmt.Errorf("compile %s: %w", name, err)
		}
		v.byType[typ] = s
	}
	return v, nil
}

// Validate decodes the envelope and checks the message against the schema
// for its type. Types without a schema only need a valid envelope.
func (v *Validator) Validate(raw []byte) (BaseMessage, error) {
	base, err := DecodeBase(raw)
	if err != nil {
		return base, fmt.Errorf("decode: %w", err)
	}
	if base.Type == "" {
		return base, fmt.Errorf("missing type")
	}
	s, ok := v.byType[base.Type]
	if !ok {
		return base, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return base, fmt.Errorf("decode: %w", err)
	}
	if err := s.Validate(doc); err != nil {
		return base, err
	}
	return base, nil
}

// ValidateValue marshals v and validates it. Used to check outbound
// messages in tests and debug builds.
func (v *Validator) ValidateValue(msg any) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, err = v.Validate(b)
	return err
}
