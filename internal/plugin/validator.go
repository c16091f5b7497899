package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mattjoyce/stepgate/internal/protocol"
)

// InputValidator checks payloads against a step's declared inputs. The
// schema is compiled on first use.
type InputValidator struct {
	def protocol.HandlerDefinition

	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

// NewInputValidator returns a validator for def's inputs.
func NewInputValidator(def protocol.HandlerDefinition) *InputValidator {
	return &InputValidator{def: def}
}

// Err compiles the schema if needed and returns the compile error, if any.
func (v *InputValidator) Err() error {
	v.once.Do(v.compile)
	return v.err
}

func (v *InputValidator) compile() {
	raw, err := json.Marshal(v.def.InputSchema())
	if err != nil {
		v.err = fmt.Errorf("marshal input schema: %w", err)
		return
	}

	url := "stepgate://steps/" + v.def.ID + "/input.json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		v.err = fmt.Errorf("load input schema: %w", err)
		return
	}
	schema, err := c.Compile(url)
	if err != nil {
		v.err = fmt.Errorf("compile input schema: %w", err)
		return
	}
	v.schema = schema
}

// Validate reports the first problems found in payload, joined into one error.
// A nil payload is treated as an empty object.
func (v *InputValidator) Validate(payload map[string]any) error {
	if err := v.Err(); err != nil {
		return err
	}

	doc, err := normalize(payload)
	if err != nil {
		return err
	}

	err = v.schema.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	return errors.New(strings.Join(leafMessages(ve), "; "))
}

// normalize re-decodes payload so it only holds plain JSON values.
func normalize(payload map[string]any) (any, error) {
	if payload == nil {
		return map[string]any{}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("payload is not JSON serializable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("payload is not JSON serializable: %w", err)
	}
	return doc, nil
}

func leafMessages(ve *jsonschema.ValidationError) []string {
	var out []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			out = append(out, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	sort.Strings(out)
	return out
}
