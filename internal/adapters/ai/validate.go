package ai

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/selivandex/decision-engine/pkg/errs"
)

// schemaValidator compiles canonical schemas once and checks responses against them.
type schemaValidator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaValidator() *schemaValidator {
	return &schemaValidator{compiled: make(map[string]*jsonschema.Schema)}
}

func (v *schemaValidator) compile(s *Schema) (*jsonschema.Schema, error) {
	raw, err := MarshalStrict(s)
	if err != nil {
		return nil, err
	}
	key := string(raw)

	v.mu.Lock()
	defer v.mu.Unlock()
	if c, ok := v.compiled[key]; ok {
		return c, nil
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("output.json", bytes.NewReader(raw)); err != nil {
		return nil, errs.Schema("ai.compile", "%v", err)
	}
	compiled, err := c.Compile("output.json")
	if err != nil {
		return nil, errs.Schema("ai.compile", "%v", err)
	}
	v.compiled[key] = compiled
	return compiled, nil
}

// check validates text against s. Malformed JSON is a parse error; JSON that
// violates the schema is a schema error.
func (v *schemaValidator) check(s *Schema, text string) error {
	compiled, err := v.compile(s)
	if err != nil {
		return err
	}

	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return errs.Parse("ai.validate", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return errs.Schema("ai.validate", "response does not match schema: %s", fmt.Sprint(err))
	}
	return nil
}
