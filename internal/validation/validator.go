// Package validation defines the JSON contract for every API method:
// parameter schemas built by action-keyed factories, compiled once and
// cached, plus the known event content type table and the query-string
// type coercion helper.
package validation

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/trovelabs/trove/internal/apierr"
)

// registered pairs a compiled schema with its source document and, for
// update methods, the whitelist of fields the update object may alter.
type registered struct {
	doc       map[string]interface{}
	schema    *gojsonschema.Schema
	alterable []string
}

// Validator holds the compiled parameter schemas keyed by method id and
// the content schemas keyed by event type.
type Validator struct {
	mu      sync.RWMutex
	methods map[string]*registered
	types   map[string]*gojsonschema.Schema
}

func New() *Validator {
	return &Validator{
		methods: make(map[string]*registered),
		types:   make(map[string]*gojsonschema.Schema),
	}
}

// Register compiles and installs the params schema for a method. The
// optional alterable list is the whitelist enforced by the protected-field
// guard on the method's update object.
func (v *Validator) Register(methodID string, doc map[string]interface{}, alterable ...string) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("compile params schema for %s: %w", methodID, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.methods[methodID] = &registered{doc: doc, schema: schema, alterable: alterable}
	return nil
}

// Has reports whether a params schema is registered for the method.
func (v *Validator) Has(methodID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.methods[methodID] != nil
}

// Alterable returns the update whitelist for the method, nil when the
// method performs no guarded update.
func (v *Validator) Alterable(methodID string) []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if reg := v.methods[methodID]; reg != nil {
		return reg.alterable
	}
	return nil
}

// Validate checks params against the method's registered schema. Methods
// without a schema accept anything.
func (v *Validator) Validate(methodID string, params map[string]interface{}) *apierr.E {
	v.mu.RLock()
	reg := v.methods[methodID]
	v.mu.RUnlock()
	if reg == nil {
		return nil
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	result, err := reg.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return apierr.InvalidParametersFormat("The parameters' format is invalid.",
			[]string{err.Error()})
	}
	if !result.Valid() {
		data := make([]map[string]interface{}, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			data = append(data, map[string]interface{}{
				"field":   desc.Field(),
				"message": desc.Description(),
			})
		}
		return apierr.InvalidParametersFormat("The parameters' format is invalid.", data)
	}
	return nil
}

// RegisterEventType compiles the content schema of a known event type.
func (v *Validator) RegisterEventType(eventType string, doc map[string]interface{}) error {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("compile content schema for %s: %w", eventType, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.types[eventType] = schema
	return nil
}

// RegisterEventTypes installs a whole content type table, typically from
// the config file.
func (v *Validator) RegisterEventTypes(table map[string]map[string]interface{}) error {
	for eventType, doc := range table {
		if err := v.RegisterEventType(eventType, doc); err != nil {
			return err
		}
	}
	return nil
}

// ValidateContent checks event content against the known-type table.
// Unknown types and null content pass: content is opaque unless the type
// is registered and the content present.
func (v *Validator) ValidateContent(eventType string, content interface{}) *apierr.E {
	if content == nil {
		return nil
	}

	v.mu.RLock()
	schema := v.types[eventType]
	v.mu.RUnlock()
	if schema == nil {
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(content))
	if err != nil {
		return apierr.InvalidParametersFormat(
			"The event content is invalid for type "+eventType, []string{err.Error()})
	}
	if !result.Valid() {
		data := make([]map[string]interface{}, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			data = append(data, map[string]interface{}{
				"field":   desc.Field(),
				"message": desc.Description(),
			})
		}
		return apierr.InvalidParametersFormat(
			"The event content is invalid for type "+eventType, data)
	}
	return nil
}

// Coerce lifts string values arriving from query strings into the types
// the method's schema declares: "true"/"false" to boolean, decimal strings
// to number, single strings to one-element arrays. Unparseable values are
// left untouched for the schema to reject.
func (v *Validator) Coerce(methodID string, params map[string]interface{}) {
	v.mu.RLock()
	reg := v.methods[methodID]
	v.mu.RUnlock()
	if reg == nil || params == nil {
		return
	}
	props, ok := reg.doc["properties"].(map[string]interface{})
	if !ok {
		return
	}

	for key, raw := range params {
		prop, ok := props[key].(map[string]interface{})
		if !ok {
			continue
		}
		s, isString := raw.(string)
		if !isString {
			continue
		}
		switch declaredType(prop) {
		case "boolean":
			if s == "true" {
				params[key] = true
			} else if s == "false" {
				params[key] = false
			}
		case "number", "integer":
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				params[key] = f
			}
		case "array":
			params[key] = []interface{}{s}
		}
	}
}

// declaredType extracts the primary type of a property schema, looking
// through oneOf unions for an array member (the stream-query case).
func declaredType(prop map[string]interface{}) string {
	if t, ok := prop["type"].(string); ok {
		return t
	}
	variants, ok := prop["oneOf"].([]interface{})
	if !ok {
		return ""
	}
	for _, variant := range variants {
		m, ok := variant.(map[string]interface{})
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == "array" {
			return "array"
		}
	}
	return ""
}
