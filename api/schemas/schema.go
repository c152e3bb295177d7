package schemas

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// -- JSON Schema Support --

// JSONSchema is the subset of JSON Schema the agent uses to describe action
// parameters and structured model output. It supports local $defs references,
// which providers generally do not, so schemas are flattened before they go
// over the wire.
type JSONSchema struct {
	Type                 string                 `json:"type,omitempty"`
	Description          string                 `json:"description,omitempty"`
	Properties           map[string]*JSONSchema `json:"properties,omitempty"`
	Required             []string               `json:"required,omitempty"`
	Items                *JSONSchema            `json:"items,omitempty"`
	Enum                 []any                  `json:"enum,omitempty"`
	AnyOf                []*JSONSchema          `json:"anyOf,omitempty"`
	Ref                  string                 `json:"$ref,omitempty"`
	Defs                 map[string]*JSONSchema `json:"$defs,omitempty"`
	AdditionalProperties *bool                  `json:"additionalProperties,omitempty"`
	Minimum              *float64               `json:"minimum,omitempty"`
	Maximum              *float64               `json:"maximum,omitempty"`
	MinItems             *int                   `json:"minItems,omitempty"`
	MaxItems             *int                   `json:"maxItems,omitempty"`
}

// Flatten returns a deep copy of the schema with every $ref inlined from the
// root $defs table and the table itself removed. Unresolvable or cyclic
// references collapse to an unconstrained schema rather than failing; the
// caller is preparing a prompt, not compiling a validator.
func (s *JSONSchema) Flatten() *JSONSchema {
	if s == nil {
		return nil
	}
	out := s.inline(s.Defs, map[string]bool{})
	out.Defs = nil
	return out
}

func (s *JSONSchema) inline(defs map[string]*JSONSchema, resolving map[string]bool) *JSONSchema {
	if s == nil {
		return nil
	}
	if s.Ref != "" {
		name := refName(s.Ref)
		target, ok := defs[name]
		if !ok || resolving[name] {
			return &JSONSchema{Description: s.Description}
		}
		resolving[name] = true
		inlined := target.inline(defs, resolving)
		delete(resolving, name)
		if s.Description != "" && inlined.Description == "" {
			inlined.Description = s.Description
		}
		return inlined
	}

	out := &JSONSchema{
		Type:                 s.Type,
		Description:          s.Description,
		Required:             append([]string(nil), s.Required...),
		Enum:                 append([]any(nil), s.Enum...),
		AdditionalProperties: copyBool(s.AdditionalProperties),
		Minimum:              copyFloat(s.Minimum),
		Maximum:              copyFloat(s.Maximum),
		MinItems:             copyInt(s.MinItems),
		MaxItems:             copyInt(s.MaxItems),
	}
	if s.Properties != nil {
		out.Properties = make(map[string]*JSONSchema, len(s.Properties))
		for k, v := range s.Properties {
			out.Properties[k] = v.inline(defs, resolving)
		}
	}
	out.Items = s.Items.inline(defs, resolving)
	for _, branch := range s.AnyOf {
		out.AnyOf = append(out.AnyOf, branch.inline(defs, resolving))
	}
	return out
}

// refName extracts the definition name from "#/$defs/Name" style pointers.
func refName(ref string) string {
	if i := strings.LastIndex(ref, "/"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

// Normalize mutates the schema in place into the strict form providers with
// structured-output support expect: every object forbids unknown keys and
// lists all of its properties as required, in sorted order.
func (s *JSONSchema) Normalize() {
	if s == nil {
		return
	}
	if s.Type == "object" {
		f := false
		s.AdditionalProperties = &f
		s.Required = s.Required[:0]
		for name := range s.Properties {
			s.Required = append(s.Required, name)
		}
		sort.Strings(s.Required)
	}
	for _, p := range s.Properties {
		p.Normalize()
	}
	s.Items.Normalize()
	for _, branch := range s.AnyOf {
		branch.Normalize()
	}
}

// Validate checks a JSON document against the schema and returns a descriptive
// error for the first violation found.
func (s *JSONSchema) Validate(data []byte) error {
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.Flatten().validate(value, "$")
}

func (s *JSONSchema) validate(value any, path string) error {
	if s == nil {
		return nil
	}

	if len(s.AnyOf) > 0 {
		var firstErr error
		for _, branch := range s.AnyOf {
			if err := branch.validate(value, path); err == nil {
				return nil
			} else if firstErr == nil {
				firstErr = err
			}
		}
		return fmt.Errorf("at %s: no anyOf branch matched: %w", path, firstErr)
	}

	switch s.Type {
	case "object":
		obj, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("at %s: expected object, got %s", path, jsonTypeName(value))
		}
		for _, req := range s.Required {
			if _, present := obj[req]; !present {
				return fmt.Errorf("at %s: missing required property %q", path, req)
			}
		}
		if s.AdditionalProperties != nil && !*s.AdditionalProperties {
			for key := range obj {
				if _, known := s.Properties[key]; !known {
					return fmt.Errorf("at %s: unknown property %q", path, key)
				}
			}
		}
		for key, prop := range s.Properties {
			if v, present := obj[key]; present {
				if err := prop.validate(v, path+"."+key); err != nil {
					return err
				}
			}
		}

	case "array":
		arr, ok := value.([]any)
		if !ok {
			return fmt.Errorf("at %s: expected array, got %s", path, jsonTypeName(value))
		}
		if s.MinItems != nil && len(arr) < *s.MinItems {
			return fmt.Errorf("at %s: expected at least %d items, got %d", path, *s.MinItems, len(arr))
		}
		if s.MaxItems != nil && len(arr) > *s.MaxItems {
			return fmt.Errorf("at %s: expected at most %d items, got %d", path, *s.MaxItems, len(arr))
		}
		for i, item := range arr {
			if err := s.Items.validate(item, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}

	case "string":
		str, ok := value.(string)
		if !ok {
			return fmt.Errorf("at %s: expected string, got %s", path, jsonTypeName(value))
		}
		if err := s.checkEnum(str, path); err != nil {
			return err
		}

	case "integer":
		num, ok := value.(float64)
		if !ok {
			return fmt.Errorf("at %s: expected integer, got %s", path, jsonTypeName(value))
		}
		if num != math.Trunc(num) {
			return fmt.Errorf("at %s: expected integer, got %v", path, num)
		}
		if err := s.checkBounds(num, path); err != nil {
			return err
		}
		if err := s.checkEnum(num, path); err != nil {
			return err
		}

	case "number":
		num, ok := value.(float64)
		if !ok {
			return fmt.Errorf("at %s: expected number, got %s", path, jsonTypeName(value))
		}
		if err := s.checkBounds(num, path); err != nil {
			return err
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("at %s: expected boolean, got %s", path, jsonTypeName(value))
		}

	case "null":
		if value != nil {
			return fmt.Errorf("at %s: expected null, got %s", path, jsonTypeName(value))
		}

	case "":
		// Unconstrained.
	default:
		return fmt.Errorf("at %s: unsupported schema type %q", path, s.Type)
	}
	return nil
}

func (s *JSONSchema) checkEnum(value any, path string) error {
	if len(s.Enum) == 0 {
		return nil
	}
	for _, allowed := range s.Enum {
		if enumEqual(allowed, value) {
			return nil
		}
	}
	return fmt.Errorf("at %s: value %v not in enum %v", path, value, s.Enum)
}

func (s *JSONSchema) checkBounds(num float64, path string) error {
	if s.Minimum != nil && num < *s.Minimum {
		return fmt.Errorf("at %s: value %v below minimum %v", path, num, *s.Minimum)
	}
	if s.Maximum != nil && num > *s.Maximum {
		return fmt.Errorf("at %s: value %v above maximum %v", path, num, *s.Maximum)
	}
	return nil
}

// enumEqual compares an authored enum value against a decoded JSON value,
// treating all numeric representations as equivalent.
func enumEqual(allowed, value any) bool {
	if af, aok := asFloat(allowed); aok {
		vf, vok := asFloat(value)
		return vok && af == vf
	}
	return allowed == value
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func copyBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
