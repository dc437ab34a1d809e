// Package appspec compiles a declarative entity specification into a
// complete Node.js + Express CRUD application.
//
// Everything here is pure: Parse, Validate, Generate and Merge perform no
// I/O, and Generate is deterministic for a given input.
package appspec

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Jackwwg83/coderunner2-sub002/internal/core/domain"
)

// =============================================================================
// Spec Types
// =============================================================================

// Spec is the parsed declarative specification.
type Spec struct {
	Name     string   `yaml:"name" json:"name"`
	Entities []Entity `yaml:"entities" json:"entities"`
}

// Entity is one persisted resource of the generated application.
type Entity struct {
	Name   string  `yaml:"name" json:"name"`
	Fields []Field `yaml:"fields" json:"fields"`
}

// Field is one attribute of an entity.
type Field struct {
	Name        string         `yaml:"name" json:"name"`
	Type        FieldType      `yaml:"type" json:"type"`
	Required    bool           `yaml:"required" json:"required,omitempty"`
	Constraints map[string]any `yaml:"constraints" json:"constraints,omitempty"`
}

// Warning is a non-fatal problem found while reading a spec.
type Warning struct {
	Location string `json:"location"`
	Message  string `json:"message"`
}

func (w Warning) String() string {
	return w.Location + ": " + w.Message
}

// Constraint keys understood by the generator.
const (
	ConstraintMin       = "min"
	ConstraintMax       = "max"
	ConstraintMinLength = "minLength"
	ConstraintMaxLength = "maxLength"
	ConstraintPattern   = "pattern"
	ConstraintEnum      = "enum"
	ConstraintDefault   = "default"
)

var (
	entityNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	fieldNamePattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// reservedEntityNames collide with generated modules, routes or JS built-ins.
var reservedEntityNames = map[string]bool{
	"app": true, "api": true, "db": true, "database": true, "express": true,
	"health": true, "index": true, "package": true, "router": true,
	"schema": true, "schemas": true, "store": true, "validate": true,
	"object": true, "prototype": true, "constructor": true, "error": true,
}

// reservedFieldNames are managed by the storage layer.
var reservedFieldNames = map[string]bool{
	"id": true, "createdAt": true, "updatedAt": true,
	"__proto__": true, "constructor": true, "prototype": true,
}

// =============================================================================
// Parsing
// =============================================================================

// Parse decodes a YAML or JSON spec document and validates it. Unknown field
// types degrade to text and are reported as warnings.
func Parse(source string) (*Spec, []Warning, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil, &domain.ValidationError{Reason: "spec document is empty", Location: "document"}
	}

	var spec Spec
	if err := yaml.Unmarshal([]byte(source), &spec); err != nil {
		return nil, nil, &domain.ValidationError{Reason: "unparsable spec: " + err.Error(), Location: "document"}
	}

	warnings, err := spec.Validate()
	if err != nil {
		return nil, nil, err
	}
	return &spec, warnings, nil
}

// Validate checks the structure of the spec and normalizes
// unknown field types to text.
func (s *Spec) Validate() ([]Warning, error) {
	var warnings []Warning

	if s.Name == "" {
		s.Name = "app"
	}
	if domain.Slugify(s.Name, 0) == "" {
		return nil, &domain.ValidationError{Reason: fmt.Sprintf("name %q has no usable characters", s.Name), Location: "name"}
	}
	if len(s.Entities) == 0 {
		return nil, &domain.ValidationError{Reason: "spec defines no entities", Location: "entities"}
	}

	entityNames := make(map[string]int, len(s.Entities))
	resources := make(map[string]int, len(s.Entities))
	for i := range s.Entities {
		e := &s.Entities[i]
		loc := fmt.Sprintf("entities[%d]", i)

		if e.Name == "" {
			return nil, &domain.ValidationError{Reason: "entity name is required", Location: loc}
		}
		if !entityNamePattern.MatchString(e.Name) {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("invalid entity name %q", e.Name), Location: loc}
		}
		if reservedEntityNames[strings.ToLower(e.Name)] {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("entity name %q is reserved", e.Name), Location: loc}
		}
		if prev, dup := entityNames[e.Name]; dup {
			return nil, &domain.ValidationError{
				Reason:   fmt.Sprintf("duplicate entity name %q (first defined at entities[%d])", e.Name, prev),
				Location: loc,
			}
		}
		entityNames[e.Name] = i

		res := ResourceName(e.Name)
		if reservedEntityNames[res] {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("resource path /%s is reserved", res), Location: loc}
		}
		if prev, dup := resources[res]; dup {
			return nil, &domain.ValidationError{
				Reason:   fmt.Sprintf("entity %q maps to /%s, already used by entities[%d]", e.Name, res, prev),
				Location: loc,
			}
		}
		resources[res] = i

		w, err := e.validateFields(loc)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}

	return warnings, nil
}

func (e *Entity) validateFields(entityLoc string) ([]Warning, error) {
	var warnings []Warning
	seen := make(map[string]int, len(e.Fields))
	for j := range e.Fields {
		f := &e.Fields[j]
		loc := fmt.Sprintf("%s.fields[%d]", entityLoc, j)

		if f.Name == "" {
			return nil, &domain.ValidationError{Reason: "field name is required", Location: loc}
		}
		if !fieldNamePattern.MatchString(f.Name) {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("invalid field name %q", f.Name), Location: loc}
		}
		if reservedFieldNames[f.Name] {
			return nil, &domain.ValidationError{Reason: fmt.Sprintf("field name %q is managed automatically", f.Name), Location: loc}
		}
		if prev, dup := seen[f.Name]; dup {
			return nil, &domain.ValidationError{
				Reason:   fmt.Sprintf("duplicate field name %q in entity %q (first defined at fields[%d])", f.Name, e.Name, prev),
				Location: loc,
			}
		}
		seen[f.Name] = j

		if f.Type == "" {
			f.Type = TypeText
		}
		if !f.Type.Known() {
			warnings = append(warnings, Warning{
				Location: loc,
				Message:  fmt.Sprintf("unknown type %q for field %q, using text", f.Type, f.Name),
			})
			f.Type = TypeText
		}

		w, err := f.validateConstraints(loc)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, w...)
	}
	return warnings, nil
}

func (f *Field) validateConstraints(loc string) ([]Warning, error) {
	var warnings []Warning
	keys := make([]string, 0, len(f.Constraints))
	for k := range f.Constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := f.Constraints[k]
		cloc := loc + ".constraints." + k
		switch k {
		case ConstraintMin, ConstraintMax:
			if _, ok := toFloat(v); !ok {
				return nil, &domain.ValidationError{Reason: fmt.Sprintf("%s must be a number", k), Location: cloc}
			}
			if !f.Type.Numeric() {
				warnings = append(warnings, Warning{Location: cloc, Message: fmt.Sprintf("%s ignored for %s field", k, f.Type)})
			}
		case ConstraintMinLength, ConstraintMaxLength:
			n, ok := toFloat(v)
			if !ok || n < 0 || n != math.Trunc(n) {
				return nil, &domain.ValidationError{Reason: fmt.Sprintf("%s must be a non-negative integer", k), Location: cloc}
			}
			if !f.Type.Stringy() {
				warnings = append(warnings, Warning{Location: cloc, Message: fmt.Sprintf("%s ignored for %s field", k, f.Type)})
			}
		case ConstraintPattern:
			pattern, ok := v.(string)
			if !ok {
				return nil, &domain.ValidationError{Reason: "pattern must be a string", Location: cloc}
			}
			if _, err := regexp.Compile(pattern); err != nil {
				return nil, &domain.ValidationError{Reason: fmt.Sprintf("pattern is not a valid regular expression: %v", err), Location: cloc}
			}
		case ConstraintEnum:
			list, ok := v.([]any)
			if !ok || len(list) == 0 {
				return nil, &domain.ValidationError{Reason: "enum must be a non-empty list", Location: cloc}
			}
		case ConstraintDefault:
		default:
			warnings = append(warnings, Warning{Location: cloc, Message: fmt.Sprintf("unknown constraint %q ignored", k)})
		}
	}

	if lo, ok := f.number(ConstraintMin); ok {
		if hi, ok := f.number(ConstraintMax); ok && lo > hi {
			return nil, &domain.ValidationError{Reason: "min is greater than max", Location: loc + ".constraints"}
		}
	}
	if lo, ok := f.number(ConstraintMinLength); ok {
		if hi, ok := f.number(ConstraintMaxLength); ok && lo > hi {
			return nil, &domain.ValidationError{Reason: "minLength is greater than maxLength", Location: loc + ".constraints"}
		}
	}
	return warnings, nil
}

// number returns a numeric constraint value.
func (f Field) number(key string) (float64, bool) {
	v, ok := f.Constraints[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}
