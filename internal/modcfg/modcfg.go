// Package modcfg implements the per-module on-disk configuration contract:
// a schema.yaml describing typed, bounded fields, a values.yaml holding the
// current scalar values, and helpers for validating a PUT payload against
// the schema before it is ever written to disk.
package modcfg

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// FieldType is the typed kind of one schema field.
type FieldType string

const (
	TypeNumber FieldType = "number"
	TypeText   FieldType = "text"
	TypeBool   FieldType = "bool"
)

// Field describes one configuration key.
type Field struct {
	Key         string      `yaml:"key"`
	Type        FieldType   `yaml:"type"`
	Default     interface{} `yaml:"default"`
	Min         *float64    `yaml:"min,omitempty"`
	Max         *float64    `yaml:"max,omitempty"`
	Options     []string    `yaml:"options,omitempty"`
	Description string      `yaml:"description,omitempty"`
}

// Schema is the ordered field list for one module.
type Schema struct {
	Fields []Field `yaml:"fields"`
}

// Values is a scalar key -> value map, as stored in values.yaml.
type Values map[string]interface{}

// ErrValidation is returned (wrapped) when a value fails schema validation.
// HTTP handlers map it to 422.
var ErrValidation = fmt.Errorf("modcfg: validation failed")

// Validate checks v against s, field by field. Unrecognized keys in v are
// ignored; missing keys are left for the caller to fill from defaults via
// WithDefaults.
func (s Schema) Validate(v Values) error {
	for _, f := range s.Fields {
		raw, present := v[f.Key]
		if !present {
			continue
		}
		switch f.Type {
		case TypeNumber:
			num, ok := toFloat(raw)
			if !ok {
				return fmt.Errorf("%w: field %q: not a number", ErrValidation, f.Key)
			}
			if f.Min != nil && num < *f.Min {
				return fmt.Errorf("%w: field %q: %v below min %v", ErrValidation, f.Key, num, *f.Min)
			}
			if f.Max != nil && num > *f.Max {
				return fmt.Errorf("%w: field %q: %v above max %v", ErrValidation, f.Key, num, *f.Max)
			}
		case TypeText:
			str, ok := raw.(string)
			if !ok {
				return fmt.Errorf("%w: field %q: not a string", ErrValidation, f.Key)
			}
			if len(f.Options) > 0 && !contains(f.Options, str) {
				return fmt.Errorf("%w: field %q: %q not one of %v", ErrValidation, f.Key, str, f.Options)
			}
		case TypeBool:
			if _, ok := raw.(bool); !ok {
				return fmt.Errorf("%w: field %q: not a bool", ErrValidation, f.Key)
			}
		}
	}
	return nil
}

// WithDefaults returns a copy of v with every schema field missing from v
// filled in from its default.
func (s Schema) WithDefaults(v Values) Values {
	out := make(Values, len(s.Fields))
	for _, f := range s.Fields {
		out[f.Key] = f.Default
	}
	for k, val := range v {
		out[k] = val
	}
	return out
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func contains(opts []string, s string) bool {
	for _, o := range opts {
		if o == s {
			return true
		}
	}
	return false
}

// LoadSchema reads schema.yaml from dir.
func LoadSchema(dir string) (Schema, error) {
	var s Schema
	data, err := os.ReadFile(filepath.Join(dir, "schema.yaml"))
	if err != nil {
		return s, fmt.Errorf("modcfg: read schema: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("modcfg: parse schema: %w", err)
	}
	return s, nil
}

// LoadValues reads values.yaml from dir. Missing file yields empty Values,
// not an error, so a module can run with schema defaults only.
func LoadValues(dir string) (Values, error) {
	data, err := os.ReadFile(filepath.Join(dir, "values.yaml"))
	if os.IsNotExist(err) {
		return Values{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("modcfg: read values: %w", err)
	}
	var v Values
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("modcfg: parse values: %w", err)
	}
	return v, nil
}

// SaveValues persists v to dir/values.yaml atomically via temp-file+rename.
func SaveValues(dir string, v Values) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("modcfg: marshal values: %w", err)
	}
	return atomicWrite(filepath.Join(dir, "values.yaml"), data)
}

// atomicWrite writes data to path via a sibling temp file followed by
// rename, so a crash mid-write never leaves a torn file on disk.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("modcfg: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("modcfg: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("modcfg: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("modcfg: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("modcfg: rename temp file: %w", err)
	}
	return nil
}

// AtomicWriteFile exposes atomicWrite for other packages (history, eventlog,
// stats) that need the same crash-safe write discipline for non-config
// files.
func AtomicWriteFile(path string, data []byte) error {
	return atomicWrite(path, data)
}
