// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ops

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// AttrType enumerates the types of attribute values.
type AttrType int

const (
	// AttrInt values are stored as int.
	AttrInt AttrType = iota

	// AttrInts values are stored as []int.
	AttrInts

	// AttrFloat values are stored as float64.
	AttrFloat

	// AttrBool values are stored as bool.
	AttrBool

	// AttrDType values are stored as dtypes.DType.
	AttrDType

	// AttrString values are stored as string.
	AttrString
)

// String implements fmt.Stringer.
func (t AttrType) String() string {
	switch t {
	case AttrInt:
		return "int"
	case AttrInts:
		return "[]int"
	case AttrFloat:
		return "float"
	case AttrBool:
		return "bool"
	case AttrDType:
		return "dtype"
	case AttrString:
		return "string"
	}
	return fmt.Sprintf("AttrType(%d)", int(t))
}

// AttrSpec describes one attribute of an operation.
type AttrSpec struct {
	Name     string
	Type     AttrType
	Required bool

	// Default value used when the attribute is not given. Ignored if Required.
	Default any
}

// Attributes of an operation, indexed by name.
//
// After ValidateAttributes all attributes in the schema are present with their normalized Go type,
// and the getters below return them.
type Attributes map[string]any

// Int returns an AttrInt value, or 0 if not set.
func (a Attributes) Int(name string) int {
	v, _ := a[name].(int)
	return v
}

// Ints returns an AttrInts value, or nil if not set. The returned slice must not be modified.
func (a Attributes) Ints(name string) []int {
	v, _ := a[name].([]int)
	return v
}

// Float returns an AttrFloat value, or 0 if not set.
func (a Attributes) Float(name string) float64 {
	v, _ := a[name].(float64)
	return v
}

// Bool returns an AttrBool value, or false if not set.
func (a Attributes) Bool(name string) bool {
	v, _ := a[name].(bool)
	return v
}

// DType returns an AttrDType value, or dtypes.InvalidDType if not set.
func (a Attributes) DType(name string) dtypes.DType {
	v, _ := a[name].(dtypes.DType)
	return v
}

// Str returns an AttrString value, or "" if not set.
func (a Attributes) Str(name string) string {
	v, _ := a[name].(string)
	return v
}

// Clone returns a deep copy of the attributes.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return nil
	}
	c := make(Attributes, len(a))
	for name, value := range a {
		if ints, ok := value.([]int); ok {
			value = slices.Clone(ints)
		}
		c[name] = value
	}
	return c
}

// Format returns the attributes sorted by name, e.g. "axes=[0 1], keep_dims=true".
func (a Attributes) Format() string {
	names := maps.Keys(a)
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%v", name, a[name]))
	}
	return strings.Join(parts, ", ")
}

// normalizeAttr converts an attribute value to the canonical Go type of its AttrType.
func normalizeAttr(t AttrType, value any) (any, error) {
	switch t {
	case AttrInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int32:
			return int(v), nil
		case int64:
			return int(v), nil
		}
	case AttrInts:
		switch v := value.(type) {
		case nil:
			return []int(nil), nil
		case []int:
			return slices.Clone(v), nil
		case []int32:
			return convertInts(v), nil
		case []int64:
			return convertInts(v), nil
		}
	case AttrFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		}
	case AttrBool:
		if v, ok := value.(bool); ok {
			return v, nil
		}
	case AttrDType:
		if v, ok := value.(dtypes.DType); ok && v.IsValid() {
			return v, nil
		}
	case AttrString:
		if v, ok := value.(string); ok {
			return v, nil
		}
	}
	return nil, errors.Errorf("value %v (%T) is not a valid %s", value, value, t)
}

func convertInts[T int32 | int64](values []T) []int {
	out := make([]int, len(values))
	for ii, v := range values {
		out[ii] = int(v)
	}
	return out
}

// ValidateAttributes checks attrs against the schema of the operation: unknown attributes, missing required
// ones and mistyped values are reported with an error wrapping ErrInvalidAttribute.
//
// It returns a new normalized Attributes, with defaults filled in.
func ValidateAttributes(desc *Descriptor, attrs Attributes) (Attributes, error) {
	for name := range attrs {
		if desc.attrSpec(name) == nil {
			return nil, errors.Wrapf(ErrInvalidAttribute, "%q has no attribute %q", desc.Name, name)
		}
	}
	normalized := make(Attributes, len(desc.Attributes))
	for _, spec := range desc.Attributes {
		value, found := attrs[spec.Name]
		if !found {
			if spec.Required {
				return nil, errors.Wrapf(ErrInvalidAttribute, "%q requires attribute %q (%s)", desc.Name, spec.Name, spec.Type)
			}
			value = spec.Default
		}
		var err error
		normalized[spec.Name], err = normalizeAttr(spec.Type, value)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidAttribute, "%q attribute %q: %v", desc.Name, spec.Name, err)
		}
	}
	return normalized, nil
}
