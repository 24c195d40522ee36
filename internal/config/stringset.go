package config

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// StringSet is an insertion ordered set of strings compared case-insensitively.
// Defines, include paths and library paths are kept in it.
type StringSet struct {
	items []string
	index map[string]int
}

// NewStringSet creates a set from `items`, dropping case-insensitive duplicates.
func NewStringSet(items ...string) StringSet {
	var s StringSet
	for _, v := range items {
		s.Add(v)
	}
	return s
}

func foldKey(v string) string {
	return strings.ToLower(v)
}

// Add appends `v` unless an equal (ignoring case) value exists.
// Returns true if `v` was added.
func (s *StringSet) Add(v string) bool {
	if s.index == nil {
		s.index = make(map[string]int)
	}
	k := foldKey(v)
	if _, ok := s.index[k]; ok {
		return false
	}
	s.index[k] = len(s.items)
	s.items = append(s.items, v)
	return true
}

// Contains returns true if `v` is in the set.
func (s StringSet) Contains(v interface{}) bool {
	if s.index == nil {
		return false
	}
	var ok bool
	switch x := v.(type) {
	case string:
		_, ok = s.index[foldKey(x)]
	case fmt.Stringer:
		_, ok = s.index[foldKey(x.String())]
	default:
		panic("failed to convert value into string")
	}
	return ok
}

// Len returns the number of items.
func (s StringSet) Len() int {
	return len(s.items)
}

// Items returns a copy of the items in insertion order.
func (s StringSet) Items() []string {
	result := make([]string, len(s.items))
	copy(result, s.items)
	return result
}

// Clone returns an independent copy.
func (s StringSet) Clone() StringSet {
	return NewStringSet(s.items...)
}

// Equals checks both sets hold the same values, ignoring order and case.
func (s StringSet) Equals(other StringSet) bool {
	if len(s.items) != len(other.items) {
		return false
	}
	for k := range s.index {
		if _, ok := other.index[k]; !ok {
			return false
		}
	}
	return true
}

// MarshalYAML is called while marshaling StringSet.
func (s StringSet) MarshalYAML() (interface{}, error) {
	if len(s.items) == 0 {
		return []string{}, nil
	}
	return s.Items(), nil
}

// UnmarshalYAML accepts a scalar or a sequence.
func (s *StringSet) UnmarshalYAML(unmarshaler func(interface{}) error) error {
	var v interface{}
	if err := unmarshaler(&v); err != nil {
		return errors.Wrapf(err, "failed to unmarshal StringSet")
	}
	return s.assign(v)
}

// UnmarshalTOML accepts a string or an array of strings.
func (s *StringSet) UnmarshalTOML(v interface{}) error {
	return s.assign(v)
}

func (s *StringSet) assign(v interface{}) error {
	*s = StringSet{}
	switch x := v.(type) {
	case string:
		s.Add(x)
	case []interface{}:
		for _, item := range x {
			str, ok := item.(string)
			if !ok {
				return errors.Errorf("unexpected item %v (%T) in string set", item, item)
			}
			s.Add(str)
		}
	case []string:
		for _, item := range x {
			s.Add(item)
		}
	case nil:
		/* NO-OP */
	default:
		return errors.Errorf("unexpected type %T found", v)
	}
	return nil
}
