package types

import (
	"maps"
	"slices"
)

// Schema maps field names to their types.
type Schema struct {
	fields map[string]Type
}

func NewSchema() *Schema {
	return &Schema{fields: make(map[string]Type)}
}

// AddField adds or replaces a field.
func (s *Schema) AddField(name string, t Type) *Schema {
	s.fields[name] = t
	return s
}

func (s *Schema) HasField(name string) bool {
	_, ok := s.fields[name]
	return ok
}

// Type returns the type of a field and whether the field exists.
func (s *Schema) Type(name string) (Type, bool) {
	t, ok := s.fields[name]
	return t, ok
}

// Fields returns the field names in ascending order. Record layouts are
// derived from this order, so it must be stable.
func (s *Schema) Fields() []string {
	return slices.Sorted(maps.Keys(s.fields))
}
