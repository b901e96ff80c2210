package index

import (
	"context"
	"slices"
	"sync"

	"github.com/aidanlsb/echo/internal/model"
)

// SchemaIndex maps typenames to the ids of objects of that type.
type SchemaIndex struct {
	identifier string

	mu     sync.RWMutex
	closed bool
	// order lists every id in first-insertion order.
	order  []string
	typeOf map[string]string
	byType map[string][]string
}

func newSchemaIndex(identifier string) *SchemaIndex {
	return &SchemaIndex{
		identifier: identifier,
		typeOf:     map[string]string{},
		byType:     map[string][]string{},
	}
}

func (s *SchemaIndex) Identifier() string { return s.identifier }

func (s *SchemaIndex) Kind() Kind { return Kind{Type: KindSchemaMatch} }

func (s *SchemaIndex) Open(context.Context) error {
	s.mu.Lock()
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *SchemaIndex) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Update records the type of id. An untyped snapshot removes id from every
// type set.
func (s *SchemaIndex) Update(_ context.Context, id string, obj *model.ObjectStructure) (bool, error) {
	typename := obj.Typename()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	prev, known := s.typeOf[id]
	if known && prev == typename {
		return false, nil
	}
	if known {
		s.byType[prev] = without(s.byType[prev], id)
		if len(s.byType[prev]) == 0 {
			delete(s.byType, prev)
		}
	} else {
		s.order = append(s.order, id)
	}
	s.typeOf[id] = typename
	if typename != "" {
		s.byType[typename] = append(s.byType[typename], id)
	}
	return true, nil
}

func (s *SchemaIndex) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, known := s.typeOf[id]
	if !known {
		return nil
	}
	delete(s.typeOf, id)
	s.order = without(s.order, id)
	s.byType[prev] = without(s.byType[prev], id)
	if len(s.byType[prev]) == 0 {
		delete(s.byType, prev)
	}
	return nil
}

// Find returns the ids of every queried typename, grouped by typename in
// query order and by insertion order within a type.
func (s *SchemaIndex) Find(_ context.Context, q Query) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if len(q.Typenames) == 0 {
		out := make([]Match, len(s.order))
		for i, id := range s.order {
			out[i] = Match{ID: id, Rank: 1}
		}
		return out, nil
	}
	seen := map[string]bool{}
	var out []Match
	for _, typename := range q.Typenames {
		for _, id := range s.byType[typename] {
			if seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, Match{ID: id, Rank: 1})
		}
	}
	return out, nil
}

type schemaSnapshot struct {
	Order  []string            `cbor:"order"`
	TypeOf map[string]string   `cbor:"typeOf"`
	ByType map[string][]string `cbor:"byType"`
}

func (s *SchemaIndex) Serialize(context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return encMode.Marshal(schemaSnapshot{Order: s.order, TypeOf: s.typeOf, ByType: s.byType})
}

func (s *SchemaIndex) load(_ context.Context, data []byte) error {
	var snap schemaSnapshot
	if err := decMode.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = snap.Order
	s.typeOf = snap.TypeOf
	s.byType = snap.ByType
	if s.typeOf == nil {
		s.typeOf = map[string]string{}
	}
	if s.byType == nil {
		s.byType = map[string][]string{}
	}
	return nil
}

func without(list []string, id string) []string {
	return slices.DeleteFunc(list, func(v string) bool { return v == id })
}
