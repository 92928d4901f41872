package store

import (
	"bytes"
	"sort"
	"sync"
)

type located struct {
	object   []byte
	position uint64
}

// Memory is a Store that lives in memory only.
type Memory struct {
	sync.Mutex
	values    map[string]map[string][]byte
	locations map[string]map[string]uint64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values:    make(map[string]map[string][]byte),
		locations: make(map[string]map[string]uint64),
	}
}

// Put stores a copy of value.
func (m *Memory) Put(object []byte, property string, value []byte) error {
	m.Lock()
	defer m.Unlock()
	props, ok := m.values[property]
	if !ok {
		props = make(map[string][]byte)
		m.values[property] = props
	}
	props[string(object)] = append([]byte{}, value...)
	return nil
}

// Get returns a copy of the value or ErrNotFound.
func (m *Memory) Get(object []byte, property string) ([]byte, error) {
	m.Lock()
	defer m.Unlock()
	v, ok := m.values[property][string(object)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte{}, v...), nil
}

// Has returns true if a value is stored.
func (m *Memory) Has(object []byte, property string) (bool, error) {
	m.Lock()
	defer m.Unlock()
	_, ok := m.values[property][string(object)]
	return ok, nil
}

// Delete removes the value, if any.
func (m *Memory) Delete(object []byte, property string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.values[property], string(object))
	return nil
}

// SetLocation places object at position.
func (m *Memory) SetLocation(object []byte, location string, position uint64) error {
	m.Lock()
	defer m.Unlock()
	loc, ok := m.locations[location]
	if !ok {
		loc = make(map[string]uint64)
		m.locations[location] = loc
	}
	loc[string(object)] = position
	return nil
}

// RemoveLocation takes object out of location.
func (m *Memory) RemoveLocation(object []byte, location string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.locations[location], string(object))
	return nil
}

// Location returns the position of object in location.
func (m *Memory) Location(object []byte, location string) (uint64, bool, error) {
	m.Lock()
	defer m.Unlock()
	pos, ok := m.locations[location][string(object)]
	return pos, ok, nil
}

// IterateByLocation works on a snapshot of the location, so fn may modify
// the store.
func (m *Memory) IterateByLocation(location string, from, to uint64, fn IterateFunc) error {
	m.Lock()
	var found []located
	for obj, pos := range m.locations[location] {
		if pos >= from && pos <= to {
			found = append(found, located{[]byte(obj), pos})
		}
	}
	m.Unlock()

	sort.Slice(found, func(i, j int) bool {
		if found[i].position != found[j].position {
			return found[i].position < found[j].position
		}
		return bytes.Compare(found[i].object, found[j].object) < 0
	})
	for _, l := range found {
		if err := fn(l.object, l.position); err != nil {
			return err
		}
	}
	return nil
}

// Close does nothing for the memory store.
func (m *Memory) Close() error {
	return nil
}
