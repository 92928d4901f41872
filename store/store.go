// Package store is the data store behind the relay directory: values are
// addressed by (object, property) and objects can be placed at numbered
// positions of named locations, which is how timed tasks and per-relay
// listings are kept in order.
package store

import (
	"golang.org/x/xerrors"
)

// ErrNotFound is returned when an (object, property) pair has no value.
var ErrNotFound = xerrors.New("not found")

// IterateFunc is called for every object found by IterateByLocation.
// Returning a non-nil error stops the iteration and is passed through.
type IterateFunc func(object []byte, position uint64) error

// Store is implemented by the in-memory store and the bbolt store.
type Store interface {
	Put(object []byte, property string, value []byte) error
	Get(object []byte, property string) ([]byte, error)
	Has(object []byte, property string) (bool, error)
	Delete(object []byte, property string) error

	// SetLocation places the object at position in location, replacing a
	// previous position of the same object.
	SetLocation(object []byte, location string, position uint64) error
	RemoveLocation(object []byte, location string) error
	Location(object []byte, location string) (uint64, bool, error)
	// IterateByLocation visits the objects of location with from <= position
	// <= to in ascending position order.
	IterateByLocation(location string, from, to uint64, fn IterateFunc) error

	Close() error
}
