package store

import (
	"encoding/binary"
	"sync"

	bbolt "go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var (
	bucketProperties = []byte("relaycustody_properties")
	bucketLocations  = []byte("relaycustody_locations")
	bucketPositions  = []byte("relaycustody_positions")
)

// Bolt is a Store on top of a bbolt database. Properties and locations get
// a sub-bucket each. A location is indexed twice: by position followed by
// the object, which gives the ordered traversal, and by object, which gives
// the current position.
type Bolt struct {
	db *bbolt.DB
	sync.Mutex
}

// NewBolt opens or creates the database at path.
func NewBolt(path string) (*Bolt, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("opening db: %v", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketProperties, bucketLocations, bucketPositions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("creating buckets: %v", err)
	}
	return &Bolt{db: db}, nil
}

// getBucket returns the sub-bucket name of root, creating it in writable
// transactions. It returns nil for a missing bucket in read transactions.
func (b *Bolt) getBucket(tx *bbolt.Tx, root []byte, name string) *bbolt.Bucket {
	r := tx.Bucket(root)
	if r == nil {
		panic("Bucket has not been created. This is a programmer error.")
	}
	if tx.Writable() {
		sub, err := r.CreateBucketIfNotExists([]byte(name))
		if err != nil {
			panic(err)
		}
		return sub
	}
	return r.Bucket([]byte(name))
}

// positionKey sorts by position first. BigEndian keeps the byte order of
// bbolt equal to the numerical order.
func positionKey(position uint64, object []byte) []byte {
	key := make([]byte, 8, 8+len(object))
	binary.BigEndian.PutUint64(key, position)
	return append(key, object...)
}

// Put stores value under (object, property).
func (b *Bolt) Put(object []byte, property string, value []byte) error {
	b.Lock()
	defer b.Unlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.getBucket(tx, bucketProperties, property).Put(object, value)
	})
}

// Get returns the value or ErrNotFound.
func (b *Bolt) Get(object []byte, property string) (value []byte, err error) {
	b.Lock()
	defer b.Unlock()
	err = b.db.View(func(tx *bbolt.Tx) error {
		bucket := b.getBucket(tx, bucketProperties, property)
		if bucket == nil {
			return ErrNotFound
		}
		v := bucket.Get(object)
		if v == nil {
			return ErrNotFound
		}
		// The slice is only valid during the transaction.
		value = append([]byte{}, v...)
		return nil
	})
	return
}

// Has returns true if a value is stored.
func (b *Bolt) Has(object []byte, property string) (bool, error) {
	_, err := b.Get(object, property)
	if xerrors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes the value, if any.
func (b *Bolt) Delete(object []byte, property string) error {
	b.Lock()
	defer b.Unlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.getBucket(tx, bucketProperties, property).Delete(object)
	})
}

// SetLocation places object at position, dropping its previous entry.
func (b *Bolt) SetLocation(object []byte, location string, position uint64) error {
	b.Lock()
	defer b.Unlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := b.removeLocation(tx, object, location); err != nil {
			return err
		}
		pos := make([]byte, 8)
		binary.BigEndian.PutUint64(pos, position)
		err := b.getBucket(tx, bucketPositions, location).Put(object, pos)
		if err != nil {
			return err
		}
		return b.getBucket(tx, bucketLocations, location).Put(positionKey(position, object), object)
	})
}

// RemoveLocation takes object out of location.
func (b *Bolt) RemoveLocation(object []byte, location string) error {
	b.Lock()
	defer b.Unlock()
	return b.db.Update(func(tx *bbolt.Tx) error {
		return b.removeLocation(tx, object, location)
	})
}

func (b *Bolt) removeLocation(tx *bbolt.Tx, object []byte, location string) error {
	positions := b.getBucket(tx, bucketPositions, location)
	pos := positions.Get(object)
	if pos == nil {
		return nil
	}
	key := positionKey(binary.BigEndian.Uint64(pos), object)
	if err := b.getBucket(tx, bucketLocations, location).Delete(key); err != nil {
		return err
	}
	return positions.Delete(object)
}

// Location returns the position of object in location.
func (b *Bolt) Location(object []byte, location string) (position uint64, ok bool, err error) {
	b.Lock()
	defer b.Unlock()
	err = b.db.View(func(tx *bbolt.Tx) error {
		bucket := b.getBucket(tx, bucketPositions, location)
		if bucket == nil {
			return nil
		}
		pos := bucket.Get(object)
		if pos == nil {
			return nil
		}
		position, ok = binary.BigEndian.Uint64(pos), true
		return nil
	})
	return
}

// IterateByLocation collects the matching objects in a read transaction
// and calls fn outside of it, so fn may write to the store.
func (b *Bolt) IterateByLocation(location string, from, to uint64, fn IterateFunc) error {
	var found []located
	b.Lock()
	err := b.db.View(func(tx *bbolt.Tx) error {
		bucket := b.getBucket(tx, bucketLocations, location)
		if bucket == nil {
			return nil
		}
		start := make([]byte, 8)
		binary.BigEndian.PutUint64(start, from)
		c := bucket.Cursor()
		for k, v := c.Seek(start); k != nil; k, v = c.Next() {
			pos := binary.BigEndian.Uint64(k[:8])
			if pos > to {
				break
			}
			found = append(found, located{append([]byte{}, v...), pos})
		}
		return nil
	})
	b.Unlock()
	if err != nil {
		return err
	}

	for _, l := range found {
		if err := fn(l.object, l.position); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	return b.db.Close()
}
