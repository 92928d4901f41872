package relay

import (
	"sync"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/relaycustody"
	"go.dedis.ch/relaycustody/store"
	"golang.org/x/xerrors"
)

const keyProperty = "privkey"

// KeyStore maps points to the scalars behind them. Entries are never
// removed nor replaced.
type KeyStore struct {
	sync.Mutex
	suite relaycustody.Suite
	db    store.Store
	cache map[string]kyber.Scalar
}

// NewKeyStore returns a key store writing through to db.
func NewKeyStore(suite relaycustody.Suite, db store.Store) *KeyStore {
	return &KeyStore{
		suite: suite,
		db:    db,
		cache: make(map[string]kyber.Scalar),
	}
}

// NewMemoryKeyStore is used for keys that only live during one check.
func NewMemoryKeyStore(suite relaycustody.Suite) *KeyStore {
	return NewKeyStore(suite, store.NewMemory())
}

// Add stores s as the secret of p. Adding the same pair twice is fine,
// adding another scalar for a known point is an error.
func (ks *KeyStore) Add(p kyber.Point, s kyber.Scalar) error {
	ks.Lock()
	defer ks.Unlock()
	key := pointBytes(p)
	if old, ok := ks.get(key); ok {
		if !old.Equal(s) {
			return xerrors.New("another secret is already stored for this point")
		}
		return nil
	}
	buf, err := s.MarshalBinary()
	if err != nil {
		return xerrors.Errorf("marshal: %v", err)
	}
	if err := ks.db.Put(key, keyProperty, buf); err != nil {
		return xerrors.Errorf("storing key: %v", err)
	}
	ks.cache[string(key)] = s.Clone()
	return nil
}

// Get returns the secret of p.
func (ks *KeyStore) Get(p kyber.Point) (kyber.Scalar, bool) {
	ks.Lock()
	defer ks.Unlock()
	s, ok := ks.get(pointBytes(p))
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Has is true if the secret of p is known.
func (ks *KeyStore) Has(p kyber.Point) bool {
	_, ok := ks.Get(p)
	return ok
}

func (ks *KeyStore) get(key []byte) (kyber.Scalar, bool) {
	if s, ok := ks.cache[string(key)]; ok {
		return s, true
	}
	buf, err := ks.db.Get(key, keyProperty)
	if err != nil {
		return nil, false
	}
	s := ks.suite.Scalar()
	if err := s.UnmarshalBinary(buf); err != nil {
		return nil, false
	}
	ks.cache[string(key)] = s
	return s, true
}
