package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"math/big"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
)

var hashModulus = new(big.Int).Lsh(big.NewInt(1), 256)

// Hash is the sha256 identity of a message, and the seed type of the
// deterministic selections of the directory.
type Hash [32]byte

// HashBytes returns the sha256 of the concatenation of all slices.
func HashBytes(bufs ...[]byte) Hash {
	h := sha256.New()
	for _, b := range bufs {
		h.Write(b)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashPoint hashes the marshalled point.
func HashPoint(p kyber.Point) Hash {
	return HashBytes(pointBytes(p))
}

// Next returns the hash of h.
func (h Hash) Next() Hash {
	return HashBytes(h[:])
}

// Add interprets h as a big-endian number and adds n, wrapping at 2^256.
func (h Hash) Add(n uint64) Hash {
	v := new(big.Int).SetBytes(h[:])
	v.Add(v, new(big.Int).SetUint64(n))
	v.Mod(v, hashModulus)
	var out Hash
	v.FillBytes(out[:])
	return out
}

// Mod returns h, read as a big-endian number, modulo n.
func (h Hash) Mod(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	v := new(big.Int).SetBytes(h[:])
	return v.Mod(v, new(big.Int).SetUint64(n)).Uint64()
}

// IsZero is true for the hash that references nothing.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:8])
}

func pointBytes(p kyber.Point) []byte {
	b, err := p.MarshalBinary()
	if err != nil {
		log.Error("couldn't marshal point:", err)
	}
	return b
}

func scalarBytes(s kyber.Scalar) []byte {
	b, err := s.MarshalBinary()
	if err != nil {
		log.Error("couldn't marshal scalar:", err)
	}
	return b
}

func containsHash(list []Hash, h Hash) bool {
	for _, l := range list {
		if l == h {
			return true
		}
	}
	return false
}

func eraseHash(list []Hash, h Hash) []Hash {
	var out []Hash
	for _, l := range list {
		if l != h {
			out = append(out, l)
		}
	}
	return out
}
