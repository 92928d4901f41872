// Package secp256k1 exposes the secp256k1 curve as a kyber group, so that
// relay keys can live on the same curve as the mined-credit keys of the
// ledger. Point arithmetic and the compressed encoding come from
// go-ethereum, scalars are kyber modular integers.
package secp256k1

import (
	"crypto/cipher"
	"crypto/elliptic"
	"crypto/sha256"
	"hash"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/mod"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/kyber/v3/xof/blake2xb"
)

// Suite is the secp256k1 group together with sha256, a blake2xb XOF and a
// random stream.
type Suite struct {
	curve elliptic.Curve
	p     *big.Int
	n     *big.Int
	b     *big.Int
}

// NewSuite returns the secp256k1 suite.
func NewSuite() *Suite {
	c := crypto.S256()
	return &Suite{
		curve: c,
		p:     c.Params().P,
		n:     c.Params().N,
		b:     c.Params().B,
	}
}

func (s *Suite) String() string {
	return "secp256k1"
}

// ScalarLen is the size of a marshalled scalar.
func (s *Suite) ScalarLen() int {
	return 32
}

// Scalar returns a new scalar modulo the group order, set to zero.
func (s *Suite) Scalar() kyber.Scalar {
	return mod.NewInt64(0, s.n)
}

// PointLen is the size of a compressed point.
func (s *Suite) PointLen() int {
	return pointLen
}

// Point returns a new point, set to infinity.
func (s *Suite) Point() kyber.Point {
	return &point{s: s}
}

// Order is the order of the base point.
func (s *Suite) Order() *big.Int {
	return new(big.Int).Set(s.n)
}

// Hash returns a new sha256 hash.
func (s *Suite) Hash() hash.Hash {
	return sha256.New()
}

// XOF returns a blake2xb extendable output function seeded with seed.
func (s *Suite) XOF(seed []byte) kyber.XOF {
	return blake2xb.New(seed)
}

// RandomStream returns a cryptographically secure random stream.
func (s *Suite) RandomStream() cipher.Stream {
	return random.New()
}
