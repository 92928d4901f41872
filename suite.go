package relaycustody

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/relaycustody/secp256k1"
	"golang.org/x/xerrors"
)

// Suite is everything the relay protocol needs from a group: arithmetic,
// hashing, masks for the encrypted shares and randomness.
type Suite interface {
	kyber.Group
	kyber.HashFactory
	kyber.XOFFactory
	kyber.Random
}

// DefaultSuite is the group the relays use unless configured otherwise.
var DefaultSuite Suite = secp256k1.NewSuite()

// SuiteByName returns the suite registered under name. "secp256k1" and
// "Ed25519" are known, the empty name gives the default suite.
func SuiteByName(name string) (Suite, error) {
	switch name {
	case "", "secp256k1":
		return DefaultSuite, nil
	case "Ed25519":
		return edwards25519.NewBlakeSHA256Ed25519(), nil
	}
	return nil, xerrors.Errorf("unknown suite %q", name)
}
