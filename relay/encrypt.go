package relay

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/relaycustody"
)

// The secrets sent to a relay are xor-ed with an XOF stream seeded by a
// Diffie-Hellman point between the sender's secret and the receiving key
// of the relay for the point corresponding to that secret.

func mask(suite relaycustody.Suite, dh kyber.Point, data []byte) []byte {
	out := make([]byte, len(data))
	suite.XOF(pointBytes(dh)).XORKeyStream(out, data)
	return out
}

// EncryptSecret encrypts k for r. Only r can decrypt it, knowing k·G.
func (r *Relay) EncryptSecret(suite relaycustody.Suite, k kyber.Scalar) []byte {
	p := suite.Point().Mul(k, nil)
	dh := suite.Point().Mul(k, r.PublicKeySet.ReceivingPublicKey(suite, p))
	return mask(suite, dh, scalarBytes(k))
}

// DecryptSecret returns the secret behind p, or nil if the keys of r are
// missing or the decrypted value doesn't match p.
func (r *Relay) DecryptSecret(suite relaycustody.Suite, keys *KeyStore, enc []byte, p kyber.Point) kyber.Scalar {
	priv, err := r.PublicKeySet.ReceivingPrivateKey(suite, p, keys)
	if err != nil {
		return nil
	}
	return decryptSecretWithKey(suite, priv, enc, p)
}

func decryptSecretWithKey(suite relaycustody.Suite, priv kyber.Scalar, enc []byte, p kyber.Point) kyber.Scalar {
	return decryptSecretWithDH(suite, suite.Point().Mul(priv, p), enc, p)
}

func decryptSecretWithDH(suite relaycustody.Suite, dh kyber.Point, enc []byte, p kyber.Point) kyber.Scalar {
	s := suite.Scalar()
	if err := s.UnmarshalBinary(mask(suite, dh, enc)); err != nil {
		return nil
	}
	if !suite.Point().Mul(s, nil).Equal(p) {
		return nil
	}
	return s
}

// PointCorrespondingToSecretPoint returns H(x)·G, which is what a
// successor decrypting x is keyed on.
func PointCorrespondingToSecretPoint(suite relaycustody.Suite, x kyber.Point) kyber.Point {
	return suite.Point().Mul(hashToScalar(suite, pointBytes(x)), nil)
}

// EncryptSecretPoint encrypts the point x for r. The result is
// deterministic, so anybody knowing x can check an encryption.
func (r *Relay) EncryptSecretPoint(suite relaycustody.Suite, x kyber.Point) []byte {
	h := hashToScalar(suite, pointBytes(x))
	q := suite.Point().Mul(h, nil)
	dh := suite.Point().Mul(h, r.PublicKeySet.ReceivingPublicKey(suite, q))
	return mask(suite, dh, pointBytes(x))
}

// DecryptSecretPoint returns the point whose hash corresponds to q, or nil.
func (r *Relay) DecryptSecretPoint(suite relaycustody.Suite, keys *KeyStore, enc []byte, q kyber.Point) kyber.Point {
	priv, err := r.PublicKeySet.ReceivingPrivateKey(suite, q, keys)
	if err != nil {
		return nil
	}
	return decryptSecretPointWithKey(suite, priv, enc, q)
}

func decryptSecretPointWithKey(suite relaycustody.Suite, priv kyber.Scalar, enc []byte, q kyber.Point) kyber.Point {
	dh := suite.Point().Mul(priv, q)
	x := suite.Point()
	if err := x.UnmarshalBinary(mask(suite, dh, enc)); err != nil {
		return nil
	}
	if !PointCorrespondingToSecretPoint(suite, x).Equal(q) {
		return nil
	}
	return x
}
