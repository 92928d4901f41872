package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRelay_EncryptSecret(t *testing.T) {
	ks, keys := newKeySet(t)
	r := &Relay{PublicKeySet: *ks}

	k := tSuite.Scalar().Pick(tSuite.RandomStream())
	p := tSuite.Point().Mul(k, nil)
	enc := r.EncryptSecret(tSuite, k)
	require.NotEqual(t, scalarBytes(k), enc)

	dec := r.DecryptSecret(tSuite, keys, enc, p)
	require.NotNil(t, dec)
	require.True(t, dec.Equal(k))

	require.Nil(t, r.DecryptSecret(tSuite, NewMemoryKeyStore(tSuite), enc, p))
	enc[0] ^= 1
	require.Nil(t, r.DecryptSecret(tSuite, keys, enc, p))

	other, otherKeys := newKeySet(t)
	require.Nil(t, (&Relay{PublicKeySet: *other}).DecryptSecret(tSuite, otherKeys, r.EncryptSecret(tSuite, k), p))
}

func TestRelay_EncryptSecretPoint(t *testing.T) {
	ks, keys := newKeySet(t)
	r := &Relay{PublicKeySet: *ks}

	x := tSuite.Point().Pick(tSuite.RandomStream())
	q := PointCorrespondingToSecretPoint(tSuite, x)
	enc := r.EncryptSecretPoint(tSuite, x)
	require.Equal(t, enc, r.EncryptSecretPoint(tSuite, x))

	dec := r.DecryptSecretPoint(tSuite, keys, enc, q)
	require.NotNil(t, dec)
	require.True(t, dec.Equal(x))

	wrong := PointCorrespondingToSecretPoint(tSuite, tSuite.Point().Pick(tSuite.RandomStream()))
	require.Nil(t, r.DecryptSecretPoint(tSuite, keys, enc, wrong))
}
