package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func newKeySet(t *testing.T) (*PublicKeySet, *KeyStore) {
	keys := NewMemoryKeyStore(tSuite)
	ks := &PublicKeySet{}
	require.NoError(t, ks.Populate(tSuite, keys))
	require.True(t, ks.ValidateSizes())
	return ks, keys
}

func TestPublicKeySet_ReceivingKeys(t *testing.T) {
	ks, keys := newKeySet(t)
	p := tSuite.Point().Pick(tSuite.RandomStream())

	priv, err := ks.ReceivingPrivateKey(tSuite, p, keys)
	require.NoError(t, err)
	require.True(t, tSuite.Point().Mul(priv, nil).Equal(ks.ReceivingPublicKey(tSuite, p)))

	sum := tSuite.Scalar().Zero()
	pubSum := tSuite.Point().Null()
	for q := 0; q < 4; q++ {
		quarter, err := ks.ReceivingPrivateKeyQuarter(tSuite, p, q, keys)
		require.NoError(t, err)
		pub := ks.ReceivingPublicKeyQuarter(tSuite, p, q)
		require.True(t, tSuite.Point().Mul(quarter, nil).Equal(pub))
		sum.Add(sum, quarter)
		pubSum.Add(pubSum, pub)
	}
	require.True(t, sum.Equal(priv))
	require.True(t, pubSum.Equal(ks.ReceivingPublicKey(tSuite, p)))

	other := tSuite.Point().Pick(tSuite.RandomStream())
	require.False(t, ks.ReceivingPublicKey(tSuite, other).Equal(ks.ReceivingPublicKey(tSuite, p)))
}

func TestPublicKeySet_QuarterNeedsOnlyItsRows(t *testing.T) {
	ks, keys := newKeySet(t)
	p := tSuite.Point().Pick(tSuite.RandomStream())

	partial := NewMemoryKeyStore(tSuite)
	for r := 8; r < 12; r++ {
		for _, point := range ks.Rows[r].Points {
			s, ok := keys.Get(point)
			require.True(t, ok)
			require.NoError(t, partial.Add(point, s))
		}
	}
	_, err := ks.ReceivingPrivateKeyQuarter(tSuite, p, 2, partial)
	require.NoError(t, err)
	_, err = ks.ReceivingPrivateKeyQuarter(tSuite, p, 1, partial)
	require.Error(t, err)
	_, err = ks.ReceivingPrivateKey(tSuite, p, partial)
	require.Error(t, err)
}

func TestPublicKeySet_VerifyRowOfGeneratedPoints(t *testing.T) {
	ks, keys := newKeySet(t)
	for r := 0; r < KeyRows; r++ {
		require.True(t, ks.VerifyRowOfGeneratedPoints(tSuite, r, keys))
	}

	ks.Rows[3].Points[2] = tSuite.Point().Pick(tSuite.RandomStream())
	require.False(t, ks.VerifyRowOfGeneratedPoints(tSuite, 3, keys))
	require.True(t, ks.VerifyRowOfGeneratedPoints(tSuite, 3, NewMemoryKeyStore(tSuite)))
	require.False(t, ks.VerifyRowOfGeneratedPoints(tSuite, KeyRows, keys))
}

func TestPublicKeySet_Clone(t *testing.T) {
	ks, _ := newKeySet(t)
	c := ks.Clone()
	c.Rows[0].Points[0] = tSuite.Point().Null()
	require.False(t, ks.Rows[0].Points[0].Equal(c.Rows[0].Points[0]))
	require.Len(t, ks.Sixteenths(), KeyRows)

	ks.Rows = ks.Rows[1:]
	require.False(t, ks.ValidateSizes())
}
