package secp256k1

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3/sign/schnorr"
)

var tSuite = NewSuite()

func TestPoint_Arithmetic(t *testing.T) {
	a := tSuite.Scalar().Pick(tSuite.RandomStream())
	b := tSuite.Scalar().Pick(tSuite.RandomStream())

	aG := tSuite.Point().Mul(a, nil)
	bG := tSuite.Point().Mul(b, nil)
	sum := tSuite.Point().Add(aG, bG)
	require.True(t, sum.Equal(tSuite.Point().Mul(tSuite.Scalar().Add(a, b), nil)))

	// P + P goes through doubling, P - P is the point at infinity.
	double := tSuite.Point().Add(aG, aG)
	two := tSuite.Scalar().SetInt64(2)
	require.True(t, double.Equal(tSuite.Point().Mul(tSuite.Scalar().Mul(two, a), nil)))
	require.True(t, tSuite.Point().Sub(aG, aG).Equal(tSuite.Point().Null()))
	require.True(t, tSuite.Point().Add(aG, tSuite.Point().Null()).Equal(aG))

	require.True(t, tSuite.Point().Mul(tSuite.Scalar().Zero(), aG).Equal(tSuite.Point().Null()))
	require.True(t, tSuite.Point().Mul(b, aG).Equal(tSuite.Point().Mul(a, bG)))
}

func TestPoint_Marshal(t *testing.T) {
	p := tSuite.Point().Pick(tSuite.RandomStream())
	buf, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, 33, len(buf))

	p2 := tSuite.Point()
	require.NoError(t, p2.UnmarshalBinary(buf))
	require.True(t, p.Equal(p2))

	buf, err = tSuite.Point().Null().MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, p2.UnmarshalBinary(buf))
	require.True(t, p2.Equal(tSuite.Point().Null()))

	require.Error(t, p2.UnmarshalBinary(buf[1:]))
}

func TestPoint_Embed(t *testing.T) {
	data := []byte("relay custody")
	p := tSuite.Point().Embed(data, tSuite.RandomStream())
	out, err := p.Data()
	require.NoError(t, err)
	require.Equal(t, data, out)
}

func TestSuite_Schnorr(t *testing.T) {
	priv := tSuite.Scalar().Pick(tSuite.RandomStream())
	pub := tSuite.Point().Mul(priv, nil)
	msg := []byte("goodbye")

	sig, err := schnorr.Sign(tSuite, priv, msg)
	require.NoError(t, err)
	require.NoError(t, schnorr.Verify(tSuite, pub, msg, sig))
	require.Error(t, schnorr.Verify(tSuite, pub, []byte("hello"), sig))
}
