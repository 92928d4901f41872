package secp256k1

import (
	"bytes"
	"crypto/cipher"
	"crypto/ecdsa"
	"encoding/hex"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/mod"
	"golang.org/x/xerrors"
)

const pointLen = 33

// embedLen leaves one byte for the length and one byte of randomness so
// that the x coordinate stays below the field prime.
const embedLen = 30

// point is an affine point of the curve. A nil x is the point at infinity,
// which go-ethereum cannot represent.
type point struct {
	s    *Suite
	x, y *big.Int
}

func (p *point) infinity() bool {
	return p.x == nil
}

func (p *point) set(x, y *big.Int) *point {
	if x == nil || y == nil {
		p.x, p.y = nil, nil
		return p
	}
	p.x = new(big.Int).Set(x)
	p.y = new(big.Int).Set(y)
	return p
}

func (p *point) String() string {
	b, _ := p.MarshalBinary()
	return hex.EncodeToString(b)
}

// MarshalSize returns the size of a compressed point.
func (p *point) MarshalSize() int {
	return pointLen
}

// MarshalBinary returns the compressed encoding. Infinity is encoded as
// zeros.
func (p *point) MarshalBinary() ([]byte, error) {
	if p.infinity() {
		return make([]byte, pointLen), nil
	}
	pub := &ecdsa.PublicKey{Curve: p.s.curve, X: p.x, Y: p.y}
	return crypto.CompressPubkey(pub), nil
}

// UnmarshalBinary reads a compressed point and checks it is on the curve.
func (p *point) UnmarshalBinary(buf []byte) error {
	if len(buf) != pointLen {
		return xerrors.New("secp256k1: wrong point length")
	}
	if bytes.Equal(buf, make([]byte, pointLen)) {
		p.set(nil, nil)
		return nil
	}
	pub, err := crypto.DecompressPubkey(buf)
	if err != nil {
		return err
	}
	if !p.s.curve.IsOnCurve(pub.X, pub.Y) {
		return xerrors.New("secp256k1: point not on curve")
	}
	p.set(pub.X, pub.Y)
	return nil
}

// MarshalTo writes the compressed point to w.
func (p *point) MarshalTo(w io.Writer) (int, error) {
	b, err := p.MarshalBinary()
	if err != nil {
		return 0, err
	}
	return w.Write(b)
}

// UnmarshalFrom reads a compressed point from r.
func (p *point) UnmarshalFrom(r io.Reader) (int, error) {
	buf := make([]byte, pointLen)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return n, err
	}
	return n, p.UnmarshalBinary(buf)
}

func (p *point) Equal(p2 kyber.Point) bool {
	q := p2.(*point)
	if p.infinity() || q.infinity() {
		return p.infinity() && q.infinity()
	}
	return p.x.Cmp(q.x) == 0 && p.y.Cmp(q.y) == 0
}

func (p *point) Null() kyber.Point {
	return p.set(nil, nil)
}

func (p *point) Base() kyber.Point {
	params := p.s.curve.Params()
	return p.set(params.Gx, params.Gy)
}

func (p *point) Pick(rand cipher.Stream) kyber.Point {
	return p.Embed(nil, rand)
}

func (p *point) Set(p2 kyber.Point) kyber.Point {
	q := p2.(*point)
	return p.set(q.x, q.y)
}

func (p *point) Clone() kyber.Point {
	return (&point{s: p.s}).set(p.x, p.y)
}

func (p *point) EmbedLen() int {
	return embedLen
}

// Embed hides data in the x coordinate: the first byte is the length, the
// data follows and the rest is random. Candidates are drawn until one lies
// on the curve.
func (p *point) Embed(data []byte, rand cipher.Stream) kyber.Point {
	dl := len(data)
	if dl > embedLen {
		dl = embedLen
	}
	buf := make([]byte, 32)
	for {
		rand.XORKeyStream(buf, buf)
		if data != nil {
			buf[0] = byte(dl)
			copy(buf[1:1+dl], data)
		}
		x := new(big.Int).SetBytes(buf)
		if x.Cmp(p.s.p) >= 0 {
			continue
		}
		y := p.s.yFromX(x)
		if y == nil {
			continue
		}
		if buf[31]&1 == 1 {
			y.Sub(p.s.p, y)
		}
		return p.set(x, y)
	}
}

func (p *point) Data() ([]byte, error) {
	if p.infinity() {
		return nil, xerrors.New("secp256k1: no data at infinity")
	}
	buf := p.x.FillBytes(make([]byte, 32))
	dl := int(buf[0])
	if dl > embedLen {
		return nil, xerrors.New("secp256k1: invalid embedded data length")
	}
	return buf[1 : 1+dl], nil
}

func (p *point) Add(a, b kyber.Point) kyber.Point {
	pa, pb := a.(*point), b.(*point)
	switch {
	case pa.infinity():
		return p.set(pb.x, pb.y)
	case pb.infinity():
		return p.set(pa.x, pa.y)
	case pa.x.Cmp(pb.x) == 0:
		if pa.y.Cmp(pb.y) != 0 {
			return p.set(nil, nil)
		}
		return p.set(p.s.curve.Double(pa.x, pa.y))
	}
	return p.set(p.s.curve.Add(pa.x, pa.y, pb.x, pb.y))
}

func (p *point) Sub(a, b kyber.Point) kyber.Point {
	nb := p.s.Point().Neg(b)
	return p.Add(a, nb)
}

func (p *point) Neg(a kyber.Point) kyber.Point {
	pa := a.(*point)
	if pa.infinity() {
		return p.set(nil, nil)
	}
	y := new(big.Int).Sub(p.s.p, pa.y)
	y.Mod(y, p.s.p)
	return p.set(pa.x, y)
}

// Mul multiplies b by s, or the base point if b is nil.
func (p *point) Mul(s kyber.Scalar, b kyber.Point) kyber.Point {
	k := new(big.Int).Mod(&s.(*mod.Int).V, p.s.n)
	if k.Sign() == 0 {
		return p.set(nil, nil)
	}
	if b == nil {
		return p.set(p.s.curve.ScalarBaseMult(k.Bytes()))
	}
	pb := b.(*point)
	if pb.infinity() {
		return p.set(nil, nil)
	}
	return p.set(p.s.curve.ScalarMult(pb.x, pb.y, k.Bytes()))
}

// yFromX returns a square root of x^3 + b, or nil if there is none.
func (s *Suite) yFromX(x *big.Int) *big.Int {
	y2 := new(big.Int).Exp(x, big.NewInt(3), s.p)
	y2.Add(y2, s.b)
	y2.Mod(y2, s.p)
	return new(big.Int).ModSqrt(y2, s.p)
}
