package relay

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/relaycustody"
	"golang.org/x/xerrors"
)

const (
	// KeyRows is the number of rows, and of key sixteenths, of a key set.
	KeyRows = 16
	// PointsPerRow is the number of points in a row of a key set.
	PointsPerRow = 4
)

// KeyRow starts with the point of a private key sixteenth s, followed by
// H(s+1)·G, H(s+2)·G and H(s+3)·G.
type KeyRow struct {
	Points []kyber.Point
}

// PublicKeySet is the public side of the 64 secrets of a relay. Receiving
// keys, which encrypt secrets sent to the relay, are derived from it.
type PublicKeySet struct {
	Rows []KeyRow
}

// Populate draws sixteen fresh secrets, generates their rows and stores
// every secret in keys.
func (ks *PublicKeySet) Populate(suite relaycustody.Suite, keys *KeyStore) error {
	ks.Rows = make([]KeyRow, KeyRows)
	for r := range ks.Rows {
		s := suite.Scalar().Pick(suite.RandomStream())
		p := suite.Point().Mul(s, nil)
		if err := keys.Add(p, s); err != nil {
			return err
		}
		row, err := generateRow(suite, p, keys)
		if err != nil {
			return err
		}
		ks.Rows[r] = row
	}
	return nil
}

// generateRow needs the secret of first in keys and stores the derived
// secrets there.
func generateRow(suite relaycustody.Suite, first kyber.Point, keys *KeyStore) (KeyRow, error) {
	s, ok := keys.Get(first)
	if !ok {
		return KeyRow{}, xerrors.New("secret of the first point of the row is unknown")
	}
	row := KeyRow{Points: []kyber.Point{first}}
	for i := int64(1); i < PointsPerRow; i++ {
		t := hashToScalar(suite, scalarBytes(suite.Scalar().Add(s, suite.Scalar().SetInt64(i))))
		p := suite.Point().Mul(t, nil)
		if err := keys.Add(p, t); err != nil {
			return KeyRow{}, err
		}
		row.Points = append(row.Points, p)
	}
	return row, nil
}

// Clone copies the rows, sharing the points.
func (ks PublicKeySet) Clone() PublicKeySet {
	if ks.Rows == nil {
		return ks
	}
	c := PublicKeySet{Rows: make([]KeyRow, len(ks.Rows))}
	for i, r := range ks.Rows {
		c.Rows[i].Points = append([]kyber.Point{}, r.Points...)
	}
	return c
}

// ValidateSizes checks for 16 rows of 4 points.
func (ks *PublicKeySet) ValidateSizes() bool {
	if len(ks.Rows) != KeyRows {
		return false
	}
	for _, r := range ks.Rows {
		if len(r.Points) != PointsPerRow {
			return false
		}
		for _, p := range r.Points {
			if p == nil {
				return false
			}
		}
	}
	return true
}

// Sixteenths returns the first point of every row.
func (ks *PublicKeySet) Sixteenths() []kyber.Point {
	var out []kyber.Point
	for _, r := range ks.Rows {
		if len(r.Points) > 0 {
			out = append(out, r.Points[0])
		}
	}
	return out
}

// VerifyRowOfGeneratedPoints regenerates the row if the secret of its first
// point is in keys, and compares. Rows with an unknown secret pass.
func (ks *PublicKeySet) VerifyRowOfGeneratedPoints(suite relaycustody.Suite, row int, keys *KeyStore) bool {
	if row < 0 || row >= len(ks.Rows) || len(ks.Rows[row].Points) != PointsPerRow {
		return false
	}
	points := ks.Rows[row].Points
	if !keys.Has(points[0]) {
		return true
	}
	generated, err := generateRow(suite, points[0], keys)
	if err != nil {
		return false
	}
	for i := range points {
		if !points[i].Equal(generated.Points[i]) {
			return false
		}
	}
	return true
}

// ReceivingPublicKey is the point secrets are encrypted to when they
// correspond to p.
func (ks *PublicKeySet) ReceivingPublicKey(suite relaycustody.Suite, p kyber.Point) kyber.Point {
	return ks.receivingPublicKey(suite, p, -1)
}

// ReceivingPublicKeyQuarter is the part of ReceivingPublicKey coming from
// the four rows of quarter.
func (ks *PublicKeySet) ReceivingPublicKeyQuarter(suite relaycustody.Suite, p kyber.Point, quarter int) kyber.Point {
	return ks.receivingPublicKey(suite, p, quarter)
}

// ReceivingPrivateKey needs all 64 secrets in keys.
func (ks *PublicKeySet) ReceivingPrivateKey(suite relaycustody.Suite, p kyber.Point, keys *KeyStore) (kyber.Scalar, error) {
	return ks.receivingPrivateKey(suite, p, -1, keys)
}

// ReceivingPrivateKeyQuarter needs the 16 secrets of the rows of quarter.
func (ks *PublicKeySet) ReceivingPrivateKeyQuarter(suite relaycustody.Suite, p kyber.Point, quarter int,
	keys *KeyStore) (kyber.Scalar, error) {
	return ks.receivingPrivateKey(suite, p, quarter, keys)
}

// The seed advances for every point of the set, also for the points outside
// of the quarter, so that the quarters add up to the full key.
func (ks *PublicKeySet) receivingPublicKey(suite relaycustody.Suite, p kyber.Point, quarter int) kyber.Point {
	seed := HashPoint(p)
	sum := suite.Point().Null()
	for r, row := range ks.Rows {
		for _, point := range row.Points {
			seed = seed.Next()
			if quarter >= 0 && r/4 != quarter {
				continue
			}
			sum.Add(sum, suite.Point().Mul(coefficient(suite, seed), point))
		}
	}
	return sum
}

func (ks *PublicKeySet) receivingPrivateKey(suite relaycustody.Suite, p kyber.Point, quarter int,
	keys *KeyStore) (kyber.Scalar, error) {
	seed := HashPoint(p)
	sum := suite.Scalar().Zero()
	for r, row := range ks.Rows {
		for i, point := range row.Points {
			seed = seed.Next()
			if quarter >= 0 && r/4 != quarter {
				continue
			}
			s, ok := keys.Get(point)
			if !ok {
				return nil, xerrors.Errorf("secret of point %d of row %d is unknown", i, r)
			}
			sum.Add(sum, suite.Scalar().Mul(coefficient(suite, seed), s))
		}
	}
	return sum, nil
}

func coefficient(suite relaycustody.Suite, seed Hash) kyber.Scalar {
	return suite.Scalar().SetInt64(int64(seed.Mod(65536)))
}

func hashToScalar(suite relaycustody.Suite, buf []byte) kyber.Scalar {
	h := HashBytes(buf)
	return suite.Scalar().SetBytes(h[:])
}
