package relay

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/relaycustody"
	"golang.org/x/xerrors"
)

// Type tags of the messages.
const (
	TypeRelayJoin                        = "relay_join"
	TypeKeyDistribution                  = "key_distribution"
	TypeKeyDistributionComplaint         = "key_distribution_complaint"
	TypeObituary                         = "obituary"
	TypeSecretRecovery                   = "secret_recovery"
	TypeSecretRecoveryComplaint          = "secret_recovery_complaint"
	TypeSecretRecoveryFailure            = "secret_recovery_failure"
	TypeRecoveryFailureAudit             = "recovery_failure_audit"
	TypeGoodbye                          = "goodbye"
	TypeGoodbyeComplaint                 = "goodbye_complaint"
	TypeSuccessionCompleted              = "succession_completed"
	TypeDurationWithoutResponse          = "duration_without_response"
	TypeDurationWithoutResponseFromRelay = "duration_without_response_from_relay"
	TypeRelayExit                        = "relay_exit"
)

// RelayJoinMessage asks for a place in the directory. It is signed with
// the key of the mined credit message it refers to.
type RelayJoinMessage struct {
	MinedCreditMessageHash Hash
	PublicKeySet           PublicKeySet
	// EncryptedPrivateKeySixteenths lets the relay recover its key set
	// from its private signing key alone.
	EncryptedPrivateKeySixteenths [][]byte
	Signature                     []byte
}

// Type implements Message.
func (m *RelayJoinMessage) Type() string { return TypeRelayJoin }

func (m *RelayJoinMessage) signature() *[]byte { return &m.Signature }

// GenerateJoinMessage creates a new key set, stores all of its secrets
// and the private signing key in d.Keys, and signs the message with the
// key of the mined credit message.
func GenerateJoinMessage(d *Data, minedCreditMessageHash Hash, minedCreditKey kyber.Point) (*RelayJoinMessage, error) {
	msg := &RelayJoinMessage{MinedCreditMessageHash: minedCreditMessageHash}
	if err := msg.PublicKeySet.Populate(d.Suite, d.Keys); err != nil {
		return nil, xerrors.Errorf("populating key set: %v", err)
	}
	priv := d.Suite.Scalar().Zero()
	for _, p := range msg.PublicKeySet.Sixteenths() {
		s, _ := d.Keys.Get(p)
		priv.Add(priv, s)
	}
	pub := msg.PublicSigningKey(d.Suite)
	if err := d.Keys.Add(pub, priv); err != nil {
		return nil, err
	}
	for _, p := range msg.PublicKeySet.Sixteenths() {
		s, _ := d.Keys.Get(p)
		msg.EncryptedPrivateKeySixteenths = append(msg.EncryptedPrivateKeySixteenths,
			mask(d.Suite, d.Suite.Point().Mul(s, pub), scalarBytes(s)))
	}
	if err := msg.Sign(d, minedCreditKey); err != nil {
		return nil, err
	}
	return msg, nil
}

// PublicSigningKey is the sum of the key sixteenths.
func (m *RelayJoinMessage) PublicSigningKey(suite relaycustody.Suite) kyber.Point {
	sum := suite.Point().Null()
	for _, p := range m.PublicKeySet.Sixteenths() {
		sum.Add(sum, p)
	}
	return sum
}

// ValidateSizes checks the key set and that there is one encrypted value
// per row.
func (m *RelayJoinMessage) ValidateSizes() bool {
	return m.PublicKeySet.ValidateSizes() && len(m.EncryptedPrivateKeySixteenths) == KeyRows
}

// DecryptPrivateKeySixteenths returns the private key sixteenths, given
// the private signing key.
func (m *RelayJoinMessage) DecryptPrivateKeySixteenths(suite relaycustody.Suite,
	signingKey kyber.Scalar) ([]kyber.Scalar, error) {
	var out []kyber.Scalar
	for i, p := range m.PublicKeySet.Sixteenths() {
		if i >= len(m.EncryptedPrivateKeySixteenths) {
			return nil, xerrors.New("missing encrypted sixteenth")
		}
		s := decryptSecretWithKey(suite, signingKey, m.EncryptedPrivateKeySixteenths[i], p)
		if s == nil {
			return nil, xerrors.Errorf("couldn't decrypt sixteenth %d", i)
		}
		out = append(out, s)
	}
	return out, nil
}

// Sign signs with the private key of minedCreditKey, which must be in
// d.Keys.
func (m *RelayJoinMessage) Sign(d *Data, minedCreditKey kyber.Point) error {
	return signWith(d, m, minedCreditKey)
}

// VerifySignature checks the signature against the key of the mined
// credit message.
func (m *RelayJoinMessage) VerifySignature(suite relaycustody.Suite, minedCreditKey kyber.Point) error {
	return verifyWith(suite, m, minedCreditKey)
}
