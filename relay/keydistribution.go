package relay

import (
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// The three sets of encrypted key sixteenths of a key distribution.
const (
	KeyQuarterSet uint32 = iota
	FirstKeySixteenthSet
	SecondKeySixteenthSet
)

// KeyDistributionMessage hands the private key sixteenths of a relay to
// its key part holders, each one encrypted for its recipient.
type KeyDistributionMessage struct {
	RelayJoinHash       Hash
	EncodingMessageHash Hash
	RelayNumber         uint64

	KeySixteenthsEncryptedForKeyQuarterHolders              [][]byte
	KeySixteenthsEncryptedForFirstSetOfKeySixteenthHolders  [][]byte
	KeySixteenthsEncryptedForSecondSetOfKeySixteenthHolders [][]byte

	Signature []byte
}

// Type implements Message.
func (m *KeyDistributionMessage) Type() string { return TypeKeyDistribution }

func (m *KeyDistributionMessage) signature() *[]byte { return &m.Signature }

// GenerateKeyDistributionMessage assigns the key part holders of r if
// needed and encrypts every private key sixteenth for its three holders.
func (r *Relay) GenerateKeyDistributionMessage(d *Data, encodingMessageHash Hash) (*KeyDistributionMessage, error) {
	if !r.HasFourKeyQuarterHolders() {
		ok, err := d.State.AssignKeyPartHolders(r, encodingMessageHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, xerrors.Errorf("not enough relays to hold the key of relay %d", r.Number)
		}
	}
	msg := &KeyDistributionMessage{
		RelayJoinHash:       r.Hashes.JoinMessageHash,
		EncodingMessageHash: encodingMessageHash,
		RelayNumber:         r.Number,
	}
	for set := KeyQuarterSet; set <= SecondKeySixteenthSet; set++ {
		recipients := d.State.KeyPartHolderList(r, set)
		for i, p := range r.PublicKeySixteenths() {
			k, ok := d.Keys.Get(p)
			if !ok {
				return nil, xerrors.Errorf("private key sixteenth %d is unknown", i)
			}
			recipient := d.State.GetRelayByNumber(recipients[i])
			if recipient == nil {
				return nil, xerrors.Errorf("key part holder %d is unknown", recipients[i])
			}
			enc := recipient.EncryptSecret(d.Suite, k)
			switch set {
			case KeyQuarterSet:
				msg.KeySixteenthsEncryptedForKeyQuarterHolders = append(msg.KeySixteenthsEncryptedForKeyQuarterHolders, enc)
			case FirstKeySixteenthSet:
				msg.KeySixteenthsEncryptedForFirstSetOfKeySixteenthHolders = append(msg.KeySixteenthsEncryptedForFirstSetOfKeySixteenthHolders, enc)
			case SecondKeySixteenthSet:
				msg.KeySixteenthsEncryptedForSecondSetOfKeySixteenthHolders = append(msg.KeySixteenthsEncryptedForSecondSetOfKeySixteenthHolders, enc)
			}
		}
	}
	if err := msg.Sign(d); err != nil {
		return nil, err
	}
	return msg, nil
}

// EncryptedSecrets returns one of the three sets.
func (m *KeyDistributionMessage) EncryptedSecrets(set uint32) [][]byte {
	switch set {
	case KeyQuarterSet:
		return m.KeySixteenthsEncryptedForKeyQuarterHolders
	case FirstKeySixteenthSet:
		return m.KeySixteenthsEncryptedForFirstSetOfKeySixteenthHolders
	case SecondKeySixteenthSet:
		return m.KeySixteenthsEncryptedForSecondSetOfKeySixteenthHolders
	}
	return nil
}

// ValidateSizes checks for three sets of sixteen values.
func (m *KeyDistributionMessage) ValidateSizes() bool {
	return len(m.KeySixteenthsEncryptedForKeyQuarterHolders) == KeyRows &&
		len(m.KeySixteenthsEncryptedForFirstSetOfKeySixteenthHolders) == KeyRows &&
		len(m.KeySixteenthsEncryptedForSecondSetOfKeySixteenthHolders) == KeyRows
}

// VerifyRelayNumber checks that the relay exists under the given join
// hash and number.
func (m *KeyDistributionMessage) VerifyRelayNumber(d *Data) bool {
	r := d.State.GetRelayByJoinHash(m.RelayJoinHash)
	return r != nil && r.Number == m.RelayNumber
}

// Sign signs with the private signing key of the distributing relay.
func (m *KeyDistributionMessage) Sign(d *Data) error {
	return signWith(d, m, m.signingKey(d))
}

// VerifySignature checks the signature of the distributing relay.
func (m *KeyDistributionMessage) VerifySignature(d *Data) error {
	return verifyWith(d.Suite, m, m.signingKey(d))
}

func (m *KeyDistributionMessage) signingKey(d *Data) kyber.Point {
	if r := d.State.GetRelayByNumber(m.RelayNumber); r != nil {
		return r.PublicSigningKey
	}
	return nil
}

// KeyDistributionComplaint reveals the receiving key of the complainer for
// one secret of a key distribution, so that anybody can check that the
// secret was badly encrypted.
type KeyDistributionComplaint struct {
	KeyDistributionMessageHash Hash
	SetOfSecrets               uint32
	PositionOfSecret           uint32
	RecipientPrivateKey        kyber.Scalar
	Signature                  []byte
}

// Type implements Message.
func (m *KeyDistributionComplaint) Type() string { return TypeKeyDistributionComplaint }

func (m *KeyDistributionComplaint) signature() *[]byte { return &m.Signature }

// GenerateKeyDistributionComplaint creates and signs the complaint of the
// recipient of the given secret. Its keys must be in d.Keys.
func GenerateKeyDistributionComplaint(d *Data, kdHash Hash, set, position uint32) (*KeyDistributionComplaint, error) {
	c := &KeyDistributionComplaint{
		KeyDistributionMessageHash: kdHash,
		SetOfSecrets:               set,
		PositionOfSecret:           position,
	}
	sender, complainer, err := c.relays(d)
	if err != nil {
		return nil, err
	}
	p := sender.PublicKeySixteenths()[position]
	c.RecipientPrivateKey, err = complainer.PublicKeySet.ReceivingPrivateKey(d.Suite, p, d.Keys)
	if err != nil {
		return nil, xerrors.Errorf("receiving key: %v", err)
	}
	if err := signWith(d, c, complainer.PublicSigningKey); err != nil {
		return nil, err
	}
	return c, nil
}

// GetSecretSender returns the relay that distributed the secret.
func (m *KeyDistributionComplaint) GetSecretSender(d *Data) *Relay {
	kd, err := d.Messages.GetKeyDistributionMessage(m.KeyDistributionMessageHash)
	if err != nil {
		return nil
	}
	return d.State.GetRelayByNumber(kd.RelayNumber)
}

func (m *KeyDistributionComplaint) relays(d *Data) (*Relay, *Relay, error) {
	if m.SetOfSecrets > SecondKeySixteenthSet || m.PositionOfSecret >= KeyRows {
		return nil, nil, xerrors.New("set or position out of range")
	}
	sender := m.GetSecretSender(d)
	if sender == nil {
		return nil, nil, xerrors.New("unknown secret sender")
	}
	if len(sender.PublicKeySixteenths()) != KeyRows {
		return nil, nil, xerrors.New("sender has no key set")
	}
	recipients := d.State.KeyPartHolderList(sender, m.SetOfSecrets)
	if len(recipients) != KeyRows {
		return nil, nil, xerrors.New("sender has no key part holders")
	}
	complainer := d.State.GetRelayByNumber(recipients[m.PositionOfSecret])
	if complainer == nil {
		return nil, nil, xerrors.New("unknown complainer")
	}
	return sender, complainer, nil
}

// IsValid returns nil if the complaint is well-founded: the revealed key
// is the right one and the secret doesn't decrypt to a sixteenth with a
// correctly generated row.
func (m *KeyDistributionComplaint) IsValid(d *Data) error {
	sender, complainer, err := m.relays(d)
	if err != nil {
		return err
	}
	if sender.KeyDistributionMessageAccepted {
		return xerrors.New("key distribution was already accepted")
	}
	if m.RecipientPrivateKey == nil {
		return xerrors.New("no key revealed")
	}
	p := sender.PublicKeySixteenths()[m.PositionOfSecret]
	expected := complainer.PublicKeySet.ReceivingPublicKey(d.Suite, p)
	if !d.Suite.Point().Mul(m.RecipientPrivateKey, nil).Equal(expected) {
		return xerrors.New("revealed key is not the receiving key")
	}
	kd, err := d.Messages.GetKeyDistributionMessage(m.KeyDistributionMessageHash)
	if err != nil {
		return err
	}
	if !kd.ValidateSizes() {
		return xerrors.New("key distribution has wrong sizes")
	}
	s := decryptSecretWithKey(d.Suite, m.RecipientPrivateKey, kd.EncryptedSecrets(m.SetOfSecrets)[m.PositionOfSecret], p)
	if s != nil {
		tmp := NewMemoryKeyStore(d.Suite)
		if err := tmp.Add(p, s); err == nil &&
			sender.PublicKeySet.VerifyRowOfGeneratedPoints(d.Suite, int(m.PositionOfSecret), tmp) {
			return xerrors.New("secret is fine")
		}
	}
	return nil
}

// VerifySignature checks the signature of the complainer.
func (m *KeyDistributionComplaint) VerifySignature(d *Data) error {
	_, complainer, err := m.relays(d)
	if err != nil {
		return err
	}
	return verifyWith(d.Suite, m, complainer.PublicSigningKey)
}
