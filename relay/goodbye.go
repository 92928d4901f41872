package relay

import (
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// EncryptedQuarter holds four encrypted key sixteenths.
type EncryptedQuarter struct {
	EncryptedSecrets [][]byte
}

// GoodbyeMessage is sent by a relay leaving of its own accord. It hands
// the key sixteenths it holds as a quarter holder directly to its
// successor, so no recovery is needed.
type GoodbyeMessage struct {
	DeadRelayNumber        uint64
	SuccessorNumber        uint64
	KeyQuarterSharers      []uint64
	KeyQuarterPositions    []uint32
	EncryptedKeySixteenths []EncryptedQuarter
	Signature              []byte
}

// Type implements Message.
func (m *GoodbyeMessage) Type() string { return TypeGoodbye }

func (m *GoodbyeMessage) signature() *[]byte { return &m.Signature }

// GenerateGoodbyeMessage re-encrypts, for the successor of r, the key
// sixteenths r holds for its key quarter sharers.
func (r *Relay) GenerateGoodbyeMessage(d *Data) (*GoodbyeMessage, error) {
	successorNumber, err := d.State.AssignSuccessor(r)
	if err != nil {
		return nil, err
	}
	successor := d.State.GetRelayByNumber(successorNumber)
	msg := &GoodbyeMessage{
		DeadRelayNumber: r.Number,
		SuccessorNumber: successorNumber,
	}
	for _, sharer := range d.State.KeyQuarterSharers(r.Number) {
		position := sharer.KeyQuarterPosition(r.Number)
		msg.KeyQuarterSharers = append(msg.KeyQuarterSharers, sharer.Number)
		msg.KeyQuarterPositions = append(msg.KeyQuarterPositions, uint32(position))
		var q EncryptedQuarter
		for j := 0; j < 4; j++ {
			p := sharer.PublicKeySixteenths()[4*position+j]
			k, ok := d.Keys.Get(p)
			if !ok {
				return nil, xerrors.Errorf("key sixteenth %d of relay %d is unknown", 4*position+j, sharer.Number)
			}
			q.EncryptedSecrets = append(q.EncryptedSecrets, successor.EncryptSecret(d.Suite, k))
		}
		msg.EncryptedKeySixteenths = append(msg.EncryptedKeySixteenths, q)
	}
	if err := msg.Sign(d); err != nil {
		return nil, err
	}
	return msg, nil
}

// ValidateSizes checks for one position and four values per sharer.
func (m *GoodbyeMessage) ValidateSizes() bool {
	if len(m.KeyQuarterPositions) != len(m.KeyQuarterSharers) ||
		len(m.EncryptedKeySixteenths) != len(m.KeyQuarterSharers) {
		return false
	}
	for _, q := range m.EncryptedKeySixteenths {
		if len(q.EncryptedSecrets) != 4 {
			return false
		}
	}
	return true
}

// IsValid checks the successor and the sharers against the directory.
func (m *GoodbyeMessage) IsValid(d *Data) error {
	if !m.ValidateSizes() {
		return xerrors.New("wrong sizes")
	}
	dead := d.State.GetRelayByNumber(m.DeadRelayNumber)
	if dead == nil || dead.IsDead() {
		return xerrors.New("unknown or dead relay")
	}
	if !dead.Hashes.GoodbyeMessageHash.IsZero() {
		return xerrors.New("relay already said goodbye")
	}
	successor, err := d.State.AssignSuccessor(dead)
	if err != nil {
		return err
	}
	if successor != m.SuccessorNumber {
		return xerrors.Errorf("successor should be %d", successor)
	}
	sharers := d.State.KeyQuarterSharers(m.DeadRelayNumber)
	if len(sharers) != len(m.KeyQuarterSharers) {
		return xerrors.New("wrong number of key quarter sharers")
	}
	for i, sharer := range sharers {
		if sharer.Number != m.KeyQuarterSharers[i] ||
			int(m.KeyQuarterPositions[i]) != sharer.KeyQuarterPosition(m.DeadRelayNumber) {
			return xerrors.Errorf("key quarter sharer %d doesn't match", i)
		}
	}
	return nil
}

// Sign signs with the key of the leaving relay.
func (m *GoodbyeMessage) Sign(d *Data) error {
	return signWith(d, m, relaySigningKey(d, m.DeadRelayNumber))
}

// VerifySignature checks the signature of the leaving relay.
func (m *GoodbyeMessage) VerifySignature(d *Data) error {
	return verifyWith(d.Suite, m, relaySigningKey(d, m.DeadRelayNumber))
}

func (m *GoodbyeMessage) keySixteenth(d *Data, sharer, position uint32) (kyber.Point, error) {
	if int(sharer) >= len(m.KeyQuarterSharers) || position >= 4 {
		return nil, xerrors.New("position out of range")
	}
	r := d.State.GetRelayByNumber(m.KeyQuarterSharers[sharer])
	if r == nil {
		return nil, xerrors.New("unknown key quarter sharer")
	}
	row := 4*int(m.KeyQuarterPositions[sharer]) + int(position)
	sixteenths := r.PublicKeySixteenths()
	if row >= len(sixteenths) {
		return nil, xerrors.New("key quarter sharer has no such sixteenth")
	}
	return sixteenths[row], nil
}

// ExtractSecrets decrypts the key sixteenths with the successor's keys and
// stores them. The position of the first one that doesn't decrypt is
// returned with ok == false.
func (m *GoodbyeMessage) ExtractSecrets(d *Data) (sharer, position uint32, ok bool) {
	successor := d.State.GetRelayByNumber(m.SuccessorNumber)
	if successor == nil {
		return 0, 0, false
	}
	for i, q := range m.EncryptedKeySixteenths {
		r := d.State.GetRelayByNumber(m.KeyQuarterSharers[i])
		for j := range q.EncryptedSecrets {
			p, err := m.keySixteenth(d, uint32(i), uint32(j))
			if err != nil {
				return uint32(i), uint32(j), false
			}
			k := successor.DecryptSecret(d.Suite, d.Keys, q.EncryptedSecrets[j], p)
			if k == nil || d.Keys.Add(p, k) != nil {
				return uint32(i), uint32(j), false
			}
			r.PublicKeySet.VerifyRowOfGeneratedPoints(d.Suite, 4*int(m.KeyQuarterPositions[i])+j, d.Keys)
		}
	}
	return 0, 0, true
}

// GoodbyeComplaint is sent by the successor when a key sixteenth of a
// goodbye message doesn't decrypt. It reveals the receiving key.
type GoodbyeComplaint struct {
	GoodbyeMessageHash                 Hash
	KeySharerPosition                  uint32
	PositionOfBadEncryptedKeySixteenth uint32
	RecipientPrivateKey                kyber.Scalar
	Signature                          []byte
}

// Type implements Message.
func (m *GoodbyeComplaint) Type() string { return TypeGoodbyeComplaint }

func (m *GoodbyeComplaint) signature() *[]byte { return &m.Signature }

// GenerateGoodbyeComplaint creates and signs the complaint of the
// successor named in the goodbye message.
func GenerateGoodbyeComplaint(d *Data, goodbyeHash Hash, sharer, position uint32) (*GoodbyeComplaint, error) {
	c := &GoodbyeComplaint{
		GoodbyeMessageHash:                 goodbyeHash,
		KeySharerPosition:                  sharer,
		PositionOfBadEncryptedKeySixteenth: position,
	}
	gb, successor, p, err := c.resolve(d)
	if err != nil {
		return nil, err
	}
	c.RecipientPrivateKey, err = successor.PublicKeySet.ReceivingPrivateKey(d.Suite, p, d.Keys)
	if err != nil {
		return nil, xerrors.Errorf("receiving key: %v", err)
	}
	if err := signWith(d, c, relaySigningKey(d, gb.SuccessorNumber)); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *GoodbyeComplaint) resolve(d *Data) (*GoodbyeMessage, *Relay, kyber.Point, error) {
	gb, err := d.Messages.GetGoodbyeMessage(m.GoodbyeMessageHash)
	if err != nil {
		return nil, nil, nil, err
	}
	if !gb.ValidateSizes() {
		return nil, nil, nil, xerrors.New("goodbye message has wrong sizes")
	}
	p, err := gb.keySixteenth(d, m.KeySharerPosition, m.PositionOfBadEncryptedKeySixteenth)
	if err != nil {
		return nil, nil, nil, err
	}
	successor := d.State.GetRelayByNumber(gb.SuccessorNumber)
	if successor == nil {
		return nil, nil, nil, xerrors.New("unknown successor")
	}
	return gb, successor, p, nil
}

// GetSecretSender returns the relay that said goodbye.
func (m *GoodbyeComplaint) GetSecretSender(d *Data) *Relay {
	gb, err := d.Messages.GetGoodbyeMessage(m.GoodbyeMessageHash)
	if err != nil {
		return nil
	}
	return d.State.GetRelayByNumber(gb.DeadRelayNumber)
}

// IsValid returns nil if the revealed key is right and the key sixteenth
// doesn't decrypt with it. Once the successor completed the succession it
// can't complain anymore.
func (m *GoodbyeComplaint) IsValid(d *Data) error {
	gb, successor, p, err := m.resolve(d)
	if err != nil {
		return err
	}
	for _, h := range successor.Hashes.SuccessionCompletedMessageHashes {
		msg, err := d.Messages.Get(h)
		if err != nil {
			continue
		}
		if sc, ok := msg.(*SuccessionCompletedMessage); ok && sc.GoodbyeMessageHash == m.GoodbyeMessageHash {
			return xerrors.New("succession was already completed")
		}
	}
	if m.RecipientPrivateKey == nil {
		return xerrors.New("no key revealed")
	}
	expected := successor.PublicKeySet.ReceivingPublicKey(d.Suite, p)
	if !d.Suite.Point().Mul(m.RecipientPrivateKey, nil).Equal(expected) {
		return xerrors.New("revealed key is not the receiving key")
	}
	enc := gb.EncryptedKeySixteenths[m.KeySharerPosition].EncryptedSecrets[m.PositionOfBadEncryptedKeySixteenth]
	if decryptSecretWithKey(d.Suite, m.RecipientPrivateKey, enc, p) != nil {
		return xerrors.New("secret is fine")
	}
	return nil
}

// VerifySignature checks the signature of the successor.
func (m *GoodbyeComplaint) VerifySignature(d *Data) error {
	gb, err := d.Messages.GetGoodbyeMessage(m.GoodbyeMessageHash)
	if err != nil {
		return err
	}
	return verifyWith(d.Suite, m, relaySigningKey(d, gb.SuccessorNumber))
}
