package relay

import (
	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Quartet holds, for the four key sixteenths a sharer gave to the dead
// relay, the share of one quarter holder in decrypting them.
type Quartet struct {
	EncryptedSecrets    [][]byte
	CorrespondingPoints []kyber.Point
}

// SecretRecoveryMessage is sent by each of the four quarter holders of a
// dead relay. Added together, the decrypted points of the four messages
// decrypt what the sharers sent to the dead relay.
type SecretRecoveryMessage struct {
	ObituaryHash         Hash
	DeadRelayNumber      uint64
	QuarterHolderNumber  uint64
	SuccessorNumber      uint64
	KeyQuarterSharers    []uint64
	KeyQuarterPositions  []uint32
	SharedSecretQuarters []Quartet
	Signature            []byte
}

// Type implements Message.
func (m *SecretRecoveryMessage) Type() string { return TypeSecretRecovery }

func (m *SecretRecoveryMessage) signature() *[]byte { return &m.Signature }

// GenerateSecretRecoveryMessage computes the shares of holder, which must
// hold a quarter of the dead relay's key and have its secrets in d.Keys.
func GenerateSecretRecoveryMessage(d *Data, dead, holder *Relay) (*SecretRecoveryMessage, error) {
	if !dead.IsDead() {
		return nil, xerrors.Errorf("relay %d has no obituary", dead.Number)
	}
	successor := d.State.GetRelayByNumber(dead.CurrentSuccessorNumber)
	if successor == nil {
		return nil, xerrors.Errorf("relay %d has no successor", dead.Number)
	}
	holderPosition := dead.KeyQuarterPosition(holder.Number)
	if holderPosition < 0 {
		return nil, xerrors.Errorf("relay %d doesn't hold a quarter of relay %d", holder.Number, dead.Number)
	}
	msg := &SecretRecoveryMessage{
		ObituaryHash:        dead.Hashes.ObituaryHash,
		DeadRelayNumber:     dead.Number,
		QuarterHolderNumber: holder.Number,
		SuccessorNumber:     successor.Number,
	}
	for _, sharer := range d.State.KeyQuarterSharers(dead.Number) {
		position := sharer.KeyQuarterPosition(dead.Number)
		msg.KeyQuarterSharers = append(msg.KeyQuarterSharers, sharer.Number)
		msg.KeyQuarterPositions = append(msg.KeyQuarterPositions, uint32(position))
		var q Quartet
		for j := 0; j < 4; j++ {
			p := sharer.PublicKeySixteenths()[4*position+j]
			key, err := dead.PublicKeySet.ReceivingPrivateKeyQuarter(d.Suite, p, holderPosition, d.Keys)
			if err != nil {
				return nil, xerrors.Errorf("key quarter of relay %d: %v", dead.Number, err)
			}
			x := d.Suite.Point().Mul(key, p)
			q.EncryptedSecrets = append(q.EncryptedSecrets, successor.EncryptSecretPoint(d.Suite, x))
			q.CorrespondingPoints = append(q.CorrespondingPoints, PointCorrespondingToSecretPoint(d.Suite, x))
		}
		msg.SharedSecretQuarters = append(msg.SharedSecretQuarters, q)
	}
	if err := msg.Sign(d); err != nil {
		return nil, err
	}
	return msg, nil
}

// ValidateSizes checks that there is one position and one full quartet
// per sharer.
func (m *SecretRecoveryMessage) ValidateSizes() bool {
	if len(m.KeyQuarterPositions) != len(m.KeyQuarterSharers) ||
		len(m.SharedSecretQuarters) != len(m.KeyQuarterSharers) {
		return false
	}
	for _, q := range m.SharedSecretQuarters {
		if len(q.EncryptedSecrets) != 4 || len(q.CorrespondingPoints) != 4 {
			return false
		}
	}
	return true
}

// IsValid checks the message against the directory.
func (m *SecretRecoveryMessage) IsValid(d *Data) error {
	if !m.ValidateSizes() {
		return xerrors.New("wrong sizes")
	}
	holder := d.State.GetRelayByNumber(m.QuarterHolderNumber)
	if holder == nil || holder.IsDead() {
		return xerrors.New("quarter holder is unknown or dead")
	}
	ob, err := d.Messages.GetObituary(m.ObituaryHash)
	if err != nil {
		return err
	}
	if ob.DeadRelayNumber != m.DeadRelayNumber {
		return xerrors.New("dead relay doesn't match the obituary")
	}
	dead := d.State.GetRelayByNumber(m.DeadRelayNumber)
	if dead == nil || dead.Hashes.ObituaryHash != m.ObituaryHash {
		return xerrors.New("unknown dead relay")
	}
	if dead.CurrentSuccessorNumber != m.SuccessorNumber {
		return xerrors.Errorf("successor should be %d", dead.CurrentSuccessorNumber)
	}
	if !dead.IsKeyQuarterHolder(m.QuarterHolderNumber) {
		return xerrors.New("sender doesn't hold a key quarter of the dead relay")
	}
	for _, h := range dead.SecretRecoveryMessageHashesFor(d.Messages, m.SuccessorNumber) {
		if rm, err := d.Messages.GetSecretRecoveryMessage(h); err == nil && rm.QuarterHolderNumber == m.QuarterHolderNumber {
			return xerrors.New("quarter holder already sent a recovery message")
		}
	}
	sharers := d.State.KeyQuarterSharers(m.DeadRelayNumber)
	if len(sharers) != len(m.KeyQuarterSharers) {
		return xerrors.New("wrong number of key quarter sharers")
	}
	for i, sharer := range sharers {
		if sharer.Number != m.KeyQuarterSharers[i] {
			return xerrors.Errorf("key quarter sharer %d should be %d", i, sharer.Number)
		}
		if m.KeyQuarterPositions[i] >= 4 || int(m.KeyQuarterPositions[i]) != sharer.KeyQuarterPosition(m.DeadRelayNumber) {
			return xerrors.Errorf("wrong key quarter position for sharer %d", sharer.Number)
		}
	}
	return nil
}

// Sign signs with the key of the quarter holder.
func (m *SecretRecoveryMessage) Sign(d *Data) error {
	return signWith(d, m, relaySigningKey(d, m.QuarterHolderNumber))
}

// VerifySignature checks the signature of the quarter holder.
func (m *SecretRecoveryMessage) VerifySignature(d *Data) error {
	return verifyWith(d.Suite, m, relaySigningKey(d, m.QuarterHolderNumber))
}

// FirstUndecryptableSecret returns the position of the first point the
// successor can't decrypt, if any. The keys of the successor must be in
// d.Keys.
func (m *SecretRecoveryMessage) FirstUndecryptableSecret(d *Data) (sharer, position uint32, found bool) {
	successor := d.State.GetRelayByNumber(m.SuccessorNumber)
	if successor == nil {
		return 0, 0, false
	}
	for i, q := range m.SharedSecretQuarters {
		for j := range q.EncryptedSecrets {
			if successor.DecryptSecretPoint(d.Suite, d.Keys, q.EncryptedSecrets[j], q.CorrespondingPoints[j]) == nil {
				return uint32(i), uint32(j), true
			}
		}
	}
	return 0, 0, false
}

// RecoveryFailure says which key sixteenth couldn't be recovered, and what
// the successor found as the sum of the decrypted points.
type RecoveryFailure struct {
	KeySharerPosition           uint32
	SharedSecretQuarterPosition uint32
	Sum                         kyber.Point
}

// RecoverSecrets lets the successor decrypt the four recovery messages and
// the key sixteenths the dead relay held as a quarter holder. The
// recovered secrets are stored in d.Keys. If a sixteenth doesn't check out,
// the failure is returned. An error means the messages themselves are not
// usable.
func RecoverSecrets(d *Data, hashes []Hash) (*RecoveryFailure, error) {
	if len(hashes) != 4 {
		return nil, xerrors.Errorf("need 4 recovery messages, got %d", len(hashes))
	}
	var msgs []*SecretRecoveryMessage
	for _, h := range hashes {
		rm, err := d.Messages.GetSecretRecoveryMessage(h)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 && !sameSharers(msgs[0], rm) {
			return nil, xerrors.New("recovery messages list different sharers")
		}
		msgs = append(msgs, rm)
	}
	successor := d.State.GetRelayByNumber(msgs[0].SuccessorNumber)
	if successor == nil {
		return nil, xerrors.New("unknown successor")
	}
	for i, number := range msgs[0].KeyQuarterSharers {
		sharer := d.State.GetRelayByNumber(number)
		if sharer == nil {
			return nil, xerrors.Errorf("unknown key quarter sharer %d", number)
		}
		kd, err := d.Messages.GetKeyDistributionMessage(sharer.Hashes.KeyDistributionMessageHash)
		if err != nil {
			return nil, err
		}
		if !kd.ValidateSizes() {
			return nil, xerrors.New("key distribution has wrong sizes")
		}
		position := int(msgs[0].KeyQuarterPositions[i])
		for j := 0; j < 4; j++ {
			sum := d.Suite.Point().Null()
			for _, rm := range msgs {
				q := rm.SharedSecretQuarters[i]
				x := successor.DecryptSecretPoint(d.Suite, d.Keys, q.EncryptedSecrets[j], q.CorrespondingPoints[j])
				if x == nil {
					return nil, xerrors.Errorf("can't decrypt share %d/%d of holder %d", i, j, rm.QuarterHolderNumber)
				}
				sum.Add(sum, x)
			}
			row := 4*position + j
			p := sharer.PublicKeySixteenths()[row]
			k := decryptSecretWithDH(d.Suite, sum, kd.KeySixteenthsEncryptedForKeyQuarterHolders[row], p)
			if k == nil {
				return &RecoveryFailure{uint32(i), uint32(j), sum}, nil
			}
			if err := d.Keys.Add(p, k); err != nil {
				return nil, err
			}
			sharer.PublicKeySet.VerifyRowOfGeneratedPoints(d.Suite, row, d.Keys)
		}
	}
	return nil, nil
}

func sameSharers(a, b *SecretRecoveryMessage) bool {
	if len(a.KeyQuarterSharers) != len(b.KeyQuarterSharers) || !b.ValidateSizes() {
		return false
	}
	for i := range a.KeyQuarterSharers {
		if a.KeyQuarterSharers[i] != b.KeyQuarterSharers[i] ||
			a.KeyQuarterPositions[i] != b.KeyQuarterPositions[i] {
			return false
		}
	}
	return true
}

// SecretRecoveryComplaint is sent by the successor when it can't decrypt
// one of the points of a recovery message. It reveals its receiving key for
// that point.
type SecretRecoveryComplaint struct {
	SecretRecoveryMessageHash    Hash
	PositionOfKeySharer          uint32
	PositionOfBadEncryptedSecret uint32
	PrivateReceivingKey          kyber.Scalar
	Signature                    []byte
}

// Type implements Message.
func (m *SecretRecoveryComplaint) Type() string { return TypeSecretRecoveryComplaint }

func (m *SecretRecoveryComplaint) signature() *[]byte { return &m.Signature }

// GenerateSecretRecoveryComplaint creates and signs the complaint of the
// successor named in the recovery message.
func GenerateSecretRecoveryComplaint(d *Data, recoveryHash Hash, sharer, position uint32) (*SecretRecoveryComplaint, error) {
	c := &SecretRecoveryComplaint{
		SecretRecoveryMessageHash:    recoveryHash,
		PositionOfKeySharer:          sharer,
		PositionOfBadEncryptedSecret: position,
	}
	rm, successor, err := c.resolve(d)
	if err != nil {
		return nil, err
	}
	q := rm.SharedSecretQuarters[sharer].CorrespondingPoints[position]
	c.PrivateReceivingKey, err = successor.PublicKeySet.ReceivingPrivateKey(d.Suite, q, d.Keys)
	if err != nil {
		return nil, xerrors.Errorf("receiving key: %v", err)
	}
	if err := signWith(d, c, successor.PublicSigningKey); err != nil {
		return nil, err
	}
	return c, nil
}

func (m *SecretRecoveryComplaint) resolve(d *Data) (*SecretRecoveryMessage, *Relay, error) {
	rm, err := d.Messages.GetSecretRecoveryMessage(m.SecretRecoveryMessageHash)
	if err != nil {
		return nil, nil, err
	}
	if !rm.ValidateSizes() || int(m.PositionOfKeySharer) >= len(rm.SharedSecretQuarters) ||
		m.PositionOfBadEncryptedSecret >= 4 {
		return nil, nil, xerrors.New("position out of range")
	}
	successor := d.State.GetRelayByNumber(rm.SuccessorNumber)
	if successor == nil {
		return nil, nil, xerrors.New("unknown successor")
	}
	return rm, successor, nil
}

// GetSecretSender returns the quarter holder that sent the recovery
// message.
func (m *SecretRecoveryComplaint) GetSecretSender(d *Data) *Relay {
	rm, err := d.Messages.GetSecretRecoveryMessage(m.SecretRecoveryMessageHash)
	if err != nil {
		return nil
	}
	return d.State.GetRelayByNumber(rm.QuarterHolderNumber)
}

// GetDeadRelay returns the relay whose succession the recovery message is
// about.
func (m *SecretRecoveryComplaint) GetDeadRelay(d *Data) *Relay {
	rm, err := d.Messages.GetSecretRecoveryMessage(m.SecretRecoveryMessageHash)
	if err != nil {
		return nil
	}
	return d.State.GetRelayByNumber(rm.DeadRelayNumber)
}

// IsValid returns nil if the revealed key is right and the point doesn't
// decrypt with it. A complaint coming after the deadline of the recovery
// message is refused.
func (m *SecretRecoveryComplaint) IsValid(d *Data) error {
	rm, successor, err := m.resolve(d)
	if err != nil {
		return err
	}
	if d.Messages.Flag(m.SecretRecoveryMessageHash, FlagDurationElapsed) {
		return xerrors.New("successor didn't complain in time")
	}
	if m.PrivateReceivingKey == nil {
		return xerrors.New("no key revealed")
	}
	q := rm.SharedSecretQuarters[m.PositionOfKeySharer]
	point := q.CorrespondingPoints[m.PositionOfBadEncryptedSecret]
	expected := successor.PublicKeySet.ReceivingPublicKey(d.Suite, point)
	if !d.Suite.Point().Mul(m.PrivateReceivingKey, nil).Equal(expected) {
		return xerrors.New("revealed key is not the receiving key")
	}
	if decryptSecretPointWithKey(d.Suite, m.PrivateReceivingKey, q.EncryptedSecrets[m.PositionOfBadEncryptedSecret], point) != nil {
		return xerrors.New("secret is fine")
	}
	return nil
}

// VerifySignature checks the signature of the successor.
func (m *SecretRecoveryComplaint) VerifySignature(d *Data) error {
	rm, err := d.Messages.GetSecretRecoveryMessage(m.SecretRecoveryMessageHash)
	if err != nil {
		return err
	}
	return verifyWith(d.Suite, m, relaySigningKey(d, rm.SuccessorNumber))
}
