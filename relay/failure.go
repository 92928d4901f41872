package relay

import (
	"bytes"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// SecretRecoveryFailureMessage is sent by a successor that decrypted all
// recovery messages but still couldn't recover a key sixteenth. The audits
// of the quarter holders will tell who is to blame.
type SecretRecoveryFailureMessage struct {
	ObituaryHash                       Hash
	DeadRelayNumber                    uint64
	SuccessorNumber                    uint64
	RecoveryMessageHashes              []Hash
	KeySharerPosition                  uint32
	SharedSecretQuarterPosition        uint32
	SumOfDecryptedSharedSecretQuarters kyber.Point
	Signature                          []byte
}

// Type implements Message.
func (m *SecretRecoveryFailureMessage) Type() string { return TypeSecretRecoveryFailure }

func (m *SecretRecoveryFailureMessage) signature() *[]byte { return &m.Signature }

// GenerateSecretRecoveryFailureMessage creates and signs the failure
// message of the successor.
func GenerateSecretRecoveryFailureMessage(d *Data, hashes []Hash, failure *RecoveryFailure) (*SecretRecoveryFailureMessage, error) {
	if len(hashes) == 0 {
		return nil, xerrors.New("no recovery messages")
	}
	rm, err := d.Messages.GetSecretRecoveryMessage(hashes[0])
	if err != nil {
		return nil, err
	}
	msg := &SecretRecoveryFailureMessage{
		ObituaryHash:                       rm.ObituaryHash,
		DeadRelayNumber:                    rm.DeadRelayNumber,
		SuccessorNumber:                    rm.SuccessorNumber,
		RecoveryMessageHashes:              append([]Hash{}, hashes...),
		KeySharerPosition:                  failure.KeySharerPosition,
		SharedSecretQuarterPosition:        failure.SharedSecretQuarterPosition,
		SumOfDecryptedSharedSecretQuarters: failure.Sum,
	}
	if err := msg.Sign(d); err != nil {
		return nil, err
	}
	return msg, nil
}

// IsValid checks the positions against the first recovery message.
func (m *SecretRecoveryFailureMessage) IsValid(d *Data) error {
	if len(m.RecoveryMessageHashes) != 4 {
		return xerrors.New("need 4 recovery messages")
	}
	if m.SumOfDecryptedSharedSecretQuarters == nil {
		return xerrors.New("missing sum")
	}
	for _, h := range m.RecoveryMessageHashes {
		rm, err := d.Messages.GetSecretRecoveryMessage(h)
		if err != nil {
			return err
		}
		if rm.DeadRelayNumber != m.DeadRelayNumber || rm.SuccessorNumber != m.SuccessorNumber ||
			rm.ObituaryHash != m.ObituaryHash {
			return xerrors.New("recovery message is about another succession")
		}
	}
	rm, _ := d.Messages.GetSecretRecoveryMessage(m.RecoveryMessageHashes[0])
	if int(m.KeySharerPosition) >= len(rm.KeyQuarterSharers) || m.SharedSecretQuarterPosition >= 4 {
		return xerrors.New("position out of range")
	}
	dead := d.State.GetRelayByNumber(m.DeadRelayNumber)
	if dead == nil {
		return xerrors.New("unknown dead relay")
	}
	if dead.CurrentSuccessorNumber != m.SuccessorNumber {
		return xerrors.New("sender is not the current successor")
	}
	return nil
}

// Sign signs with the key of the successor.
func (m *SecretRecoveryFailureMessage) Sign(d *Data) error {
	return signWith(d, m, relaySigningKey(d, m.SuccessorNumber))
}

// VerifySignature checks the signature of the successor.
func (m *SecretRecoveryFailureMessage) VerifySignature(d *Data) error {
	return verifyWith(d.Suite, m, relaySigningKey(d, m.SuccessorNumber))
}

// GetDeadRelay returns the relay whose succession failed.
func (m *SecretRecoveryFailureMessage) GetDeadRelay(d *Data) *Relay {
	return d.State.GetRelayByNumber(m.DeadRelayNumber)
}

// GetKeySharer returns the relay whose key sixteenth couldn't be
// recovered.
func (m *SecretRecoveryFailureMessage) GetKeySharer(d *Data) *Relay {
	rm, err := d.Messages.GetSecretRecoveryMessage(m.RecoveryMessageHashes[0])
	if err != nil || int(m.KeySharerPosition) >= len(rm.KeyQuarterSharers) {
		return nil
	}
	return d.State.GetRelayByNumber(rm.KeyQuarterSharers[m.KeySharerPosition])
}

// GetKeySixteenth returns the public key sixteenth that couldn't be
// recovered.
func (m *SecretRecoveryFailureMessage) GetKeySixteenth(d *Data) (kyber.Point, error) {
	rm, err := d.Messages.GetSecretRecoveryMessage(m.RecoveryMessageHashes[0])
	if err != nil {
		return nil, err
	}
	if int(m.KeySharerPosition) >= len(rm.KeyQuarterSharers) {
		return nil, xerrors.New("sharer position out of range")
	}
	sharer := d.State.GetRelayByNumber(rm.KeyQuarterSharers[m.KeySharerPosition])
	if sharer == nil {
		return nil, xerrors.New("unknown key sharer")
	}
	row := 4*int(rm.KeyQuarterPositions[m.KeySharerPosition]) + int(m.SharedSecretQuarterPosition)
	sixteenths := sharer.PublicKeySixteenths()
	if row >= len(sixteenths) {
		return nil, xerrors.New("key sharer has no such sixteenth")
	}
	return sixteenths[row], nil
}

// GetQuarterHolders returns the senders of the recovery messages.
func (m *SecretRecoveryFailureMessage) GetQuarterHolders(d *Data) []*Relay {
	var out []*Relay
	for _, h := range m.RecoveryMessageHashes {
		rm, err := d.Messages.GetSecretRecoveryMessage(h)
		if err != nil {
			continue
		}
		if r := d.State.GetRelayByNumber(rm.QuarterHolderNumber); r != nil {
			out = append(out, r)
		}
	}
	return out
}

// RecoveryFailureAuditMessage reveals the receiving key quarter a quarter
// holder used for the disputed key sixteenth.
type RecoveryFailureAuditMessage struct {
	FailureMessageHash         Hash
	QuarterHolderNumber        uint64
	PrivateReceivingKeyQuarter kyber.Scalar
	Signature                  []byte
}

// Type implements Message.
func (m *RecoveryFailureAuditMessage) Type() string { return TypeRecoveryFailureAudit }

func (m *RecoveryFailureAuditMessage) signature() *[]byte { return &m.Signature }

// GenerateRecoveryFailureAuditMessage creates and signs the audit of
// holder, whose keys must be in d.Keys.
func GenerateRecoveryFailureAuditMessage(d *Data, failureHash Hash, holder *Relay) (*RecoveryFailureAuditMessage, error) {
	audit := &RecoveryFailureAuditMessage{
		FailureMessageHash:  failureHash,
		QuarterHolderNumber: holder.Number,
	}
	dead, _, p, position, err := audit.resolve(d)
	if err != nil {
		return nil, err
	}
	audit.PrivateReceivingKeyQuarter, err = dead.PublicKeySet.ReceivingPrivateKeyQuarter(d.Suite, p, position, d.Keys)
	if err != nil {
		return nil, xerrors.Errorf("key quarter: %v", err)
	}
	if err := audit.Sign(d); err != nil {
		return nil, err
	}
	return audit, nil
}

// resolve returns the dead relay, the recovery message of the auditor, the
// disputed key sixteenth and the key quarter position of the auditor.
func (m *RecoveryFailureAuditMessage) resolve(d *Data) (*Relay, *SecretRecoveryMessage, kyber.Point, int, error) {
	failure, err := d.Messages.GetSecretRecoveryFailureMessage(m.FailureMessageHash)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	dead := failure.GetDeadRelay(d)
	if dead == nil {
		return nil, nil, nil, 0, xerrors.New("unknown dead relay")
	}
	position := dead.KeyQuarterPosition(m.QuarterHolderNumber)
	if position < 0 {
		return nil, nil, nil, 0, xerrors.New("auditor doesn't hold a key quarter of the dead relay")
	}
	var recovery *SecretRecoveryMessage
	for _, h := range failure.RecoveryMessageHashes {
		rm, err := d.Messages.GetSecretRecoveryMessage(h)
		if err == nil && rm.QuarterHolderNumber == m.QuarterHolderNumber {
			recovery = rm
		}
	}
	if recovery == nil {
		return nil, nil, nil, 0, xerrors.New("auditor sent none of the recovery messages")
	}
	p, err := failure.GetKeySixteenth(d)
	if err != nil {
		return nil, nil, nil, 0, err
	}
	return dead, recovery, p, position, nil
}

// GetDeadRelay returns the relay whose succession is audited.
func (m *RecoveryFailureAuditMessage) GetDeadRelay(d *Data) *Relay {
	failure, err := d.Messages.GetSecretRecoveryFailureMessage(m.FailureMessageHash)
	if err != nil {
		return nil
	}
	return failure.GetDeadRelay(d)
}

// IsValid checks that the auditor is one of the quarter holders that sent
// a recovery message.
func (m *RecoveryFailureAuditMessage) IsValid(d *Data) error {
	if m.PrivateReceivingKeyQuarter == nil {
		return xerrors.New("no key quarter revealed")
	}
	_, _, _, _, err := m.resolve(d)
	return err
}

// ContainsCorrectData is true if the revealed key quarter matches the key
// set of the dead relay, and the auditor's recovery message contains the
// point that quarter gives, encrypted for the successor.
func (m *RecoveryFailureAuditMessage) ContainsCorrectData(d *Data) bool {
	dead, recovery, p, position, err := m.resolve(d)
	if err != nil {
		return false
	}
	expected := dead.PublicKeySet.ReceivingPublicKeyQuarter(d.Suite, p, position)
	if !d.Suite.Point().Mul(m.PrivateReceivingKeyQuarter, nil).Equal(expected) {
		return false
	}
	failure, err := d.Messages.GetSecretRecoveryFailureMessage(m.FailureMessageHash)
	if err != nil {
		return false
	}
	successor := d.State.GetRelayByNumber(failure.SuccessorNumber)
	if successor == nil || int(failure.KeySharerPosition) >= len(recovery.SharedSecretQuarters) {
		return false
	}
	x := d.Suite.Point().Mul(m.PrivateReceivingKeyQuarter, p)
	sent := recovery.SharedSecretQuarters[failure.KeySharerPosition].EncryptedSecrets[failure.SharedSecretQuarterPosition]
	return bytes.Equal(successor.EncryptSecretPoint(d.Suite, x), sent)
}

// Sign signs with the key of the auditing quarter holder.
func (m *RecoveryFailureAuditMessage) Sign(d *Data) error {
	return signWith(d, m, relaySigningKey(d, m.QuarterHolderNumber))
}

// VerifySignature checks the signature of the auditing quarter holder.
func (m *RecoveryFailureAuditMessage) VerifySignature(d *Data) error {
	return verifyWith(d.Suite, m, relaySigningKey(d, m.QuarterHolderNumber))
}
