package relay

import "go.dedis.ch/kyber/v3"

// Obituary records the death of a relay and names its successor.
type Obituary struct {
	DeadRelayNumber uint64
	RelayStateHash  Hash
	Reason          Status
	InGoodStanding  bool
	SuccessorNumber uint64
}

// Type implements Message.
func (m *Obituary) Type() string { return TypeObituary }

// DurationWithoutResponse attests that the deadline after a message
// passed without the response that would have prevented it.
type DurationWithoutResponse struct {
	MessageHash Hash
}

// Type implements Message.
func (m *DurationWithoutResponse) Type() string { return TypeDurationWithoutResponse }

// DurationWithoutResponseFromRelay is a DurationWithoutResponse blaming
// one relay in particular.
type DurationWithoutResponseFromRelay struct {
	MessageHash Hash
	RelayNumber uint64
}

// Type implements Message.
func (m *DurationWithoutResponseFromRelay) Type() string { return TypeDurationWithoutResponseFromRelay }

// RelayExit removes a dead relay whose duties have been taken over by its
// successor.
type RelayExit struct {
	ObituaryHash                Hash
	SuccessorNumber             uint64
	SecretRecoveryMessageHashes []Hash
}

// Type implements Message.
func (m *RelayExit) Type() string { return TypeRelayExit }

// SuccessionCompletedMessage is sent by a successor once it holds the
// secrets of the dead relay, taken either from a goodbye message or from
// four secret recovery messages.
type SuccessionCompletedMessage struct {
	GoodbyeMessageHash    Hash
	RecoveryMessageHashes []Hash
	DeadRelayNumber       uint64
	SuccessorNumber       uint64
	Signature             []byte
}

// Type implements Message.
func (m *SuccessionCompletedMessage) Type() string { return TypeSuccessionCompleted }

func (m *SuccessionCompletedMessage) signature() *[]byte { return &m.Signature }

// Sign signs with the key of the successor.
func (m *SuccessionCompletedMessage) Sign(d *Data) error {
	return signWith(d, m, relaySigningKey(d, m.SuccessorNumber))
}

// VerifySignature checks the signature of the successor.
func (m *SuccessionCompletedMessage) VerifySignature(d *Data) error {
	return verifyWith(d.Suite, m, relaySigningKey(d, m.SuccessorNumber))
}

// IsValid checks that the referenced messages name the same dead relay
// and its current successor. Recovery messages must be four different
// ones recorded for the dead relay.
func (m *SuccessionCompletedMessage) IsValid(d *Data) bool {
	dead := d.State.GetRelayByNumber(m.DeadRelayNumber)
	if dead == nil || dead.HasExited() || m.SuccessorNumber != dead.CurrentSuccessorNumber {
		return false
	}
	if len(m.RecoveryMessageHashes) == 0 {
		if dead.IsDead() || dead.Hashes.GoodbyeMessageHash != m.GoodbyeMessageHash {
			return false
		}
		gb, err := d.Messages.GetGoodbyeMessage(m.GoodbyeMessageHash)
		if err != nil {
			return false
		}
		return gb.DeadRelayNumber == m.DeadRelayNumber && gb.SuccessorNumber == m.SuccessorNumber
	}
	if len(m.RecoveryMessageHashes) != 4 || !m.GoodbyeMessageHash.IsZero() || !dead.IsDead() {
		return false
	}
	seen := make(map[Hash]bool)
	for _, h := range m.RecoveryMessageHashes {
		if seen[h] || !containsHash(dead.Hashes.SecretRecoveryMessageHashes, h) {
			return false
		}
		seen[h] = true
		rm, err := d.Messages.GetSecretRecoveryMessage(h)
		if err != nil {
			return false
		}
		if rm.DeadRelayNumber != m.DeadRelayNumber || rm.SuccessorNumber != m.SuccessorNumber {
			return false
		}
	}
	return true
}

func relaySigningKey(d *Data, number uint64) kyber.Point {
	if r := d.State.GetRelayByNumber(number); r != nil {
		return r.PublicSigningKey
	}
	return nil
}
