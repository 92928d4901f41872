package relay

// SuccessionState is where the succession of a dead relay stands.
type SuccessionState int

const (
	// SuccessionPending waits for recovery messages, a goodbye extraction
	// or a timeout.
	SuccessionPending SuccessionState = iota
	// SuccessionCompleted means the successor holds the secrets.
	SuccessionCompleted
	// SuccessionEscalated means recovery failed and audits were asked for.
	SuccessionEscalated
	// SuccessionFailed means the successor died before completing, and
	// another one was assigned.
	SuccessionFailed
)

func (s SuccessionState) String() string {
	switch s {
	case SuccessionPending:
		return "pending"
	case SuccessionCompleted:
		return "completed"
	case SuccessionEscalated:
		return "escalated"
	case SuccessionFailed:
		return "failed"
	}
	return "unknown"
}

// SuccessionAttempt is a read-only view of the attempt of one successor
// to take over a dead relay, assembled from the record of the dead relay.
type SuccessionAttempt struct {
	DeadRelayNumber       uint64
	ObituaryHash          Hash
	Reason                Status
	SuccessorNumber       uint64
	RecoveryMessageHashes []Hash
	ComplaintHashes       []Hash
	FailureMessageHashes  []Hash
	AuditMessageHashes    []Hash
	State                 SuccessionState
}

// SuccessionAttempt returns the attempt of the current successor of a
// dead relay that is still in the directory.
func (s *RelayState) SuccessionAttempt(d *Data, deadRelayNumber uint64) (*SuccessionAttempt, error) {
	dead, ob, err := s.deadRelayAndObituary(d, deadRelayNumber)
	if err != nil {
		return nil, err
	}
	return s.successionAttempt(d, dead, ob, dead.CurrentSuccessorNumber), nil
}

// SuccessionAttempts returns every attempt at taking over a dead relay,
// the failed ones first.
func (s *RelayState) SuccessionAttempts(d *Data, deadRelayNumber uint64) ([]*SuccessionAttempt, error) {
	dead, ob, err := s.deadRelayAndObituary(d, deadRelayNumber)
	if err != nil {
		return nil, err
	}
	var out []*SuccessionAttempt
	for _, n := range dead.PreviousSuccessors {
		sa := s.successionAttempt(d, dead, ob, n)
		sa.State = SuccessionFailed
		out = append(out, sa)
	}
	if dead.CurrentSuccessorNumber != 0 {
		out = append(out, s.successionAttempt(d, dead, ob, dead.CurrentSuccessorNumber))
	}
	return out, nil
}

func (s *RelayState) deadRelayAndObituary(d *Data, deadRelayNumber uint64) (*Relay, *Obituary, error) {
	dead := s.GetRelayByNumber(deadRelayNumber)
	if dead == nil {
		return nil, nil, stateError("unknown relay %d", deadRelayNumber)
	}
	if !dead.IsDead() {
		return nil, nil, stateError("relay %d is alive", deadRelayNumber)
	}
	ob, err := d.Messages.GetObituary(dead.Hashes.ObituaryHash)
	if err != nil {
		return nil, nil, stateError("%v", err)
	}
	return dead, ob, nil
}

func (s *RelayState) successionAttempt(d *Data, dead *Relay, ob *Obituary, successor uint64) *SuccessionAttempt {
	sa := &SuccessionAttempt{
		DeadRelayNumber:       dead.Number,
		ObituaryHash:          dead.Hashes.ObituaryHash,
		Reason:                ob.Reason,
		SuccessorNumber:       successor,
		RecoveryMessageHashes: dead.SecretRecoveryMessageHashesFor(d.Messages, successor),
	}
	for _, h := range dead.Hashes.SecretRecoveryComplaintHashes {
		if c, err := d.Messages.Get(h); err == nil {
			if c, ok := c.(*SecretRecoveryComplaint); ok && complaintConcerns(d, c, successor) {
				sa.ComplaintHashes = append(sa.ComplaintHashes, h)
			}
		}
	}
	for _, h := range dead.Hashes.GoodbyeComplaintHashes {
		if c, err := d.Messages.Get(h); err == nil {
			if c, ok := c.(*GoodbyeComplaint); ok {
				if gb, err := d.Messages.GetGoodbyeMessage(c.GoodbyeMessageHash); err == nil && gb.SuccessorNumber == successor {
					sa.ComplaintHashes = append(sa.ComplaintHashes, h)
				}
			}
		}
	}
	for _, h := range dead.Hashes.SecretRecoveryFailureMessageHashes {
		if f, err := d.Messages.GetSecretRecoveryFailureMessage(h); err == nil && f.SuccessorNumber == successor {
			sa.FailureMessageHashes = append(sa.FailureMessageHashes, h)
		}
	}
	for _, h := range dead.Hashes.RecoveryFailureAuditMessageHashes {
		if a, err := d.Messages.Get(h); err == nil {
			if a, ok := a.(*RecoveryFailureAuditMessage); ok && containsHash(sa.FailureMessageHashes, a.FailureMessageHash) {
				sa.AuditMessageHashes = append(sa.AuditMessageHashes, h)
			}
		}
	}
	if len(sa.FailureMessageHashes) > 0 {
		sa.State = SuccessionEscalated
	}
	if r := s.GetRelayByNumber(successor); r != nil {
		for _, h := range r.Hashes.SuccessionCompletedMessageHashes {
			msg, err := d.Messages.Get(h)
			if err != nil {
				continue
			}
			if sc, ok := msg.(*SuccessionCompletedMessage); ok && sc.DeadRelayNumber == dead.Number {
				sa.State = SuccessionCompleted
			}
		}
	}
	return sa
}

func complaintConcerns(d *Data, c *SecretRecoveryComplaint, successor uint64) bool {
	rm, err := d.Messages.GetSecretRecoveryMessage(c.SecretRecoveryMessageHash)
	return err == nil && rm.SuccessorNumber == successor
}
