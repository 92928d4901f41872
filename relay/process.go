package relay

import (
	"go.dedis.ch/onet/v3/log"
)

// ProcessRelayJoinMessage appends the new relay to the directory.
func (s *RelayState) ProcessRelayJoinMessage(d *Data, msg *RelayJoinMessage) error {
	if s.MinedCreditMessageHashIsAlreadyBeingUsed(msg.MinedCreditMessageHash) {
		return stateError("mined_credit_message_hash already used")
	}
	s.LatestRelayNumber++
	r := &Relay{
		Number:           s.LatestRelayNumber,
		PublicSigningKey: msg.PublicSigningKey(d.Suite),
		PublicKeySet:     msg.PublicKeySet.Clone(),
	}
	r.Hashes.JoinMessageHash = HashOf(msg)
	r.Hashes.MinedCreditMessageHash = msg.MinedCreditMessageHash
	s.Relays = append(s.Relays, r)
	s.invalidateMaps()
	log.Lvl3("relay", r.Number, "joined")
	return nil
}

// ProcessKeyDistributionMessage records the key distribution and assigns
// the key part holders if that wasn't done yet.
func (s *RelayState) ProcessKeyDistributionMessage(d *Data, msg *KeyDistributionMessage) error {
	r := s.GetRelayByNumber(msg.RelayNumber)
	if r == nil {
		return stateError("key distribution from unknown relay %d", msg.RelayNumber)
	}
	if !r.Hashes.KeyDistributionMessageHash.IsZero() {
		return stateError("relay %d already distributed its key", r.Number)
	}
	if !r.HasFourKeyQuarterHolders() {
		ok, err := s.AssignKeyPartHolders(r, msg.EncodingMessageHash)
		if err != nil {
			return err
		}
		if !ok {
			return stateError("not enough relays to hold the key of relay %d", r.Number)
		}
	}
	r.Hashes.KeyDistributionMessageHash = HashOf(msg)
	return nil
}

// ProcessKeyDistributionComplaint kills the relay complained about.
func (s *RelayState) ProcessKeyDistributionComplaint(d *Data, c *KeyDistributionComplaint) error {
	sender := c.GetSecretSender(d)
	if sender == nil {
		return stateError("complaint about unknown relay")
	}
	if sender.KeyDistributionMessageAccepted {
		return stateError("too late to process complaint")
	}
	sender.Hashes.KeyDistributionComplaintHashes = append(sender.Hashes.KeyDistributionComplaintHashes, HashOf(c))
	return s.RecordRelayDeath(d, sender, Misbehaved)
}

// GenerateObituary names the successor of r. A relay that said goodbye
// keeps the successor of its goodbye message while that one is alive.
func (s *RelayState) GenerateObituary(d *Data, r *Relay, reason Status) (*Obituary, error) {
	successor, err := s.AssignSuccessor(r)
	if err != nil {
		return nil, err
	}
	return &Obituary{
		DeadRelayNumber: r.Number,
		RelayStateHash:  s.Hash(),
		Reason:          reason,
		InGoodStanding:  reason == SaidGoodbye && s.LatestRelayNumber > r.Number+GoodStandingAge,
		SuccessorNumber: successor,
	}, nil
}

// ProcessObituary marks the relay as dead. Unless it said goodbye, its
// key quarter holders now have to send recovery messages.
func (s *RelayState) ProcessObituary(d *Data, ob *Obituary) error {
	r := s.GetRelayByNumber(ob.DeadRelayNumber)
	if r == nil {
		return stateError("obituary of unknown relay %d", ob.DeadRelayNumber)
	}
	r.Hashes.ObituaryHash = HashOf(ob)
	r.Status = ob.Reason
	r.CurrentSuccessorNumber = ob.SuccessorNumber
	if ob.Reason != SaidGoodbye {
		s.taskQuarterHoldersWithObituary(r)
	}
	return nil
}

func (s *RelayState) taskQuarterHoldersWithObituary(r *Relay) {
	for _, n := range r.Holders.KeyQuarterHolders {
		if holder := s.GetRelayByNumber(n); holder != nil && !containsHash(holder.Tasks, r.Hashes.ObituaryHash) {
			holder.Tasks = append(holder.Tasks, r.Hashes.ObituaryHash)
		}
	}
}

// reassignSuccessorsOf gives a new successor to every dead relay that was
// waiting for dead to take over its duties. The quarter holders of those
// relays have to send their recovery messages again, to the new
// successor.
func (s *RelayState) reassignSuccessorsOf(d *Data, dead *Relay) {
	for _, r := range s.Relays {
		if r == dead || !r.IsDead() || r.HasExited() || r.CurrentSuccessorNumber != dead.Number {
			continue
		}
		r.PreviousSuccessors = append(r.PreviousSuccessors, dead.Number)
		successor, err := s.AssignSuccessor(r)
		if err != nil {
			log.Warnf("relay %d lost its successor %d: %v", r.Number, dead.Number, err)
			r.CurrentSuccessorNumber = 0
			continue
		}
		r.CurrentSuccessorNumber = successor
		log.Lvlf2("relay %d: successor %d died, %d takes over", r.Number, dead.Number, successor)
		if r.Status != SaidGoodbye {
			s.taskQuarterHoldersWithObituary(r)
		}
	}
}

// RecordRelayDeath is where every death goes through. A relay only dies
// once.
func (s *RelayState) RecordRelayDeath(d *Data, r *Relay, reason Status) error {
	if r.IsDead() {
		return nil
	}
	s.deaths++
	if s.MaxDeathCascade > 0 && s.deaths > s.MaxDeathCascade {
		return stateError("more than %d deaths in a row", s.MaxDeathCascade)
	}
	ob, err := s.GenerateObituary(d, r, reason)
	if err != nil {
		return err
	}
	if _, err := d.Messages.Store(ob); err != nil {
		return stateError("storing obituary: %v", err)
	}
	log.Lvlf2("relay %d died: %s, successor %d", r.Number, reason, ob.SuccessorNumber)
	if err := s.ProcessObituary(d, ob); err != nil {
		return err
	}
	s.reassignSuccessorsOf(d, r)
	return nil
}

// ProcessGoodbyeMessage records the goodbye.
func (s *RelayState) ProcessGoodbyeMessage(d *Data, gb *GoodbyeMessage) error {
	r := s.GetRelayByNumber(gb.DeadRelayNumber)
	if r == nil {
		return stateError("goodbye from unknown relay %d", gb.DeadRelayNumber)
	}
	r.Hashes.GoodbyeMessageHash = HashOf(gb)
	r.CurrentSuccessorNumber = gb.SuccessorNumber
	return nil
}

// ProcessGoodbyeComplaint kills the relay that said goodbye with a bad
// secret.
func (s *RelayState) ProcessGoodbyeComplaint(d *Data, c *GoodbyeComplaint) error {
	r := c.GetSecretSender(d)
	if r == nil {
		return stateError("goodbye complaint about unknown relay")
	}
	r.Hashes.GoodbyeComplaintHashes = append(r.Hashes.GoodbyeComplaintHashes, HashOf(c))
	return s.RecordRelayDeath(d, r, Misbehaved)
}

// ProcessSecretRecoveryMessage records the recovery message. The fourth
// one sent to the same successor gives it the task to recover the
// secrets.
func (s *RelayState) ProcessSecretRecoveryMessage(d *Data, rm *SecretRecoveryMessage) error {
	dead := s.GetRelayByNumber(rm.DeadRelayNumber)
	holder := s.GetRelayByNumber(rm.QuarterHolderNumber)
	successor := s.GetRelayByNumber(rm.SuccessorNumber)
	if dead == nil || holder == nil || successor == nil {
		return stateError("secret recovery message refers to non-existent relay")
	}
	h := HashOf(rm)
	holder.Tasks = eraseHash(holder.Tasks, rm.ObituaryHash)
	dead.Hashes.SecretRecoveryMessageHashes = append(dead.Hashes.SecretRecoveryMessageHashes, h)
	if len(dead.SecretRecoveryMessageHashesFor(d.Messages, successor.Number)) == 4 {
		successor.Tasks = append(successor.Tasks, h)
	}
	return nil
}

// ProcessSecretRecoveryComplaint kills the quarter holder that sent the
// bad recovery message and drops that message. Its successor inherits
// the task of sending it again.
func (s *RelayState) ProcessSecretRecoveryComplaint(d *Data, c *SecretRecoveryComplaint) error {
	holder := c.GetSecretSender(d)
	dead := c.GetDeadRelay(d)
	if holder == nil || dead == nil {
		return stateError("secret recovery complaint refers to non-existent relay")
	}
	rm, err := d.Messages.GetSecretRecoveryMessage(c.SecretRecoveryMessageHash)
	if err != nil {
		return stateError("%v", err)
	}
	holder.Tasks = append(holder.Tasks, rm.ObituaryHash)
	if err := s.RecordRelayDeath(d, holder, Misbehaved); err != nil {
		return err
	}
	dead.Hashes.SecretRecoveryComplaintHashes = append(dead.Hashes.SecretRecoveryComplaintHashes, HashOf(c))
	dead.Hashes.SecretRecoveryMessageHashes = eraseHash(dead.Hashes.SecretRecoveryMessageHashes,
		c.SecretRecoveryMessageHash)
	return nil
}

// ProcessSecretRecoveryFailureMessage gives every quarter holder the task
// to send an audit.
func (s *RelayState) ProcessSecretRecoveryFailureMessage(d *Data, f *SecretRecoveryFailureMessage) error {
	dead := f.GetDeadRelay(d)
	if dead == nil {
		return stateError("failure message about unknown relay %d", f.DeadRelayNumber)
	}
	h := HashOf(f)
	dead.Hashes.SecretRecoveryFailureMessageHashes = append(dead.Hashes.SecretRecoveryFailureMessageHashes, h)
	for _, holder := range f.GetQuarterHolders(d) {
		if !containsHash(holder.Tasks, h) {
			holder.Tasks = append(holder.Tasks, h)
		}
	}
	return nil
}

// ProcessRecoveryFailureAuditMessage records the audit and, once all four
// audits are in, finds out whether the successor or the key sharer lied.
// An auditor revealing a wrong key quarter is to blame itself.
func (s *RelayState) ProcessRecoveryFailureAuditMessage(d *Data, a *RecoveryFailureAuditMessage) error {
	dead := a.GetDeadRelay(d)
	holder := s.GetRelayByNumber(a.QuarterHolderNumber)
	if dead == nil || holder == nil {
		return stateError("audit refers to non-existent relay")
	}
	dead.Hashes.RecoveryFailureAuditMessageHashes = append(dead.Hashes.RecoveryFailureAuditMessageHashes, HashOf(a))
	holder.Tasks = eraseHash(holder.Tasks, a.FailureMessageHash)

	if !a.ContainsCorrectData(d) {
		if err := d.Messages.SetFlag(a.FailureMessageHash, FlagBadQuarterHolderFound); err != nil {
			return stateError("%v", err)
		}
		return s.RecordRelayDeath(d, holder, Misbehaved)
	}
	audits := s.auditsOfFailure(d, dead, a.FailureMessageHash)
	if len(audits) == 4 && !d.Messages.Flag(a.FailureMessageHash, FlagBadQuarterHolderFound) {
		return s.determineWrongdoer(d, a.FailureMessageHash, audits)
	}
	return nil
}

func (s *RelayState) auditsOfFailure(d *Data, dead *Relay, failureHash Hash) []*RecoveryFailureAuditMessage {
	var out []*RecoveryFailureAuditMessage
	for _, h := range dead.Hashes.RecoveryFailureAuditMessageHashes {
		msg, err := d.Messages.Get(h)
		if err != nil {
			continue
		}
		if a, ok := msg.(*RecoveryFailureAuditMessage); ok && a.FailureMessageHash == failureHash {
			out = append(out, a)
		}
	}
	return out
}

func (s *RelayState) determineWrongdoer(d *Data, failureHash Hash, audits []*RecoveryFailureAuditMessage) error {
	failure, err := d.Messages.GetSecretRecoveryFailureMessage(failureHash)
	if err != nil {
		return stateError("%v", err)
	}
	p, err := failure.GetKeySixteenth(d)
	if err != nil {
		return stateError("%v", err)
	}
	sum := d.Suite.Point().Null()
	for _, a := range audits {
		sum.Add(sum, d.Suite.Point().Mul(a.PrivateReceivingKeyQuarter, p))
	}
	if !sum.Equal(failure.SumOfDecryptedSharedSecretQuarters) {
		successor := s.GetRelayByNumber(failure.SuccessorNumber)
		if successor == nil {
			return stateError("unknown successor %d", failure.SuccessorNumber)
		}
		log.Lvl2("successor", successor.Number, "lied about the sum of the shared secret quarters")
		return s.RecordRelayDeath(d, successor, Misbehaved)
	}
	sharer := failure.GetKeySharer(d)
	if sharer == nil {
		return stateError("unknown key sharer")
	}
	log.Lvl2("key sharer", sharer.Number, "sent a bad key sixteenth")
	return s.RecordRelayDeath(d, sharer, Misbehaved)
}

// ProcessDurationWithoutResponse applies the consequence of a deadline
// passing after the referenced message.
func (s *RelayState) ProcessDurationWithoutResponse(d *Data, dur *DurationWithoutResponse) error {
	msg, err := d.Messages.Get(dur.MessageHash)
	if err != nil {
		return stateError("%v", err)
	}
	if err := d.Messages.SetFlag(dur.MessageHash, FlagDurationElapsed); err != nil {
		return stateError("%v", err)
	}
	switch m := msg.(type) {
	case *KeyDistributionMessage:
		r := s.GetRelayByJoinHash(m.RelayJoinHash)
		if r == nil || r.IsDead() {
			return stateError("non-existent or dead relay")
		}
		r.KeyDistributionMessageAccepted = true
		return nil
	case *GoodbyeMessage:
		successor := s.GetRelayByNumber(m.SuccessorNumber)
		if successor == nil {
			return stateError("unknown successor %d", m.SuccessorNumber)
		}
		return s.RecordRelayDeath(d, successor, NotResponding)
	case *SecretRecoveryMessage:
		successor := s.GetRelayByNumber(m.SuccessorNumber)
		if successor == nil {
			return stateError("unknown successor %d", m.SuccessorNumber)
		}
		return s.RecordRelayDeath(d, successor, NotResponding)
	}
	return stateError("no deadline after a %s", msg.Type())
}

// ProcessDurationWithoutResponseFromRelay kills the relay that didn't
// respond to an obituary or a failure message.
func (s *RelayState) ProcessDurationWithoutResponseFromRelay(d *Data, dur *DurationWithoutResponseFromRelay) error {
	switch d.Messages.Type(dur.MessageHash) {
	case TypeObituary, TypeSecretRecoveryFailure:
	default:
		return stateError("no deadline for relays after a %q", d.Messages.Type(dur.MessageHash))
	}
	r := s.GetRelayByNumber(dur.RelayNumber)
	if r == nil {
		return stateError("unknown relay %d", dur.RelayNumber)
	}
	return s.RecordRelayDeath(d, r, NotResponding)
}

// ProcessSuccessionCompletedMessage ends the succession: the dead relay
// exits and its successor takes over its tasks.
func (s *RelayState) ProcessSuccessionCompletedMessage(d *Data, sc *SuccessionCompletedMessage) error {
	dead := s.GetRelayByNumber(sc.DeadRelayNumber)
	successor := s.GetRelayByNumber(sc.SuccessorNumber)
	if dead == nil || successor == nil {
		return stateError("succession completed refers to non-existent relay")
	}
	successor.Hashes.SuccessionCompletedMessageHashes = append(successor.Hashes.SuccessionCompletedMessageHashes,
		HashOf(sc))
	if len(sc.RecoveryMessageHashes) == 0 {
		if err := s.RecordRelayDeath(d, dead, SaidGoodbye); err != nil {
			return err
		}
	}
	exit := s.GenerateRelayExit(d, dead)
	if _, err := d.Messages.Store(exit); err != nil {
		return stateError("storing relay exit: %v", err)
	}
	return s.ProcessRelayExit(d, exit)
}

// GenerateRelayExit returns the exit of a dead relay to its current
// successor.
func (s *RelayState) GenerateRelayExit(d *Data, r *Relay) *RelayExit {
	return &RelayExit{
		ObituaryHash:                r.Hashes.ObituaryHash,
		SuccessorNumber:             r.CurrentSuccessorNumber,
		SecretRecoveryMessageHashes: r.SecretRecoveryMessageHashesFor(d.Messages, r.CurrentSuccessorNumber),
	}
}

// ProcessRelayExit hands the tasks of the dead relay to its successor,
// which also replaces it as key quarter holder everywhere. The dead relay
// is removed, or kept as a tombstone if RemoveDeadRelays is false.
func (s *RelayState) ProcessRelayExit(d *Data, exit *RelayExit) error {
	ob, err := d.Messages.GetObituary(exit.ObituaryHash)
	if err != nil {
		return stateError("no record of obituary specified in relay exit")
	}
	dead := s.GetRelayByNumber(ob.DeadRelayNumber)
	successor := s.GetRelayByNumber(exit.SuccessorNumber)
	if dead == nil || successor == nil {
		return stateError("relay exit refers to non-existent relay")
	}
	if dead.HasExited() {
		return stateError("relay %d already exited", dead.Number)
	}
	if dead.CurrentSuccessorNumber != successor.Number {
		return stateError("relay %d is not the successor of relay %d", successor.Number, dead.Number)
	}
	dead.Hashes.RelayExitHash = HashOf(exit)
	successor.Tasks = append(successor.Tasks, dead.Tasks...)
	dead.Tasks = nil

	var kept []*Relay
	for _, r := range s.Relays {
		if r.Number == dead.Number && s.RemoveDeadRelays {
			continue
		}
		for i, n := range r.Holders.KeyQuarterHolders {
			if n == dead.Number {
				r.Holders.KeyQuarterHolders[i] = successor.Number
			}
		}
		kept = append(kept, r)
	}
	s.Relays = kept
	s.invalidateMaps()
	log.Lvl2("relay", dead.Number, "exited, successor", successor.Number)
	return nil
}
