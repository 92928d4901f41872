package handler

import (
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody/relay"
	"golang.org/x/xerrors"
)

// SuccessionHandler handles what follows the death of a relay: the
// recovery of its secrets by its successor, the complaints and audits
// when that goes wrong, and goodbyes.
type SuccessionHandler struct {
	h *RelayMessageHandler
	// successor of each obituary when HandleNewlyDeadRelays last looked
	seen map[relay.Hash]uint64
}

// HandleNewlyDeadRelays has the local quarter holders of every relay that
// died, or got a new successor, since the last call send their recovery
// messages. Relays that said goodbye gave their secrets to the successor
// themselves.
func (s *SuccessionHandler) HandleNewlyDeadRelays() error {
	d := s.h.Data
	for _, dead := range d.State.DeadRelays() {
		ob := dead.Hashes.ObituaryHash
		successor, known := s.seen[ob]
		if known && successor == dead.CurrentSuccessorNumber {
			continue
		}
		s.seen[ob] = dead.CurrentSuccessorNumber
		if !known {
			s.h.Metrics.Deaths.WithLabelValues(dead.Status.String()).Inc()
		} else {
			log.Lvlf2("relay %d has a new successor %d", dead.Number, dead.CurrentSuccessorNumber)
		}
		if dead.Status == relay.SaidGoodbye || dead.CurrentSuccessorNumber == 0 || dead.HasExited() || !s.h.live() {
			continue
		}
		s.h.schedule(TaskObituary, ob)
		for _, n := range copyNumbers(dead.Holders.KeyQuarterHolders) {
			holder := d.State.GetRelayByNumber(n)
			if holder == nil || holder.IsDead() || !s.h.isLocal(holder) || !hasTask(holder, ob) {
				continue
			}
			s.sendSecretRecoveryMessage(dead.Number, holder.Number)
		}
	}
	return nil
}

// sendSecretRecoveryMessage works on numbers, as the records may be
// replaced when a nested message is rolled back.
func (s *SuccessionHandler) sendSecretRecoveryMessage(deadNumber, holderNumber uint64) {
	d := s.h.Data
	dead := d.State.GetRelayByNumber(deadNumber)
	holder := d.State.GetRelayByNumber(holderNumber)
	if dead == nil || holder == nil {
		return
	}
	rm, err := relay.GenerateSecretRecoveryMessage(d, dead, holder)
	if err != nil {
		log.Errorf("relay %d can't send its recovery message for relay %d: %v", holderNumber, deadNumber, err)
		return
	}
	if err := s.h.emit(rm); err != nil {
		log.Error("secret recovery message:", err)
	}
}

// ValidateSecretRecoveryMessage checks the message against the obituary
// and the directory.
func (s *SuccessionHandler) ValidateSecretRecoveryMessage(rm *relay.SecretRecoveryMessage) error {
	if err := rm.IsValid(s.h.Data); err != nil {
		return err
	}
	return rm.VerifySignature(s.h.Data)
}

// AcceptSecretRecoveryMessage records the message. A local successor
// either complains about it or, with four messages, recovers the secrets.
func (s *SuccessionHandler) AcceptSecretRecoveryMessage(rm *relay.SecretRecoveryMessage) error {
	d := s.h.Data
	hash, err := d.Messages.Store(rm)
	if err != nil {
		return err
	}
	if err := d.Messages.RecordResponse(hash, rm.ObituaryHash, relay.ResponseSecretRecoveryMessages); err != nil {
		return err
	}
	if err := d.State.ProcessSecretRecoveryMessage(d, rm); err != nil {
		return err
	}
	if !s.h.live() {
		return nil
	}
	s.h.EncodeInChainIfLive(hash)
	s.h.schedule(TaskSecretRecovery, hash)

	if !s.h.isLocal(d.State.GetRelayByNumber(rm.SuccessorNumber)) {
		return nil
	}
	if sharer, position, found := rm.FirstUndecryptableSecret(d); found {
		log.Lvlf2("recovery message of relay %d has a bad secret at %d/%d", rm.QuarterHolderNumber, sharer, position)
		c, err := relay.GenerateSecretRecoveryComplaint(d, hash, sharer, position)
		if err != nil {
			log.Error("couldn't complain about recovery message:", err)
			return nil
		}
		if err := s.h.emit(c); err != nil {
			log.Error("secret recovery complaint:", err)
		}
		return nil
	}
	s.recoverSecrets(rm.DeadRelayNumber)
	return nil
}

// recoverSecrets lets the local successor recover the secrets of the dead
// relay once the four recovery messages are in.
func (s *SuccessionHandler) recoverSecrets(deadNumber uint64) {
	d := s.h.Data
	attempt, err := d.State.SuccessionAttempt(d, deadNumber)
	if err != nil || attempt.State != relay.SuccessionPending || len(attempt.RecoveryMessageHashes) != 4 {
		return
	}
	hashes := attempt.RecoveryMessageHashes
	failure, err := relay.RecoverSecrets(d, hashes)
	if err != nil {
		log.Errorf("recovering the secrets of relay %d: %v", deadNumber, err)
		return
	}
	var msg relay.Message
	if failure == nil {
		sc := &relay.SuccessionCompletedMessage{
			RecoveryMessageHashes: hashes,
			DeadRelayNumber:       deadNumber,
			SuccessorNumber:       attempt.SuccessorNumber,
		}
		if err := sc.Sign(d); err != nil {
			log.Error("signing succession completed:", err)
			return
		}
		msg = sc
	} else {
		log.Lvlf2("relay %d couldn't recover sixteenth %d/%d of relay %d", attempt.SuccessorNumber,
			failure.KeySharerPosition, failure.SharedSecretQuarterPosition, deadNumber)
		msg, err = relay.GenerateSecretRecoveryFailureMessage(d, hashes, failure)
		if err != nil {
			log.Error("failure message:", err)
			return
		}
	}
	if err := s.h.emit(msg); err != nil {
		log.Error(msg.Type(), ":", err)
	}
}

// ValidateSecretRecoveryComplaint checks that the successor complains
// rightly and in time.
func (s *SuccessionHandler) ValidateSecretRecoveryComplaint(c *relay.SecretRecoveryComplaint) error {
	if err := c.IsValid(s.h.Data); err != nil {
		return err
	}
	return c.VerifySignature(s.h.Data)
}

// AcceptSecretRecoveryComplaint kills the quarter holder that sent the bad
// recovery message.
func (s *SuccessionHandler) AcceptSecretRecoveryComplaint(c *relay.SecretRecoveryComplaint) error {
	d := s.h.Data
	hash, err := d.Messages.Store(c)
	if err != nil {
		return err
	}
	if err := d.State.ProcessSecretRecoveryComplaint(d, c); err != nil {
		return err
	}
	if err := d.Messages.RecordResponse(hash, c.SecretRecoveryMessageHash, relay.ResponseComplaints); err != nil {
		return err
	}
	s.h.EncodeInChainIfLive(hash)
	return s.HandleNewlyDeadRelays()
}

// ValidateSecretRecoveryFailureMessage checks the positions and the
// signature of the successor.
func (s *SuccessionHandler) ValidateSecretRecoveryFailureMessage(f *relay.SecretRecoveryFailureMessage) error {
	if err := f.IsValid(s.h.Data); err != nil {
		return err
	}
	return f.VerifySignature(s.h.Data)
}

// AcceptSecretRecoveryFailureMessage asks the quarter holders for audits.
func (s *SuccessionHandler) AcceptSecretRecoveryFailureMessage(f *relay.SecretRecoveryFailureMessage) error {
	d := s.h.Data
	hash, err := d.Messages.Store(f)
	if err != nil {
		return err
	}
	if err := d.Messages.RecordResponse(hash, f.ObituaryHash, relay.ResponseFailureMessages); err != nil {
		return err
	}
	s.h.EncodeInChainIfLive(hash)
	if err := d.State.ProcessSecretRecoveryFailureMessage(d, f); err != nil {
		return err
	}
	if !s.h.live() {
		return nil
	}
	s.h.schedule(TaskSecretRecoveryFailure, hash)
	var auditors []uint64
	for _, holder := range f.GetQuarterHolders(d) {
		if !holder.IsDead() && s.h.isLocal(holder) {
			auditors = append(auditors, holder.Number)
		}
	}
	for _, n := range auditors {
		holder := d.State.GetRelayByNumber(n)
		if holder == nil || holder.IsDead() {
			continue
		}
		audit, err := relay.GenerateRecoveryFailureAuditMessage(d, hash, holder)
		if err != nil {
			log.Errorf("relay %d can't audit: %v", n, err)
			continue
		}
		if err := s.h.emit(audit); err != nil {
			log.Error("audit:", err)
		}
	}
	return nil
}

// ValidateRecoveryFailureAuditMessage accepts one audit per quarter
// holder.
func (s *SuccessionHandler) ValidateRecoveryFailureAuditMessage(a *relay.RecoveryFailureAuditMessage) error {
	d := s.h.Data
	if err := a.IsValid(d); err != nil {
		return err
	}
	if err := a.VerifySignature(d); err != nil {
		return err
	}
	if s.h.auditedBy(a.FailureMessageHash, a.QuarterHolderNumber) {
		return xerrors.Errorf("relay %d already sent its audit", a.QuarterHolderNumber)
	}
	return nil
}

// AcceptRecoveryFailureAuditMessage records the audit. The fourth one
// decides who is to blame.
func (s *SuccessionHandler) AcceptRecoveryFailureAuditMessage(a *relay.RecoveryFailureAuditMessage) error {
	d := s.h.Data
	hash, err := d.Messages.Store(a)
	if err != nil {
		return err
	}
	if err := d.Messages.RecordResponse(hash, a.FailureMessageHash, relay.ResponseAuditMessages); err != nil {
		return err
	}
	if err := d.State.ProcessRecoveryFailureAuditMessage(d, a); err != nil {
		return err
	}
	s.h.EncodeInChainIfLive(hash)
	return s.HandleNewlyDeadRelays()
}

// SendGoodbyeMessage lets a local relay leave.
func (s *SuccessionHandler) SendGoodbyeMessage(r *relay.Relay) (*relay.GoodbyeMessage, error) {
	s.h.Lock()
	defer s.h.Unlock()
	s.h.Data.State.ResetDeathCascade()
	if !s.h.isLocal(r) {
		return nil, xerrors.Errorf("relay %d is not held locally", r.Number)
	}
	gb, err := r.GenerateGoodbyeMessage(s.h.Data)
	if err != nil {
		return nil, err
	}
	if err := s.h.emit(gb); err != nil {
		return nil, err
	}
	return gb, nil
}

// ValidateGoodbyeMessage checks the successor and the sharers.
func (s *SuccessionHandler) ValidateGoodbyeMessage(gb *relay.GoodbyeMessage) error {
	if err := gb.IsValid(s.h.Data); err != nil {
		return err
	}
	return gb.VerifySignature(s.h.Data)
}

// AcceptGoodbyeMessage records the goodbye. A local successor takes the
// secrets out of it and completes the succession, or complains.
func (s *SuccessionHandler) AcceptGoodbyeMessage(gb *relay.GoodbyeMessage) error {
	d := s.h.Data
	hash, err := d.Messages.Store(gb)
	if err != nil {
		return err
	}
	if err := d.State.ProcessGoodbyeMessage(d, gb); err != nil {
		return err
	}
	s.h.EncodeInChainIfLive(hash)
	s.h.schedule(TaskGoodbye, hash)

	if !s.h.live() || !s.h.isLocal(d.State.GetRelayByNumber(gb.SuccessorNumber)) {
		return nil
	}
	sharer, position, ok := gb.ExtractSecrets(d)
	var msg relay.Message
	if ok {
		sc := &relay.SuccessionCompletedMessage{
			GoodbyeMessageHash: hash,
			DeadRelayNumber:    gb.DeadRelayNumber,
			SuccessorNumber:    gb.SuccessorNumber,
		}
		if err := sc.Sign(d); err != nil {
			log.Error("signing succession completed:", err)
			return nil
		}
		msg = sc
	} else {
		log.Lvlf2("goodbye of relay %d has a bad secret at %d/%d", gb.DeadRelayNumber, sharer, position)
		msg, err = relay.GenerateGoodbyeComplaint(d, hash, sharer, position)
		if err != nil {
			log.Error("couldn't complain about goodbye:", err)
			return nil
		}
	}
	if err := s.h.emit(msg); err != nil {
		log.Error(msg.Type(), ":", err)
	}
	return nil
}

// ValidateGoodbyeComplaint checks that the successor complains rightly.
func (s *SuccessionHandler) ValidateGoodbyeComplaint(c *relay.GoodbyeComplaint) error {
	if err := c.IsValid(s.h.Data); err != nil {
		return err
	}
	return c.VerifySignature(s.h.Data)
}

// AcceptGoodbyeComplaint kills the relay that said goodbye with a bad
// secret. Its successor now has to recover the secrets.
func (s *SuccessionHandler) AcceptGoodbyeComplaint(c *relay.GoodbyeComplaint) error {
	d := s.h.Data
	hash, err := d.Messages.Store(c)
	if err != nil {
		return err
	}
	if err := d.State.ProcessGoodbyeComplaint(d, c); err != nil {
		return err
	}
	if err := d.Messages.RecordResponse(hash, c.GoodbyeMessageHash, relay.ResponseComplaints); err != nil {
		return err
	}
	s.h.EncodeInChainIfLive(hash)
	return s.HandleNewlyDeadRelays()
}

// ValidateSuccessionCompletedMessage checks that the successor is alive
// and completes the succession only once.
func (s *SuccessionHandler) ValidateSuccessionCompletedMessage(sc *relay.SuccessionCompletedMessage) error {
	d := s.h.Data
	if !sc.IsValid(d) {
		return xerrors.New("references don't match")
	}
	if err := sc.VerifySignature(d); err != nil {
		return err
	}
	successor := d.State.GetRelayByNumber(sc.SuccessorNumber)
	if successor == nil || successor.IsDead() {
		return xerrors.New("successor is unknown or dead")
	}
	dead := d.State.GetRelayByNumber(sc.DeadRelayNumber)
	if dead == nil {
		return xerrors.New("unknown dead relay")
	}
	if len(sc.RecoveryMessageHashes) == 0 {
		if len(dead.Hashes.GoodbyeComplaintHashes) > 0 {
			return xerrors.New("goodbye was complained about")
		}
		if s.h.goodbyeCompleted(sc.GoodbyeMessageHash) {
			return xerrors.New("succession already completed")
		}
		return nil
	}
	if s.h.successionCompleted(dead) {
		return xerrors.New("succession already completed")
	}
	return nil
}

// AcceptSuccessionCompletedMessage lets the dead relay exit. The successor
// then takes over its obligations.
func (s *SuccessionHandler) AcceptSuccessionCompletedMessage(sc *relay.SuccessionCompletedMessage) error {
	d := s.h.Data
	hash, err := d.Messages.Store(sc)
	if err != nil {
		return err
	}
	if err := d.State.ProcessSuccessionCompletedMessage(d, sc); err != nil {
		return err
	}
	s.h.EncodeInChainIfLive(hash)
	if err := s.HandleNewlyDeadRelays(); err != nil {
		return err
	}
	return s.PerformInheritedTasks()
}

func hasTask(r *relay.Relay, task relay.Hash) bool {
	for _, t := range r.Tasks {
		if t == task {
			return true
		}
	}
	return false
}

func copyNumbers(n []uint64) []uint64 {
	return append([]uint64{}, n...)
}

func (s *SuccessionHandler) cloneSeen() map[relay.Hash]uint64 {
	c := make(map[relay.Hash]uint64, len(s.seen))
	for k, v := range s.seen {
		c[k] = v
	}
	return c
}
