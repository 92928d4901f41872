package handler

import (
	"github.com/hashicorp/go-multierror"
	"go.dedis.ch/relaycustody/relay"
	"golang.org/x/xerrors"
)

// The checks run by the scheduler once the response time after a message
// is over. Each one looks at the directory as it is now, so a response
// that came in the meantime, or a succession that moved on, cancels the
// check.

// HandleObituaryAfterDuration blames the quarter holders that didn't send
// their recovery message.
func (s *SuccessionHandler) HandleObituaryAfterDuration(obituaryHash relay.Hash) error {
	var result *multierror.Error
	for _, n := range s.h.silentQuarterHolders(obituaryHash) {
		dur := &relay.DurationWithoutResponseFromRelay{MessageHash: obituaryHash, RelayNumber: n}
		if err := s.h.emit(dur); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// HandleSecretRecoveryMessageAfterDuration blames the successor that got
// four recovery messages and neither completed the succession nor
// complained.
func (s *SuccessionHandler) HandleSecretRecoveryMessageAfterDuration(recoveryHash relay.Hash) error {
	if s.h.successorIsLateAfterRecovery(recoveryHash) != nil {
		return nil
	}
	return s.h.emit(&relay.DurationWithoutResponse{MessageHash: recoveryHash})
}

// HandleSecretRecoveryFailureMessageAfterDuration blames the quarter
// holders that didn't send their audit.
func (s *SuccessionHandler) HandleSecretRecoveryFailureMessageAfterDuration(failureHash relay.Hash) error {
	var result *multierror.Error
	for _, n := range s.h.silentAuditors(failureHash) {
		dur := &relay.DurationWithoutResponseFromRelay{MessageHash: failureHash, RelayNumber: n}
		if err := s.h.emit(dur); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// HandleGoodbyeMessageAfterDuration blames the successor that neither
// completed the succession nor complained about the goodbye.
func (s *SuccessionHandler) HandleGoodbyeMessageAfterDuration(goodbyeHash relay.Hash) error {
	if s.h.successorIsLateAfterGoodbye(goodbyeHash) != nil {
		return nil
	}
	return s.h.emit(&relay.DurationWithoutResponse{MessageHash: goodbyeHash})
}

// ValidateDurationWithoutResponse checks that the response the attestation
// says is missing is still missing.
func (h *RelayMessageHandler) ValidateDurationWithoutResponse(dur *relay.DurationWithoutResponse) error {
	switch t := h.Data.Messages.Type(dur.MessageHash); t {
	case relay.TypeKeyDistribution:
		return h.keyDistributionIsUnchallenged(dur.MessageHash)
	case relay.TypeSecretRecovery:
		return h.successorIsLateAfterRecovery(dur.MessageHash)
	case relay.TypeGoodbye:
		return h.successorIsLateAfterGoodbye(dur.MessageHash)
	case "":
		return xerrors.New("unknown message")
	default:
		return xerrors.Errorf("no response expected after a %s", t)
	}
}

// ValidateDurationWithoutResponseFromRelay checks that the relay still
// owes its response.
func (h *RelayMessageHandler) ValidateDurationWithoutResponseFromRelay(dur *relay.DurationWithoutResponseFromRelay) error {
	var silent []uint64
	switch t := h.Data.Messages.Type(dur.MessageHash); t {
	case relay.TypeObituary:
		silent = h.silentQuarterHolders(dur.MessageHash)
	case relay.TypeSecretRecoveryFailure:
		silent = h.silentAuditors(dur.MessageHash)
	case "":
		return xerrors.New("unknown message")
	default:
		return xerrors.Errorf("no response expected from a relay after a %s", t)
	}
	for _, n := range silent {
		if n == dur.RelayNumber {
			return nil
		}
	}
	return xerrors.Errorf("relay %d owes no response", dur.RelayNumber)
}

// AcceptDurationWithoutResponse applies the consequence of the missing
// response.
func (h *RelayMessageHandler) AcceptDurationWithoutResponse(dur *relay.DurationWithoutResponse) error {
	d := h.Data
	hash, err := d.Messages.Store(dur)
	if err != nil {
		return err
	}
	if err := d.State.ProcessDurationWithoutResponse(d, dur); err != nil {
		return err
	}
	h.EncodeInChainIfLive(hash)
	return h.Succession.HandleNewlyDeadRelays()
}

// AcceptDurationWithoutResponseFromRelay kills the relay that didn't
// respond.
func (h *RelayMessageHandler) AcceptDurationWithoutResponseFromRelay(dur *relay.DurationWithoutResponseFromRelay) error {
	d := h.Data
	hash, err := d.Messages.Store(dur)
	if err != nil {
		return err
	}
	if err := d.State.ProcessDurationWithoutResponseFromRelay(d, dur); err != nil {
		return err
	}
	h.EncodeInChainIfLive(hash)
	return h.Succession.HandleNewlyDeadRelays()
}

func (h *RelayMessageHandler) keyDistributionIsUnchallenged(kdHash relay.Hash) error {
	d := h.Data
	if len(d.Messages.Responses(kdHash, relay.ResponseComplaints)) > 0 {
		return xerrors.New("key distribution was complained about")
	}
	kd, err := d.Messages.GetKeyDistributionMessage(kdHash)
	if err != nil {
		return err
	}
	r := d.State.GetRelayByNumber(kd.RelayNumber)
	if r == nil || r.IsDead() {
		return xerrors.New("relay is unknown or dead")
	}
	if r.KeyDistributionMessageAccepted {
		return xerrors.New("key distribution is already accepted")
	}
	return nil
}

// successorIsLateAfterRecovery returns nil if the successor got the four
// recovery messages, the given one among them, and did nothing.
func (h *RelayMessageHandler) successorIsLateAfterRecovery(recoveryHash relay.Hash) error {
	d := h.Data
	if len(d.Messages.Responses(recoveryHash, relay.ResponseComplaints)) > 0 {
		return xerrors.New("successor complained")
	}
	rm, err := d.Messages.GetSecretRecoveryMessage(recoveryHash)
	if err != nil {
		return err
	}
	dead := d.State.GetRelayByNumber(rm.DeadRelayNumber)
	if dead == nil {
		return xerrors.New("succession is over")
	}
	if dead.CurrentSuccessorNumber != rm.SuccessorNumber {
		return xerrors.New("successor was replaced")
	}
	attempt, err := d.State.SuccessionAttempt(d, dead.Number)
	if err != nil {
		return err
	}
	if !containsHash(attempt.RecoveryMessageHashes, recoveryHash) {
		return xerrors.New("recovery message was dropped")
	}
	if len(attempt.RecoveryMessageHashes) < 4 {
		return xerrors.New("successor is still waiting for recovery messages")
	}
	if len(attempt.FailureMessageHashes) > 0 {
		return xerrors.New("successor sent a failure message")
	}
	if attempt.State == relay.SuccessionCompleted {
		return xerrors.New("succession completed")
	}
	successor := d.State.GetRelayByNumber(rm.SuccessorNumber)
	if successor == nil || successor.IsDead() {
		return xerrors.New("successor is unknown or dead")
	}
	return nil
}

func (h *RelayMessageHandler) successorIsLateAfterGoodbye(goodbyeHash relay.Hash) error {
	d := h.Data
	if len(d.Messages.Responses(goodbyeHash, relay.ResponseComplaints)) > 0 {
		return xerrors.New("successor complained")
	}
	gb, err := d.Messages.GetGoodbyeMessage(goodbyeHash)
	if err != nil {
		return err
	}
	if h.goodbyeCompleted(goodbyeHash) {
		return xerrors.New("succession completed")
	}
	successor := d.State.GetRelayByNumber(gb.SuccessorNumber)
	if successor == nil || successor.IsDead() {
		return xerrors.New("successor is unknown or dead")
	}
	return nil
}

// silentQuarterHolders returns the live quarter holders of the dead relay
// that didn't send a recovery message to its current successor.
func (h *RelayMessageHandler) silentQuarterHolders(obituaryHash relay.Hash) []uint64 {
	d := h.Data
	ob, err := d.Messages.GetObituary(obituaryHash)
	if err != nil || ob.Reason == relay.SaidGoodbye {
		return nil
	}
	dead := d.State.GetRelayByNumber(ob.DeadRelayNumber)
	if dead == nil || dead.Hashes.ObituaryHash != obituaryHash || dead.CurrentSuccessorNumber == 0 ||
		h.successionCompleted(dead) {
		return nil
	}
	var out []uint64
	for _, n := range dead.Holders.KeyQuarterHolders {
		holder := d.State.GetRelayByNumber(n)
		if holder == nil || holder.IsDead() || h.sentRecoveryMessage(obituaryHash, n) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// silentAuditors returns the live quarter holders that didn't audit the
// failure.
func (h *RelayMessageHandler) silentAuditors(failureHash relay.Hash) []uint64 {
	d := h.Data
	f, err := d.Messages.GetSecretRecoveryFailureMessage(failureHash)
	if err != nil || f.GetDeadRelay(d) == nil {
		return nil
	}
	var out []uint64
	for _, holder := range f.GetQuarterHolders(d) {
		if holder.IsDead() || h.auditedBy(failureHash, holder.Number) {
			continue
		}
		out = append(out, holder.Number)
	}
	return out
}

// sentRecoveryMessage is true if holder sent its recovery message to the
// current successor of the dead relay.
func (h *RelayMessageHandler) sentRecoveryMessage(obituaryHash relay.Hash, holder uint64) bool {
	d := h.Data
	ob, err := d.Messages.GetObituary(obituaryHash)
	if err != nil {
		return false
	}
	dead := d.State.GetRelayByNumber(ob.DeadRelayNumber)
	if dead == nil {
		return false
	}
	for _, rh := range d.Messages.Responses(obituaryHash, relay.ResponseSecretRecoveryMessages) {
		rm, err := d.Messages.GetSecretRecoveryMessage(rh)
		if err == nil && rm.QuarterHolderNumber == holder && rm.SuccessorNumber == dead.CurrentSuccessorNumber {
			return true
		}
	}
	return false
}

func (h *RelayMessageHandler) auditedBy(failureHash relay.Hash, holder uint64) bool {
	for _, ah := range h.Data.Messages.Responses(failureHash, relay.ResponseAuditMessages) {
		msg, err := h.Data.Messages.Get(ah)
		if err != nil {
			continue
		}
		if a, ok := msg.(*relay.RecoveryFailureAuditMessage); ok && a.QuarterHolderNumber == holder {
			return true
		}
	}
	return false
}

func (h *RelayMessageHandler) successionCompleted(dead *relay.Relay) bool {
	if !dead.IsDead() {
		return false
	}
	attempt, err := h.Data.State.SuccessionAttempt(h.Data, dead.Number)
	return err == nil && attempt.State == relay.SuccessionCompleted
}

func (h *RelayMessageHandler) goodbyeCompleted(goodbyeHash relay.Hash) bool {
	d := h.Data
	gb, err := d.Messages.GetGoodbyeMessage(goodbyeHash)
	if err != nil {
		return false
	}
	successor := d.State.GetRelayByNumber(gb.SuccessorNumber)
	if successor == nil {
		return false
	}
	for _, sh := range successor.Hashes.SuccessionCompletedMessageHashes {
		msg, err := d.Messages.Get(sh)
		if err != nil {
			continue
		}
		if sc, ok := msg.(*relay.SuccessionCompletedMessage); ok && sc.GoodbyeMessageHash == goodbyeHash {
			return true
		}
	}
	return false
}

func containsHash(list []relay.Hash, h relay.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}
