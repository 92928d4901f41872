// Package handler validates and applies the relay messages of a node:
// admission of relays and their key distribution, then the succession of
// the relays that die or leave. One mutex serialises the messages and the
// scheduled checks.
package handler

import (
	"sync"
	"time"

	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody"
	"go.dedis.ch/relaycustody/relay"
	"go.dedis.ch/relaycustody/scheduler"
	"golang.org/x/xerrors"
)

// Mode selects what the handler does besides updating the directory.
type Mode int

const (
	// Live is a node taking part in the protocol: it encodes, broadcasts,
	// schedules checks and acts for the relays whose keys it holds.
	Live Mode = 1
	// BlockValidation only replays the messages found in blocks.
	BlockValidation Mode = 2
)

// DefaultResponseWaitTime is how long a relay has to respond to a message
// before the scheduled check blames it.
const DefaultResponseWaitTime = 8 * time.Second

// Types of the scheduled checks. The payload is the hash of the message
// the check is about.
const (
	TaskKeyDistribution       = "key_distribution"
	TaskObituary              = "obituary"
	TaskSecretRecoveryFailure = "secret_recovery_failure"
	TaskGoodbye               = "goodbye"
	TaskSecretRecovery        = "secret_recovery"
)

type dispatch struct {
	validate func(relay.Message) error
	accept   func(relay.Message) error
}

// RelayMessageHandler dispatches relay messages to the admission and
// succession handlers.
type RelayMessageHandler struct {
	sync.Mutex
	Data             *relay.Data
	Mode             Mode
	Chain            Chain
	Broadcaster      Broadcaster
	Scheduler        *scheduler.Scheduler
	Metrics          *Metrics
	ResponseWaitTime time.Duration

	Admission  *AdmissionHandler
	Succession *SuccessionHandler
	table      map[string]dispatch
}

// New returns a handler working on d. The scheduled checks are registered
// with sched, which may be nil in BlockValidation mode.
func New(d *relay.Data, mode Mode, chain Chain, b Broadcaster, sched *scheduler.Scheduler) *RelayMessageHandler {
	h := &RelayMessageHandler{
		Data:             d,
		Mode:             mode,
		Chain:            chain,
		Broadcaster:      b,
		Scheduler:        sched,
		Metrics:          NewMetrics(nil),
		ResponseWaitTime: DefaultResponseWaitTime,
	}
	h.Admission = &AdmissionHandler{h}
	h.Succession = &SuccessionHandler{h: h, seen: make(map[relay.Hash]uint64)}
	h.buildTable()
	if sched != nil {
		sched.Register(TaskKeyDistribution, h.task(h.Admission.HandleKeyDistributionMessageAfterDuration))
		sched.Register(TaskObituary, h.task(h.Succession.HandleObituaryAfterDuration))
		sched.Register(TaskSecretRecovery, h.task(h.Succession.HandleSecretRecoveryMessageAfterDuration))
		sched.Register(TaskSecretRecoveryFailure, h.task(h.Succession.HandleSecretRecoveryFailureMessageAfterDuration))
		sched.Register(TaskGoodbye, h.task(h.Succession.HandleGoodbyeMessageAfterDuration))
	}
	return h
}

func (h *RelayMessageHandler) buildTable() {
	a, s := h.Admission, h.Succession
	h.table = map[string]dispatch{
		relay.TypeRelayJoin: {
			func(m relay.Message) error { return a.ValidateRelayJoinMessage(m.(*relay.RelayJoinMessage)) },
			func(m relay.Message) error { return a.AcceptRelayJoinMessage(m.(*relay.RelayJoinMessage)) },
		},
		relay.TypeKeyDistribution: {
			func(m relay.Message) error { return a.ValidateKeyDistributionMessage(m.(*relay.KeyDistributionMessage)) },
			func(m relay.Message) error { return a.AcceptKeyDistributionMessage(m.(*relay.KeyDistributionMessage)) },
		},
		relay.TypeKeyDistributionComplaint: {
			func(m relay.Message) error {
				return a.ValidateKeyDistributionComplaint(m.(*relay.KeyDistributionComplaint))
			},
			func(m relay.Message) error { return a.AcceptKeyDistributionComplaint(m.(*relay.KeyDistributionComplaint)) },
		},
		relay.TypeSecretRecovery: {
			func(m relay.Message) error { return s.ValidateSecretRecoveryMessage(m.(*relay.SecretRecoveryMessage)) },
			func(m relay.Message) error { return s.AcceptSecretRecoveryMessage(m.(*relay.SecretRecoveryMessage)) },
		},
		relay.TypeSecretRecoveryComplaint: {
			func(m relay.Message) error {
				return s.ValidateSecretRecoveryComplaint(m.(*relay.SecretRecoveryComplaint))
			},
			func(m relay.Message) error { return s.AcceptSecretRecoveryComplaint(m.(*relay.SecretRecoveryComplaint)) },
		},
		relay.TypeSecretRecoveryFailure: {
			func(m relay.Message) error {
				return s.ValidateSecretRecoveryFailureMessage(m.(*relay.SecretRecoveryFailureMessage))
			},
			func(m relay.Message) error {
				return s.AcceptSecretRecoveryFailureMessage(m.(*relay.SecretRecoveryFailureMessage))
			},
		},
		relay.TypeRecoveryFailureAudit: {
			func(m relay.Message) error {
				return s.ValidateRecoveryFailureAuditMessage(m.(*relay.RecoveryFailureAuditMessage))
			},
			func(m relay.Message) error {
				return s.AcceptRecoveryFailureAuditMessage(m.(*relay.RecoveryFailureAuditMessage))
			},
		},
		relay.TypeGoodbye: {
			func(m relay.Message) error { return s.ValidateGoodbyeMessage(m.(*relay.GoodbyeMessage)) },
			func(m relay.Message) error { return s.AcceptGoodbyeMessage(m.(*relay.GoodbyeMessage)) },
		},
		relay.TypeGoodbyeComplaint: {
			func(m relay.Message) error { return s.ValidateGoodbyeComplaint(m.(*relay.GoodbyeComplaint)) },
			func(m relay.Message) error { return s.AcceptGoodbyeComplaint(m.(*relay.GoodbyeComplaint)) },
		},
		relay.TypeSuccessionCompleted: {
			func(m relay.Message) error {
				return s.ValidateSuccessionCompletedMessage(m.(*relay.SuccessionCompletedMessage))
			},
			func(m relay.Message) error {
				return s.AcceptSuccessionCompletedMessage(m.(*relay.SuccessionCompletedMessage))
			},
		},
		relay.TypeDurationWithoutResponse: {
			func(m relay.Message) error {
				return h.ValidateDurationWithoutResponse(m.(*relay.DurationWithoutResponse))
			},
			func(m relay.Message) error {
				return h.AcceptDurationWithoutResponse(m.(*relay.DurationWithoutResponse))
			},
		},
		relay.TypeDurationWithoutResponseFromRelay: {
			func(m relay.Message) error {
				return h.ValidateDurationWithoutResponseFromRelay(m.(*relay.DurationWithoutResponseFromRelay))
			},
			func(m relay.Message) error {
				return h.AcceptDurationWithoutResponseFromRelay(m.(*relay.DurationWithoutResponseFromRelay))
			},
		},
	}
}

// Handle validates msg and, if it is valid, applies it. A message that
// fails validation, or whose application would break the directory, is
// marked as rejected and the directory is left as it was.
func (h *RelayMessageHandler) Handle(msg relay.Message) error {
	h.Lock()
	defer h.Unlock()
	h.Data.State.ResetDeathCascade()
	return h.handle(msg)
}

func (h *RelayMessageHandler) handle(msg relay.Message) error {
	entry, ok := h.table[msg.Type()]
	if !ok {
		return xerrors.Errorf("no handler for %q messages", msg.Type())
	}
	hash, err := relay.MessageHash(msg)
	if err != nil {
		return xerrors.Errorf("hashing %s: %v", msg.Type(), err)
	}
	if h.Data.Messages.IsRejected(hash) {
		return xerrors.Errorf("%s %v was rejected before", msg.Type(), hash)
	}
	if h.Data.Messages.Has(hash) {
		log.Lvl3("already handled", msg.Type(), hash)
		return nil
	}
	if err := entry.validate(msg); err != nil {
		h.RejectMessage(msg, hash)
		return xerrors.Errorf("invalid %s: %v", msg.Type(), err)
	}

	snapshot := h.Data.State.Clone()
	seen := h.Succession.cloneSeen()
	mark := h.Data.Messages.Checkpoint()
	if err := entry.accept(msg); err != nil {
		h.Data.State = snapshot
		h.Succession.seen = seen
		if rbErr := h.Data.Messages.RollBack(mark); rbErr != nil {
			log.Error("couldn't roll back the message store:", rbErr)
		}
		h.RejectMessage(msg, hash)
		var stateErr *relay.RelayStateError
		if xerrors.As(err, &stateErr) {
			log.Errorf("%s %v would break the directory: %v", msg.Type(), hash, err)
		}
		return xerrors.Errorf("accepting %s: %v", msg.Type(), err)
	}
	h.Data.Messages.Release(mark)
	h.Metrics.Handled.WithLabelValues(msg.Type()).Inc()
	log.Lvl3("handled", msg.Type(), hash)
	return nil
}

// RejectMessage marks the message as rejected, so it won't be handled
// again.
func (h *RelayMessageHandler) RejectMessage(msg relay.Message, hash relay.Hash) {
	if h.Mode == Live {
		log.Warn("rejecting", msg.Type(), hash)
	} else {
		log.Lvl2("rejecting", msg.Type(), hash)
	}
	h.Metrics.Rejected.WithLabelValues(msg.Type()).Inc()
	if err := h.Data.Messages.Reject(hash); err != nil {
		log.Error("couldn't mark message as rejected:", err)
	}
}

// emit handles a message created for a local relay, and broadcasts it if
// it was accepted.
func (h *RelayMessageHandler) emit(msg relay.Message) error {
	if err := h.handle(msg); err != nil {
		return err
	}
	h.broadcast(msg)
	return nil
}

func (h *RelayMessageHandler) live() bool {
	return h.Mode == Live
}

// EncodeInChainIfLive passes the message on to be encoded in the next
// block.
func (h *RelayMessageHandler) EncodeInChainIfLive(hash relay.Hash) {
	if h.live() && h.Chain != nil {
		h.Chain.EncodeInChain(hash)
	}
}

func (h *RelayMessageHandler) broadcast(msg relay.Message) {
	if h.live() && h.Broadcaster != nil {
		h.Broadcaster.Broadcast(msg)
	}
}

func (h *RelayMessageHandler) now() time.Time {
	if h.Scheduler != nil {
		return h.Scheduler.Now()
	}
	return time.Now()
}

// schedule runs the check of taskType about the message once the response
// time is over.
func (h *RelayMessageHandler) schedule(taskType string, hash relay.Hash) {
	if !h.live() || h.Scheduler == nil {
		return
	}
	if err := h.Scheduler.Schedule(taskType, hash[:], h.now().Add(h.ResponseWaitTime)); err != nil {
		log.Error("couldn't schedule", taskType, ":", err)
		return
	}
	h.Metrics.Scheduled.WithLabelValues(taskType).Inc()
}

// isLocal is true for the relays whose private signing key this node
// holds.
func (h *RelayMessageHandler) isLocal(r *relay.Relay) bool {
	return r != nil && r.PublicSigningKey != nil && h.Data.Keys.Has(r.PublicSigningKey)
}

// task wraps a check so that it runs under the mutex, like a message.
func (h *RelayMessageHandler) task(fn func(relay.Hash) error) scheduler.Task {
	return func(payload []byte) error {
		var hash relay.Hash
		if len(payload) != len(hash) {
			return xerrors.Errorf("payload of %d bytes is not a hash", len(payload))
		}
		copy(hash[:], payload)
		h.Lock()
		defer h.Unlock()
		h.Data.State.ResetDeathCascade()
		return relaycustody.Wrapf(fn(hash), "check after %s", hash)
	}
}
