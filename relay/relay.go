package relay

import (
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Status is how a relay stands in the directory. Anything but Alive is
// set by an obituary.
type Status uint32

const (
	// Alive is the status of every relay without an obituary.
	Alive Status = iota
	// SaidGoodbye is a voluntary exit.
	SaidGoodbye
	// NotResponding is set when a relay let a deadline pass.
	NotResponding
	// Misbehaved is set when a complaint or an audit found the relay lying.
	Misbehaved
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case SaidGoodbye:
		return "said_goodbye"
	case NotResponding:
		return "not_responding"
	case Misbehaved:
		return "misbehaved"
	}
	return "unknown"
}

// RelayHashes is the provenance trail of a relay. It only grows, apart from
// recovery messages that were successfully complained about.
type RelayHashes struct {
	JoinMessageHash            Hash
	MinedCreditMessageHash     Hash
	KeyDistributionMessageHash Hash
	GoodbyeMessageHash         Hash
	ObituaryHash               Hash
	RelayExitHash              Hash

	SecretRecoveryFailureMessageHashes []Hash
	KeyDistributionComplaintHashes     []Hash
	SecretRecoveryMessageHashes        []Hash
	SecretRecoveryComplaintHashes      []Hash
	RecoveryFailureAuditMessageHashes  []Hash
	GoodbyeComplaintHashes             []Hash
	SuccessionCompletedMessageHashes   []Hash
}

// Holders are the relay numbers keeping parts of a relay's private key.
type Holders struct {
	KeyQuarterHolders              []uint64
	FirstSetOfKeySixteenthHolders  []uint64
	SecondSetOfKeySixteenthHolders []uint64
}

// Relay is one entry of the directory.
type Relay struct {
	Number                         uint64
	Hashes                         RelayHashes
	PublicSigningKey               kyber.Point
	PublicKeySet                   PublicKeySet
	Holders                        Holders
	KeyDistributionMessageAccepted bool
	Tasks                          []Hash
	Status                         Status

	// CurrentSuccessorNumber is set by the goodbye or the obituary and
	// changes only when that successor dies before the relay exited.
	CurrentSuccessorNumber uint64
	PreviousSuccessors     []uint64
}

// Clone returns a deep copy. Points are never modified in place, so they
// are shared.
func (r *Relay) Clone() *Relay {
	c := *r
	c.Hashes.SecretRecoveryFailureMessageHashes = copyHashes(r.Hashes.SecretRecoveryFailureMessageHashes)
	c.Hashes.KeyDistributionComplaintHashes = copyHashes(r.Hashes.KeyDistributionComplaintHashes)
	c.Hashes.SecretRecoveryMessageHashes = copyHashes(r.Hashes.SecretRecoveryMessageHashes)
	c.Hashes.SecretRecoveryComplaintHashes = copyHashes(r.Hashes.SecretRecoveryComplaintHashes)
	c.Hashes.RecoveryFailureAuditMessageHashes = copyHashes(r.Hashes.RecoveryFailureAuditMessageHashes)
	c.Hashes.GoodbyeComplaintHashes = copyHashes(r.Hashes.GoodbyeComplaintHashes)
	c.Hashes.SuccessionCompletedMessageHashes = copyHashes(r.Hashes.SuccessionCompletedMessageHashes)
	c.Holders.KeyQuarterHolders = copyNumbers(r.Holders.KeyQuarterHolders)
	c.Holders.FirstSetOfKeySixteenthHolders = copyNumbers(r.Holders.FirstSetOfKeySixteenthHolders)
	c.Holders.SecondSetOfKeySixteenthHolders = copyNumbers(r.Holders.SecondSetOfKeySixteenthHolders)
	c.PublicKeySet = r.PublicKeySet.Clone()
	c.Tasks = copyHashes(r.Tasks)
	c.PreviousSuccessors = copyNumbers(r.PreviousSuccessors)
	return &c
}

// IsDead returns true once an obituary has been processed for the relay.
func (r *Relay) IsDead() bool {
	return !r.Hashes.ObituaryHash.IsZero()
}

// HasExited is true for the tombstone of a relay whose succession
// completed.
func (r *Relay) HasExited() bool {
	return !r.Hashes.RelayExitHash.IsZero()
}

// HasFourKeyQuarterHolders is true once holders have been assigned.
func (r *Relay) HasFourKeyQuarterHolders() bool {
	return len(r.Holders.KeyQuarterHolders) == 4
}

// PublicKeySixteenths returns the first point of every row of the key set.
func (r *Relay) PublicKeySixteenths() []kyber.Point {
	return r.PublicKeySet.Sixteenths()
}

// KeyQuarterPosition returns the position of number among the key quarter
// holders of r, or -1.
func (r *Relay) KeyQuarterPosition(number uint64) int {
	for i, n := range r.Holders.KeyQuarterHolders {
		if n == number {
			return i
		}
	}
	return -1
}

// IsKeyQuarterHolder is true if number holds one quarter of r's key.
func (r *Relay) IsKeyQuarterHolder(number uint64) bool {
	return r.KeyQuarterPosition(number) >= 0
}

func (r *Relay) holdsAnyPart(number uint64) bool {
	return containsNumber(r.Holders.KeyQuarterHolders, number) ||
		containsNumber(r.Holders.FirstSetOfKeySixteenthHolders, number) ||
		containsNumber(r.Holders.SecondSetOfKeySixteenthHolders, number)
}

// SeedForDeterminingSuccessor hashes the record as it was before anything
// related to the relay's death was added to it.
func (r *Relay) SeedForDeterminingSuccessor() Hash {
	c := r.Clone()
	c.Hashes.SecretRecoveryMessageHashes = nil
	c.Hashes.ObituaryHash = Hash{}
	c.Hashes.GoodbyeMessageHash = Hash{}
	c.Hashes.RelayExitHash = Hash{}
	c.CurrentSuccessorNumber = 0
	c.PreviousSuccessors = nil
	c.Tasks = nil
	c.Status = Alive
	buf, err := protobuf.Encode(c)
	if err != nil {
		log.Error("couldn't encode relay:", err)
	}
	return HashBytes(buf)
}

// PrivateSigningKey returns the sum of the private key sixteenths, which
// are all needed in keys.
func (r *Relay) PrivateSigningKey(keys *KeyStore) (kyber.Scalar, error) {
	var sum kyber.Scalar
	for i, p := range r.PublicKeySixteenths() {
		s, ok := keys.Get(p)
		if !ok {
			return nil, xerrors.Errorf("private key sixteenth %d of relay %d is unknown", i, r.Number)
		}
		if sum == nil {
			sum = s.Clone()
		} else {
			sum.Add(sum, s)
		}
	}
	if sum == nil {
		return nil, xerrors.Errorf("relay %d has no key set", r.Number)
	}
	return sum, nil
}

// KeyQuarterSharers returns the relays that have r as a key quarter holder.
func (r *Relay) KeyQuarterSharers(state *RelayState) []*Relay {
	return state.KeyQuarterSharers(r.Number)
}

// SuccessorNumber returns the current successor of a dead relay.
func (r *Relay) SuccessorNumber() (uint64, error) {
	if !r.IsDead() {
		return 0, xerrors.Errorf("relay %d has no obituary", r.Number)
	}
	if r.CurrentSuccessorNumber == 0 {
		return 0, xerrors.Errorf("relay %d has no successor left", r.Number)
	}
	return r.CurrentSuccessorNumber, nil
}

// SecretRecoveryMessageHashesFor returns the recovery messages about r
// that were sent to successor.
func (r *Relay) SecretRecoveryMessageHashesFor(messages *MessageStore, successor uint64) []Hash {
	var out []Hash
	for _, h := range r.Hashes.SecretRecoveryMessageHashes {
		if rm, err := messages.GetSecretRecoveryMessage(h); err == nil && rm.SuccessorNumber == successor {
			out = append(out, h)
		}
	}
	return out
}

func copyHashes(h []Hash) []Hash {
	if h == nil {
		return nil
	}
	return append([]Hash{}, h...)
}

func copyNumbers(n []uint64) []uint64 {
	if n == nil {
		return nil
	}
	return append([]uint64{}, n...)
}

func containsNumber(list []uint64, n uint64) bool {
	for _, l := range list {
		if l == n {
			return true
		}
	}
	return false
}
