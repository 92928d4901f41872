package relay

import (
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
)

const (
	// MinimumRelaysJoinedLater is how many relays must have joined after a
	// relay before its key part holders can be assigned.
	MinimumRelaysJoinedLater = 3
	// MinimumOtherRelays is how many other relays the directory must hold
	// before key part holders can be assigned.
	MinimumOtherRelays = 36
	// GoodStandingAge is how many relays must have joined after a relay for
	// its goodbye to be in good standing.
	GoodStandingAge = 1440
	// DefaultMaxDeathCascade bounds the deaths recorded while handling one
	// message.
	DefaultMaxDeathCascade = 64
)

// RelayState is the directory of relays. The relays are kept in joining
// order, the indices by number and join hash are rebuilt when needed.
type RelayState struct {
	Relays            []*Relay
	LatestRelayNumber uint64
	// RemoveDeadRelays removes a relay once its succession is completed,
	// else it stays as a tombstone.
	RemoveDeadRelays bool
	MaxDeathCascade  int

	byNumber        map[uint64]*Relay
	byJoinHash      map[Hash]*Relay
	mapsAreUpToDate bool
	deaths          int
}

type directorySnapshot struct {
	Relays            []*Relay
	LatestRelayNumber uint64
}

// NewRelayState returns an empty directory.
func NewRelayState() *RelayState {
	return &RelayState{
		RemoveDeadRelays: true,
		MaxDeathCascade:  DefaultMaxDeathCascade,
	}
}

// Clone returns a deep copy, used to roll back a failed update.
func (s *RelayState) Clone() *RelayState {
	c := &RelayState{
		LatestRelayNumber: s.LatestRelayNumber,
		RemoveDeadRelays:  s.RemoveDeadRelays,
		MaxDeathCascade:   s.MaxDeathCascade,
		deaths:            s.deaths,
	}
	for _, r := range s.Relays {
		c.Relays = append(c.Relays, r.Clone())
	}
	return c
}

// Hash returns the hash of all relays.
func (s *RelayState) Hash() Hash {
	buf, err := protobuf.Encode(&directorySnapshot{s.Relays, s.LatestRelayNumber})
	if err != nil {
		log.Error("couldn't encode directory:", err)
	}
	return HashBytes(buf)
}

// ResetDeathCascade starts a new count of deaths for MaxDeathCascade.
func (s *RelayState) ResetDeathCascade() {
	s.deaths = 0
}

func (s *RelayState) invalidateMaps() {
	s.mapsAreUpToDate = false
}

func (s *RelayState) ensureMapsAreUpToDate() {
	if s.mapsAreUpToDate {
		return
	}
	s.byNumber = make(map[uint64]*Relay, len(s.Relays))
	s.byJoinHash = make(map[Hash]*Relay, len(s.Relays))
	for _, r := range s.Relays {
		s.byNumber[r.Number] = r
		s.byJoinHash[r.Hashes.JoinMessageHash] = r
	}
	s.mapsAreUpToDate = true
}

// GetRelayByNumber returns the relay or nil.
func (s *RelayState) GetRelayByNumber(number uint64) *Relay {
	s.ensureMapsAreUpToDate()
	return s.byNumber[number]
}

// GetRelayByJoinHash returns the relay or nil.
func (s *RelayState) GetRelayByJoinHash(h Hash) *Relay {
	s.ensureMapsAreUpToDate()
	return s.byJoinHash[h]
}

// MinedCreditMessageHashIsAlreadyBeingUsed is true if a relay joined with
// that mined credit message.
func (s *RelayState) MinedCreditMessageHashIsAlreadyBeingUsed(h Hash) bool {
	for _, r := range s.Relays {
		if r.Hashes.MinedCreditMessageHash == h {
			return true
		}
	}
	return false
}

// DeadRelays returns the relays with an obituary that are still in the
// directory.
func (s *RelayState) DeadRelays() []*Relay {
	var out []*Relay
	for _, r := range s.Relays {
		if r.IsDead() {
			out = append(out, r)
		}
	}
	return out
}

// KeyQuarterSharers returns the relays that distributed their key and
// have number among their key quarter holders.
func (s *RelayState) KeyQuarterSharers(number uint64) []*Relay {
	var out []*Relay
	for _, r := range s.Relays {
		if r.IsKeyQuarterHolder(number) && !r.Hashes.KeyDistributionMessageHash.IsZero() {
			out = append(out, r)
		}
	}
	return out
}

func (s *RelayState) relaysWhoseKeyQuartersAreHeldBy(number uint64) []uint64 {
	var out []uint64
	for _, r := range s.Relays {
		if r.IsKeyQuarterHolder(number) {
			out = append(out, r.Number)
		}
	}
	return out
}

// KeyPartHolderList returns the recipients of the sixteen secrets of one
// set of a key distribution. Each quarter holder gets four.
func (s *RelayState) KeyPartHolderList(r *Relay, set uint32) []uint64 {
	switch set {
	case KeyQuarterSet:
		var out []uint64
		for _, n := range r.Holders.KeyQuarterHolders {
			out = append(out, n, n, n, n)
		}
		return out
	case FirstKeySixteenthSet:
		return copyNumbers(r.Holders.FirstSetOfKeySixteenthHolders)
	case SecondKeySixteenthSet:
		return copyNumbers(r.Holders.SecondSetOfKeySixteenthHolders)
	}
	return nil
}

func (s *RelayState) numberOfRelaysThatJoinedLaterThan(r *Relay) int {
	count := 0
	for _, other := range s.Relays {
		if other.Number > r.Number {
			count++
		}
	}
	return count
}
