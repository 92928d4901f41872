package relay

// maxSelectionAttempts bounds the rehashing loops, which would otherwise
// spin forever on a directory without a suitable candidate.
const maxSelectionAttempts = 1 << 16

// ThereAreEnoughRelaysToAssignKeyPartHolders checks for three relays that
// joined later, out of at least 36 others.
func (s *RelayState) ThereAreEnoughRelaysToAssignKeyPartHolders(r *Relay) bool {
	return s.numberOfRelaysThatJoinedLaterThan(r) >= MinimumRelaysJoinedLater &&
		len(s.Relays)-1 >= MinimumOtherRelays
}

// AssignKeyPartHolders chooses the 4 key quarter holders and the two sets
// of 16 key sixteenth holders of r, deterministically from seed. It
// returns false if the directory is too small.
func (s *RelayState) AssignKeyPartHolders(r *Relay, seed Hash) (bool, error) {
	if !s.ThereAreEnoughRelaysToAssignKeyPartHolders(r) {
		return false, nil
	}
	r.Holders = Holders{}

	groups := []*[]uint64{
		&r.Holders.KeyQuarterHolders,
		&r.Holders.FirstSetOfKeySixteenthHolders,
		&r.Holders.SecondSetOfKeySixteenthHolders,
	}
	for _, group := range groups {
		n, err := s.keyPartHolderWhoJoinedLater(r, seed)
		if err != nil {
			return false, err
		}
		*group = append(*group, n)
	}

	tries := uint64(0)
	for len(r.Holders.KeyQuarterHolders) < 4 {
		if tries > maxSelectionAttempts {
			return false, stateError("couldn't find key quarter holders for relay %d", r.Number)
		}
		n, err := s.selectKeyHolderWhichIsntAlreadyBeingUsed(r, seed.Add(tries))
		tries++
		if err != nil {
			return false, err
		}
		if s.GetRelayByNumber(n).IsKeyQuarterHolder(r.Number) {
			continue
		}
		r.Holders.KeyQuarterHolders = append(r.Holders.KeyQuarterHolders, n)
	}

	for _, group := range groups[1:] {
		for len(*group) < KeyRows {
			n, err := s.selectKeyHolderWhichIsntAlreadyBeingUsed(r, seed)
			if err != nil {
				return false, err
			}
			*group = append(*group, n)
		}
	}
	return true, nil
}

func (s *RelayState) keyPartHolderWhoJoinedLater(r *Relay, seed Hash) (uint64, error) {
	for i := 0; i < maxSelectionAttempts; i++ {
		n, err := s.selectKeyHolderWhichIsntAlreadyBeingUsed(r, seed)
		if err != nil {
			return 0, err
		}
		if n > r.Number {
			return n, nil
		}
		seed = seed.Next()
	}
	return 0, stateError("no relay joined after relay %d", r.Number)
}

// selectKeyHolderWhichIsntAlreadyBeingUsed rehashes the seed until it
// points to a live relay other than r that holds no part of r's key yet.
func (s *RelayState) selectKeyHolderWhichIsntAlreadyBeingUsed(r *Relay, seed Hash) (uint64, error) {
	for i := 0; i < maxSelectionAttempts; i++ {
		seed = seed.Next()
		candidate := s.Relays[seed.Mod(uint64(len(s.Relays)))]
		if candidate.Number != r.Number && !candidate.IsDead() && !r.holdsAnyPart(candidate.Number) {
			return candidate.Number, nil
		}
	}
	return 0, stateError("no key part holder left for relay %d", r.Number)
}

// AssignSuccessor chooses who takes over the duties of r when it dies. A
// successor stays assigned for as long as it is alive; previous
// successors are never chosen again.
func (s *RelayState) AssignSuccessor(r *Relay) (uint64, error) {
	if r.CurrentSuccessorNumber != 0 {
		if current := s.GetRelayByNumber(r.CurrentSuccessorNumber); current != nil && !current.IsDead() {
			return current.Number, nil
		}
	}
	if len(s.Relays) < 2 {
		return 0, stateError("no relay to succeed relay %d", r.Number)
	}
	seed := r.SeedForDeterminingSuccessor()
	sharers := s.relaysWhoseKeyQuartersAreHeldBy(r.Number)
	for i := 0; i < maxSelectionAttempts; i++ {
		seed = seed.Next()
		candidate := s.Relays[seed.Mod(uint64(len(s.Relays)))]
		if s.successorIsSuitable(candidate, r, sharers) {
			return candidate.Number, nil
		}
	}
	return 0, stateError("no suitable successor for relay %d", r.Number)
}

// A successor must not learn more than one quarter of anybody's key: it
// can't be a quarter holder of r, nor hold quarters of the relays whose
// quarters r held.
func (s *RelayState) successorIsSuitable(candidate, r *Relay, sharers []uint64) bool {
	if candidate.Number == r.Number || candidate.IsDead() || containsNumber(r.PreviousSuccessors, candidate.Number) {
		return false
	}
	if r.IsKeyQuarterHolder(candidate.Number) || containsNumber(sharers, candidate.Number) {
		return false
	}
	for _, sharer := range sharers {
		if candidate.IsKeyQuarterHolder(sharer) {
			return false
		}
	}
	return true
}
