package handler

import (
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody/relay"
	"golang.org/x/xerrors"
)

// joinBatchWindow is how many batches old a mined credit message may be
// for a relay to join with it.
const joinBatchWindow = 3

// AdmissionHandler handles the joining of relays and the distribution of
// their keys.
type AdmissionHandler struct {
	h *RelayMessageHandler
}

// ValidateRelayJoinMessage checks the join against the mined credit
// message it comes with.
func (a *AdmissionHandler) ValidateRelayJoinMessage(msg *relay.RelayJoinMessage) error {
	d := a.h.Data
	if !msg.ValidateSizes() {
		return xerrors.New("wrong sizes")
	}
	if a.h.Chain == nil {
		return xerrors.New("no chain to check the mined credit message")
	}
	mc, ok := a.h.Chain.MinedCredit(msg.MinedCreditMessageHash)
	if !ok || !a.h.Chain.InMainChain(msg.MinedCreditMessageHash) {
		return xerrors.New("mined credit message is not in the main chain")
	}
	latest := a.h.Chain.LatestBatchNumber()
	if mc.BatchNumber > latest || mc.BatchNumber+joinBatchWindow < latest {
		return xerrors.Errorf("mined credit message of batch %d is too old or too new, latest is %d",
			mc.BatchNumber, latest)
	}
	if err := msg.VerifySignature(d.Suite, mc.PublicKey); err != nil {
		return err
	}
	if d.State.MinedCreditMessageHashIsAlreadyBeingUsed(msg.MinedCreditMessageHash) {
		return xerrors.New("mined credit message was already used")
	}
	return nil
}

// AcceptRelayJoinMessage adds the relay to the directory.
func (a *AdmissionHandler) AcceptRelayJoinMessage(msg *relay.RelayJoinMessage) error {
	d := a.h.Data
	hash, err := d.Messages.Store(msg)
	if err != nil {
		return err
	}
	if err := d.State.ProcessRelayJoinMessage(d, msg); err != nil {
		return err
	}
	a.h.EncodeInChainIfLive(hash)
	return nil
}

// SendKeyDistributionMessage lets a local relay distribute its key, with
// encodingHash seeding the choice of its key part holders.
func (a *AdmissionHandler) SendKeyDistributionMessage(r *relay.Relay, encodingHash relay.Hash) (*relay.KeyDistributionMessage, error) {
	a.h.Lock()
	defer a.h.Unlock()
	a.h.Data.State.ResetDeathCascade()
	if !a.h.isLocal(r) {
		return nil, xerrors.Errorf("relay %d is not held locally", r.Number)
	}
	// Generating assigns the holders, which has to be undone if the message
	// doesn't make it.
	snapshot := a.h.Data.State.Clone()
	kd, err := r.GenerateKeyDistributionMessage(a.h.Data, encodingHash)
	if err != nil {
		a.h.Data.State = snapshot
		return nil, err
	}
	if err := a.h.emit(kd); err != nil {
		a.h.Data.State = snapshot
		return nil, err
	}
	return kd, nil
}

// ValidateKeyDistributionMessage checks the message against the relay it
// comes from.
func (a *AdmissionHandler) ValidateKeyDistributionMessage(msg *relay.KeyDistributionMessage) error {
	d := a.h.Data
	if !msg.ValidateSizes() {
		return xerrors.New("wrong sizes")
	}
	r := d.State.GetRelayByJoinHash(msg.RelayJoinHash)
	if r == nil {
		return xerrors.New("unknown relay")
	}
	if !msg.VerifyRelayNumber(d) {
		return xerrors.Errorf("relay number should be %d", r.Number)
	}
	if err := msg.VerifySignature(d); err != nil {
		return err
	}
	if !r.Hashes.KeyDistributionMessageHash.IsZero() {
		return xerrors.New("relay already distributed its key")
	}
	return nil
}

// AcceptKeyDistributionMessage records the key distribution. The local
// recipients check their secrets and complain about the first bad one.
func (a *AdmissionHandler) AcceptKeyDistributionMessage(msg *relay.KeyDistributionMessage) error {
	d := a.h.Data
	if err := d.State.ProcessKeyDistributionMessage(d, msg); err != nil {
		return err
	}
	hash, err := d.Messages.Store(msg)
	if err != nil {
		return err
	}
	a.h.EncodeInChainIfLive(hash)
	set, position, bad := a.firstBadSecret(msg)
	if !a.h.live() {
		return nil
	}
	a.h.schedule(TaskKeyDistribution, hash)
	if !bad {
		return nil
	}
	log.Lvlf2("relay %d sent a bad secret in set %d at %d", msg.RelayNumber, set, position)
	complaint, err := relay.GenerateKeyDistributionComplaint(d, hash, set, position)
	if err != nil {
		log.Error("couldn't complain about key distribution:", err)
		return nil
	}
	if err := a.h.emit(complaint); err != nil {
		log.Error("key distribution complaint:", err)
	}
	return nil
}

// firstBadSecret decrypts the secrets sent to local relays and stores
// them. It returns the first secret that doesn't decrypt or whose row
// doesn't check out.
func (a *AdmissionHandler) firstBadSecret(msg *relay.KeyDistributionMessage) (uint32, uint32, bool) {
	d := a.h.Data
	sender := d.State.GetRelayByNumber(msg.RelayNumber)
	sixteenths := sender.PublicKeySixteenths()
	for set := relay.KeyQuarterSet; set <= relay.SecondKeySixteenthSet; set++ {
		recipients := d.State.KeyPartHolderList(sender, set)
		secrets := msg.EncryptedSecrets(set)
		for i, n := range recipients {
			recipient := d.State.GetRelayByNumber(n)
			if !a.h.isLocal(recipient) {
				continue
			}
			k := recipient.DecryptSecret(d.Suite, d.Keys, secrets[i], sixteenths[i])
			if k == nil || d.Keys.Add(sixteenths[i], k) != nil {
				return set, uint32(i), true
			}
			if !sender.PublicKeySet.VerifyRowOfGeneratedPoints(d.Suite, i, d.Keys) {
				return set, uint32(i), true
			}
		}
	}
	return 0, 0, false
}

// ValidateKeyDistributionComplaint checks that the complaint is
// well-founded and signed by the recipient.
func (a *AdmissionHandler) ValidateKeyDistributionComplaint(c *relay.KeyDistributionComplaint) error {
	d := a.h.Data
	if err := c.IsValid(d); err != nil {
		return err
	}
	return c.VerifySignature(d)
}

// AcceptKeyDistributionComplaint kills the relay that sent the bad
// secret.
func (a *AdmissionHandler) AcceptKeyDistributionComplaint(c *relay.KeyDistributionComplaint) error {
	d := a.h.Data
	hash, err := d.Messages.Store(c)
	if err != nil {
		return err
	}
	if err := d.State.ProcessKeyDistributionComplaint(d, c); err != nil {
		return err
	}
	if err := d.Messages.RecordResponse(hash, c.KeyDistributionMessageHash, relay.ResponseComplaints); err != nil {
		return err
	}
	a.h.EncodeInChainIfLive(hash)
	return a.h.Succession.HandleNewlyDeadRelays()
}

// HandleKeyDistributionMessageAfterDuration accepts the key distribution
// once nobody complained in time.
func (a *AdmissionHandler) HandleKeyDistributionMessageAfterDuration(hash relay.Hash) error {
	if a.h.keyDistributionIsUnchallenged(hash) != nil {
		return nil
	}
	return a.h.emit(&relay.DurationWithoutResponse{MessageHash: hash})
}
