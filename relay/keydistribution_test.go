package relay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyDistribution(t *testing.T) {
	d := newTestData(t)
	joinRelays(t, d, 40)
	r := d.State.Relays[0]

	kd := distributeKeys(t, d, r)
	require.True(t, kd.ValidateSizes())
	require.True(t, kd.VerifyRelayNumber(d))
	require.NoError(t, kd.VerifySignature(d))
	require.True(t, r.HasFourKeyQuarterHolders())
	require.Equal(t, HashOf(kd), r.Hashes.KeyDistributionMessageHash)
	require.IsType(t, &RelayStateError{}, d.State.ProcessKeyDistributionMessage(d, kd))

	for set := KeyQuarterSet; set <= SecondKeySixteenthSet; set++ {
		recipients := d.State.KeyPartHolderList(r, set)
		for i, p := range r.PublicKeySixteenths() {
			recipient := d.State.GetRelayByNumber(recipients[i])
			k := recipient.DecryptSecret(tSuite, d.Keys, kd.EncryptedSecrets(set)[i], p)
			require.NotNil(t, k, "set %d position %d", set, i)
		}
	}

	kd.RelayNumber = 2
	require.False(t, kd.VerifyRelayNumber(d))
}

func TestKeyDistributionComplaint(t *testing.T) {
	d := newTestData(t)
	joinRelays(t, d, 40)
	r := d.State.Relays[0]
	kd, err := r.GenerateKeyDistributionMessage(d, HashBytes([]byte("encoding")))
	require.NoError(t, err)
	kd.KeySixteenthsEncryptedForFirstSetOfKeySixteenthHolders[5] = randomBytes(32)
	require.NoError(t, kd.Sign(d))
	kh, err := d.Messages.Store(kd)
	require.NoError(t, err)
	require.NoError(t, d.State.ProcessKeyDistributionMessage(d, kd))

	fine, err := GenerateKeyDistributionComplaint(d, kh, FirstKeySixteenthSet, 4)
	require.NoError(t, err)
	require.Error(t, fine.IsValid(d))

	c, err := GenerateKeyDistributionComplaint(d, kh, FirstKeySixteenthSet, 5)
	require.NoError(t, err)
	require.NoError(t, c.IsValid(d))
	require.NoError(t, c.VerifySignature(d))
	require.Equal(t, r, c.GetSecretSender(d))

	_, err = GenerateKeyDistributionComplaint(d, kh, SecondKeySixteenthSet+1, 0)
	require.Error(t, err)

	r.KeyDistributionMessageAccepted = true
	require.Error(t, c.IsValid(d))
	require.IsType(t, &RelayStateError{}, d.State.ProcessKeyDistributionComplaint(d, c))

	r.KeyDistributionMessageAccepted = false
	_, err = d.Messages.Store(c)
	require.NoError(t, err)
	require.NoError(t, d.State.ProcessKeyDistributionComplaint(d, c))
	require.True(t, r.IsDead())
	require.Equal(t, Misbehaved, r.Status)
	require.Len(t, r.Hashes.KeyDistributionComplaintHashes, 1)
}

func TestDurationWithoutResponse(t *testing.T) {
	d := newTestData(t)
	joinRelays(t, d, 44)
	assignAllHolders(t, d)
	r := relayWithSharers(t, d)
	kd, err := d.Messages.GetKeyDistributionMessage(d.State.KeyQuarterSharers(r.Number)[0].Hashes.KeyDistributionMessageHash)
	require.NoError(t, err)
	sharer := d.State.GetRelayByNumber(kd.RelayNumber)

	dur := &DurationWithoutResponse{MessageHash: HashOf(kd)}
	require.NoError(t, d.State.ProcessDurationWithoutResponse(d, dur))
	require.True(t, sharer.KeyDistributionMessageAccepted)
	require.True(t, d.Messages.Flag(dur.MessageHash, FlagDurationElapsed))

	gb, err := r.GenerateGoodbyeMessage(d)
	require.NoError(t, err)
	gh, err := d.Messages.Store(gb)
	require.NoError(t, err)
	require.NoError(t, d.State.ProcessGoodbyeMessage(d, gb))
	require.NoError(t, d.State.ProcessDurationWithoutResponse(d, &DurationWithoutResponse{MessageHash: gh}))
	successor := d.State.GetRelayByNumber(gb.SuccessorNumber)
	require.True(t, successor.IsDead())
	require.Equal(t, NotResponding, successor.Status)

	// Only obituaries and failure messages name relays that must respond.
	fromRelay := &DurationWithoutResponseFromRelay{MessageHash: gh, RelayNumber: r.Number}
	require.IsType(t, &RelayStateError{}, d.State.ProcessDurationWithoutResponseFromRelay(d, fromRelay))
	require.False(t, r.IsDead())

	fromRelay = &DurationWithoutResponseFromRelay{MessageHash: successor.Hashes.ObituaryHash, RelayNumber: r.Number}
	require.NoError(t, d.State.ProcessDurationWithoutResponseFromRelay(d, fromRelay))
	require.True(t, r.IsDead())
	require.Equal(t, NotResponding, r.Status)

	join := &DurationWithoutResponse{MessageHash: r.Hashes.JoinMessageHash}
	require.IsType(t, &RelayStateError{}, d.State.ProcessDurationWithoutResponse(d, join))
}
