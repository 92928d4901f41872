package handler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/relaycustody/relay"
)

// quietSuccession kills a relay with key quarter sharers and handles the
// recovery messages of its quarter holders, while nobody reacts.
func quietSuccession(t *testing.T) (*testNode, *relay.Relay, []relay.Hash) {
	n, _ := newDirectory(t)
	n.advance(t)
	x := n.relayWithSharers(t)
	n.killQuietly(t, x)
	n.h.Mode = BlockValidation
	for _, rm := range n.recoveryMessages(t, x) {
		require.NoError(t, n.h.Handle(rm))
	}
	n.h.Mode = Live
	x = n.relay(x.Number)
	require.Len(t, x.Hashes.SecretRecoveryMessageHashes, 4)
	return n, x, append([]relay.Hash{}, x.Hashes.SecretRecoveryMessageHashes...)
}

func TestSuccession_LyingSuccessor(t *testing.T) {
	n, x, hashes := quietSuccession(t)
	successor := n.successorOf(t, x.Number)

	f, err := relay.GenerateSecretRecoveryFailureMessage(n.d, hashes, &relay.RecoveryFailure{
		Sum: tSuite.Point().Pick(tSuite.RandomStream()),
	})
	require.NoError(t, err)
	require.NoError(t, n.h.Handle(f))
	fh := relay.HashOf(f)

	require.Len(t, n.d.Messages.Responses(fh, relay.ResponseAuditMessages), 4)
	require.Len(t, n.d.Messages.Responses(x.Hashes.ObituaryHash, relay.ResponseFailureMessages), 1)
	require.Equal(t, 4, n.broadcastTypes()[relay.TypeRecoveryFailureAudit])
	require.Equal(t, relay.Misbehaved, n.relay(successor.Number).Status)
	for _, number := range x.Holders.KeyQuarterHolders {
		require.False(t, n.relay(number).IsDead())
	}
	require.False(t, n.d.Messages.Flag(fh, relay.FlagBadQuarterHolderFound))

	// The quarter holders send their recovery messages again, to the next
	// successor, which completes the succession.
	next := n.successorOf(t, x.Number)
	require.NotEqual(t, successor.Number, next.Number)
	require.False(t, next.IsDead())
	require.Equal(t, []uint64{successor.Number}, n.relay(x.Number).PreviousSuccessors)
	require.True(t, n.broadcastTypes()[relay.TypeSecretRecovery] >= 4)
	require.Len(t, n.relay(x.Number).SecretRecoveryMessageHashesFor(n.d.Messages, next.Number), 4)
	require.Len(t, next.Hashes.SuccessionCompletedMessageHashes, 1)

	attempt, err := n.d.State.SuccessionAttempt(n.d, x.Number)
	require.NoError(t, err)
	require.Equal(t, next.Number, attempt.SuccessorNumber)
	require.Equal(t, relay.SuccessionCompleted, attempt.State)
	attempts, err := n.d.State.SuccessionAttempts(n.d, x.Number)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.Equal(t, successor.Number, attempts[0].SuccessorNumber)
	require.Equal(t, relay.SuccessionFailed, attempts[0].State)
	require.Equal(t, hashes, attempts[0].RecoveryMessageHashes)
	for _, sharer := range n.d.State.KeyQuarterSharers(next.Number) {
		require.False(t, sharer.IsKeyQuarterHolder(x.Number))
	}

	// Everybody audited in time.
	n.advance(t)
	for _, number := range x.Holders.KeyQuarterHolders {
		require.False(t, n.relay(number).IsDead())
	}
	require.False(t, n.relay(next.Number).IsDead())
}

func TestSuccession_BadKeySharer(t *testing.T) {
	n, spare := newDirectory(t)
	n.advance(t)

	// One of the spare relays sends a bad secret to its first quarter
	// holder, while the node only validates.
	n.h.Mode = BlockValidation
	var sharer, x uint64
	for _, number := range spare {
		snapshot := n.d.State.Clone()
		kd, err := n.relay(number).GenerateKeyDistributionMessage(n.d, encodingHash(number))
		require.NoError(t, err)
		holder := n.relay(n.relay(number).Holders.KeyQuarterHolders[0])
		if !holder.HasFourKeyQuarterHolders() {
			n.d.State = snapshot
			continue
		}
		kd.KeySixteenthsEncryptedForKeyQuarterHolders[0][0] ^= 0xff
		require.NoError(t, kd.Sign(n.d))
		require.NoError(t, n.h.Handle(kd))
		sharer, x = number, holder.Number
		break
	}
	require.NotZero(t, x)
	n.h.Mode = Live

	require.NoError(t, n.d.State.RecordRelayDeath(n.d, n.relay(x), relay.NotResponding))
	require.NoError(t, n.h.Succession.HandleNewlyDeadRelays())

	types := n.broadcastTypes()
	require.True(t, types[relay.TypeSecretRecovery] >= 4)
	require.Equal(t, 1, types[relay.TypeSecretRecoveryFailure])
	require.True(t, types[relay.TypeRecoveryFailureAudit] >= 4)
	require.Equal(t, relay.Misbehaved, n.relay(sharer).Status)
	successor := n.successorOf(t, x)
	require.False(t, successor.IsDead())

	attempt, err := n.d.State.SuccessionAttempt(n.d, x)
	require.NoError(t, err)
	require.Equal(t, relay.SuccessionEscalated, attempt.State)
}

func TestSuccession_BadRecoveryMessage(t *testing.T) {
	n, _ := newDirectory(t)
	n.advance(t)
	x := n.relayWithSharers(t)
	n.killQuietly(t, x)

	msgs := n.recoveryMessages(t, x)
	for _, rm := range msgs[1:] {
		require.NoError(t, n.h.Handle(rm))
	}
	bad := msgs[0]
	bad.SharedSecretQuarters[0].EncryptedSecrets[1][0] ^= 0xff
	require.NoError(t, bad.Sign(n.d))
	require.NoError(t, n.h.Handle(bad))

	badHash := relay.HashOf(bad)
	require.Len(t, n.d.Messages.Responses(badHash, relay.ResponseComplaints), 1)
	require.Equal(t, 1, n.broadcastTypes()[relay.TypeSecretRecoveryComplaint])
	require.Equal(t, relay.Misbehaved, n.relay(bad.QuarterHolderNumber).Status)
	require.NotContains(t, n.relay(x.Number).Hashes.SecretRecoveryMessageHashes, badHash)

	// The successor complained in time, so it isn't blamed.
	require.Error(t, n.h.ValidateDurationWithoutResponse(&relay.DurationWithoutResponse{MessageHash: badHash}))
	n.advance(t)
	require.False(t, n.successorOf(t, x.Number).IsDead())
}

func TestSuccession_Goodbye(t *testing.T) {
	n, _ := newDirectory(t)
	n.advance(t)
	g := n.relayWithSharers(t)
	sharers := n.d.State.KeyQuarterSharers(g.Number)
	successor, err := n.d.State.AssignSuccessor(g)
	require.NoError(t, err)

	gb, err := n.h.Succession.SendGoodbyeMessage(g)
	require.NoError(t, err)
	require.Equal(t, successor, gb.SuccessorNumber)

	g = n.relay(g.Number)
	require.Equal(t, relay.SaidGoodbye, g.Status)
	require.Equal(t, relay.HashOf(gb), g.Hashes.GoodbyeMessageHash)
	require.Len(t, n.relay(successor).Hashes.SuccessionCompletedMessageHashes, 1)
	for _, s := range sharers {
		require.True(t, n.relay(s.Number).IsKeyQuarterHolder(successor))
	}
	types := n.broadcastTypes()
	require.Equal(t, 1, types[relay.TypeGoodbye])
	require.Equal(t, 1, types[relay.TypeSuccessionCompleted])
	require.Equal(t, 0, types[relay.TypeSecretRecovery])
	require.Equal(t, 1.0, testutil.ToFloat64(n.h.Metrics.Deaths.WithLabelValues(relay.SaidGoodbye.String())))

	// A relay says goodbye once.
	_, err = n.h.Succession.SendGoodbyeMessage(g)
	require.Error(t, err)

	n.advance(t)
	require.False(t, n.relay(successor).IsDead())
}

// A node only validating blocks records the goodbye but leaves the secrets
// in it to the successor.
func TestSuccession_GoodbyeBlockValidation(t *testing.T) {
	n, _ := newDirectory(t)
	n.advance(t)
	g := n.relayWithSharers(t)
	gb, err := g.GenerateGoodbyeMessage(n.d)
	require.NoError(t, err)

	var held []kyber.Point
	for i, number := range gb.KeyQuarterSharers {
		position := int(gb.KeyQuarterPositions[i])
		for j := 0; j < 4; j++ {
			held = append(held, n.relay(number).PublicKeySixteenths()[4*position+j])
		}
	}
	require.NotEmpty(t, held)
	n.forget(t, gb.KeyQuarterSharers...)

	n.h.Mode = BlockValidation
	require.NoError(t, n.h.Handle(gb))
	for _, p := range held {
		require.False(t, n.d.Keys.Has(p))
	}
	require.Equal(t, relay.HashOf(gb), n.relay(g.Number).Hashes.GoodbyeMessageHash)
	require.Empty(t, n.relay(gb.SuccessorNumber).Hashes.SuccessionCompletedMessageHashes)
	require.Equal(t, 0, n.broadcastTypes()[relay.TypeSuccessionCompleted])

	_, _, ok := gb.ExtractSecrets(n.d)
	require.True(t, ok)
	for _, p := range held {
		require.True(t, n.d.Keys.Has(p))
	}
}

func TestSuccession_GoodbyeComplaint(t *testing.T) {
	n, _ := newDirectory(t)
	n.advance(t)
	g := n.relayWithSharers(t)

	gb, err := g.GenerateGoodbyeMessage(n.d)
	require.NoError(t, err)
	gb.EncryptedKeySixteenths[0].EncryptedSecrets[2][0] ^= 0xff
	require.NoError(t, gb.Sign(n.d))
	require.NoError(t, n.h.Handle(gb))
	gh := relay.HashOf(gb)

	g = n.relay(g.Number)
	require.Equal(t, relay.Misbehaved, g.Status)
	require.Len(t, n.d.Messages.Responses(gh, relay.ResponseComplaints), 1)
	successor, err := g.SuccessorNumber()
	require.NoError(t, err)
	require.Equal(t, gb.SuccessorNumber, successor)

	// The secrets were recovered instead.
	attempt, err := n.d.State.SuccessionAttempt(n.d, g.Number)
	require.NoError(t, err)
	require.Equal(t, relay.SuccessionCompleted, attempt.State)
	require.Len(t, attempt.RecoveryMessageHashes, 4)

	n.advance(t)
	require.False(t, n.relay(successor).IsDead())
}

// A quarter holder dies before sending its recovery message. Its successor
// inherits the obligation and sends the message in its place.
func TestSuccession_InheritedTask(t *testing.T) {
	n, _ := newDirectory(t)
	n.advance(t)
	x := n.relayWithSharers(t)
	n.killQuietly(t, x)
	ob := n.relay(x.Number).Hashes.ObituaryHash

	var holder *relay.Relay
	for _, number := range x.Holders.KeyQuarterHolders {
		if r := n.relay(number); r.HasFourKeyQuarterHolders() {
			holder = r
			break
		}
	}
	require.NotNil(t, holder)
	require.Contains(t, holder.Tasks, ob)

	require.NoError(t, n.d.State.RecordRelayDeath(n.d, holder, relay.NotResponding))
	require.NoError(t, n.h.Succession.HandleNewlyDeadRelays())

	attempt, err := n.d.State.SuccessionAttempt(n.d, holder.Number)
	require.NoError(t, err)
	require.Equal(t, relay.SuccessionCompleted, attempt.State)
	inheritor := n.relay(attempt.SuccessorNumber)
	require.Empty(t, n.relay(holder.Number).Tasks)
	require.True(t, n.relay(x.Number).IsKeyQuarterHolder(inheritor.Number))
	require.False(t, n.relay(x.Number).IsKeyQuarterHolder(holder.Number))
	require.True(t, n.h.sentRecoveryMessage(ob, inheritor.Number))
	require.NotContains(t, n.relay(inheritor.Number).Tasks, ob)
	_, ok := n.sched.Scheduled(TaskObituary, ob[:])
	require.True(t, ok)
}
