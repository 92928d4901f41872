package handler

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/relaycustody/relay"
	"golang.org/x/xerrors"
)

func TestHandler_Join(t *testing.T) {
	n := newTestNode(t)
	n.join(t, 3)
	require.Len(t, n.d.State.Relays, 3)
	for i, r := range n.d.State.Relays {
		require.Equal(t, uint64(i+1), r.Number)
	}
	require.Len(t, n.chain.Encoded(), 3)
	require.Equal(t, 3.0, testutil.ToFloat64(n.h.Metrics.Handled.WithLabelValues(relay.TypeRelayJoin)))

	// A message is only handled once.
	join := n.newJoin(t, 3)
	require.NoError(t, n.h.Handle(join))
	require.NoError(t, n.h.Handle(join))
	require.Len(t, n.d.State.Relays, 4)

	// The mined credit message was used.
	mc, ok := n.chain.MinedCredit(join.MinedCreditMessageHash)
	require.True(t, ok)
	again, err := relay.GenerateJoinMessage(n.d, join.MinedCreditMessageHash, mc.PublicKey)
	require.NoError(t, err)
	require.Error(t, n.h.Handle(again))
	require.True(t, n.d.Messages.IsRejected(relay.HashOf(again)))
	require.Error(t, n.h.Handle(again))

	// The mined credit message is unknown.
	priv := tSuite.Scalar().Pick(tSuite.RandomStream())
	pub := tSuite.Point().Mul(priv, nil)
	require.NoError(t, n.d.Keys.Add(pub, priv))
	unknown, err := relay.GenerateJoinMessage(n.d, relay.HashBytes([]byte("unknown")), pub)
	require.NoError(t, err)
	require.Error(t, n.h.Handle(unknown))

	// The mined credit message is too old.
	old := n.newJoin(t, 10)
	for i := 0; i < joinBatchWindow+1; i++ {
		n.chain.AddMinedCredit(relay.HashBytes([]byte{byte(i)}), pub)
	}
	require.Error(t, n.h.Handle(old))

	// The join is signed by another key than the mined credit one.
	mcHash := relay.HashBytes([]byte("other signer"))
	n.chain.AddMinedCredit(mcHash, tSuite.Point().Pick(tSuite.RandomStream()))
	forged, err := relay.GenerateJoinMessage(n.d, mcHash, pub)
	require.NoError(t, err)
	require.Error(t, n.h.Handle(forged))

	require.Len(t, n.d.State.Relays, 4)
	require.Len(t, n.chain.Encoded(), 4)
	require.Equal(t, 4.0, testutil.ToFloat64(n.h.Metrics.Rejected.WithLabelValues(relay.TypeRelayJoin)))
}

func TestHandler_UnknownType(t *testing.T) {
	n := newTestNode(t)
	require.Error(t, n.h.Handle(&relay.Obituary{}))
	require.Error(t, n.h.Handle(&relay.RelayExit{}))
}

func TestHandler_BlockValidation(t *testing.T) {
	n := newTestNode(t)
	n.h.Mode = BlockValidation
	n.join(t, 40)
	require.Len(t, n.d.State.Relays, 40)

	kd, err := n.h.Admission.SendKeyDistributionMessage(n.relay(1), encodingHash(1))
	require.NoError(t, err)
	require.Equal(t, relay.HashOf(kd), n.relay(1).Hashes.KeyDistributionMessageHash)
	require.True(t, n.relay(1).HasFourKeyQuarterHolders())

	require.Empty(t, n.chain.Encoded())
	require.Empty(t, n.bc.Messages())
	require.Equal(t, 0, n.sched.Pending())
}

// The cascade cap makes the third death of a check fail. That attestation
// is dropped and the directory stays as it was before it.
func TestHandler_RollBack(t *testing.T) {
	n, _ := newDirectory(t)
	n.advance(t)
	x := n.relayWithSharers(t)
	holders := append([]uint64{}, x.Holders.KeyQuarterHolders...)
	n.killQuietly(t, x)
	n.h.schedule(TaskObituary, x.Hashes.ObituaryHash)

	n.d.State.MaxDeathCascade = 2
	n.now = n.now.Add(n.h.ResponseWaitTime + 1)
	require.Error(t, n.sched.RunDue(n.now))

	dead := 0
	for _, number := range holders {
		if n.relay(number).Status == relay.NotResponding {
			dead++
		}
	}
	require.Equal(t, 2, dead)
	// The relay killed above counts too.
	require.Equal(t, 3.0, testutil.ToFloat64(n.h.Metrics.Deaths.WithLabelValues(relay.NotResponding.String())))
	require.True(t, testutil.ToFloat64(n.h.Metrics.Rejected.WithLabelValues(
		relay.TypeDurationWithoutResponseFromRelay)) >= 1)
}

// A message refused after a nested message was accepted leaves neither of
// them in the message store.
func TestHandler_RollBackNested(t *testing.T) {
	n := newTestNode(t)
	n.join(t, 40)
	r := n.d.State.Relays[0]
	ob, err := n.d.State.GenerateObituary(n.d, r, relay.NotResponding)
	require.NoError(t, err)
	obHash := relay.HashOf(ob)
	join := n.newJoin(t, 40)
	joinHash := relay.HashOf(join)

	n.h.table[relay.TypeObituary] = dispatch{
		validate: func(relay.Message) error { return nil },
		accept: func(msg relay.Message) error {
			if _, err := n.d.Messages.Store(msg); err != nil {
				return err
			}
			require.NoError(t, n.h.emit(join))
			require.True(t, n.d.Messages.Has(joinHash))
			require.Len(t, n.d.State.Relays, 41)
			return xerrors.New("obituary refused")
		},
	}
	require.Error(t, n.h.Handle(ob))
	require.True(t, n.d.Messages.IsRejected(obHash))
	require.False(t, n.d.Messages.Has(obHash))
	require.False(t, n.d.Messages.Has(joinHash))
	require.False(t, n.d.Messages.IsRejected(joinHash))
	require.Len(t, n.d.State.Relays, 40)
	require.False(t, n.relay(r.Number).IsDead())

	// The join wasn't the problem.
	require.NoError(t, n.h.Handle(join))
	require.True(t, n.d.Messages.Has(joinHash))
	require.Len(t, n.d.State.Relays, 41)
}
