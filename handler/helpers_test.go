package handler

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody/relay"
	"go.dedis.ch/relaycustody/scheduler"
	"go.dedis.ch/relaycustody/store"
)

var tSuite = edwards25519.NewBlakeSHA256Ed25519()

func TestMain(m *testing.M) {
	log.MainTest(m)
}

// testNode runs all relays, so every relay is local to it.
type testNode struct {
	h     *RelayMessageHandler
	d     *relay.Data
	chain *MemoryChain
	bc    *BroadcastLog
	sched *scheduler.Scheduler
	now   time.Time
}

func newTestNode(t *testing.T) *testNode {
	d, err := relay.NewData(tSuite, store.NewMemory())
	require.NoError(t, err)
	d.State.RemoveDeadRelays = false
	n := &testNode{
		d:     d,
		chain: NewMemoryChain(),
		bc:    &BroadcastLog{},
		sched: scheduler.New(store.NewMemory()),
		now:   time.Unix(1500000000, 0),
	}
	n.sched.Now = func() time.Time { return n.now }
	n.h = New(d, Live, n.chain, n.bc, n.sched)
	n.h.Metrics = NewMetrics(prometheus.NewRegistry())
	return n
}

// advance moves the clock past the response time and runs the due
// checks.
func (n *testNode) advance(t *testing.T) {
	n.now = n.now.Add(n.h.ResponseWaitTime + time.Second)
	require.NoError(t, n.sched.RunDue(n.now))
}

func (n *testNode) relay(number uint64) *relay.Relay {
	return n.d.State.GetRelayByNumber(number)
}

func (n *testNode) newJoin(t *testing.T, i int) *relay.RelayJoinMessage {
	priv := tSuite.Scalar().Pick(tSuite.RandomStream())
	pub := tSuite.Point().Mul(priv, nil)
	require.NoError(t, n.d.Keys.Add(pub, priv))
	mc := relay.HashBytes([]byte(fmt.Sprintf("mined credit message %d", i)))
	n.chain.AddMinedCredit(mc, pub)
	join, err := relay.GenerateJoinMessage(n.d, mc, pub)
	require.NoError(t, err)
	return join
}

func (n *testNode) join(t *testing.T, count int) {
	start := len(n.d.State.Relays)
	for i := start; i < start+count; i++ {
		require.NoError(t, n.h.Handle(n.newJoin(t, i)))
	}
}

func encodingHash(number uint64) relay.Hash {
	return relay.HashBytes([]byte(fmt.Sprintf("encoding %d", number)))
}

// distribute has every relay that can get key part holders distribute its
// key, except the last `spare` of them, which are returned.
func (n *testNode) distribute(t *testing.T, spare int) []uint64 {
	var eligible []uint64
	for _, r := range n.d.State.Relays {
		if r.Hashes.KeyDistributionMessageHash.IsZero() &&
			n.d.State.ThereAreEnoughRelaysToAssignKeyPartHolders(r) {
			eligible = append(eligible, r.Number)
		}
	}
	require.True(t, len(eligible) > spare)
	cut := len(eligible) - spare
	for _, number := range eligible[:cut] {
		_, err := n.h.Admission.SendKeyDistributionMessage(n.relay(number), encodingHash(number))
		require.NoError(t, err)
	}
	return eligible[cut:]
}

// newDirectory returns a node with 53 relays, all of which distributed
// their keys but for the last five that could.
func newDirectory(t *testing.T) (*testNode, []uint64) {
	n := newTestNode(t)
	n.join(t, 53)
	spare := n.distribute(t, 5)
	return n, spare
}

// relayWithSharers returns a relay with quarter holders holding a quarter
// of the key of at least one other relay.
func (n *testNode) relayWithSharers(t *testing.T) *relay.Relay {
	for _, r := range n.d.State.Relays {
		if !r.IsDead() && r.HasFourKeyQuarterHolders() && len(n.d.State.KeyQuarterSharers(r.Number)) > 0 {
			return r
		}
	}
	require.Fail(t, "no relay holds a key quarter")
	return nil
}

func (n *testNode) successorOf(t *testing.T, number uint64) *relay.Relay {
	s, err := n.relay(number).SuccessorNumber()
	require.NoError(t, err)
	return n.relay(s)
}

// forget replaces the key store of the node by one knowing only the keys
// of the relays not listed, as if those ran on another node.
func (n *testNode) forget(t *testing.T, numbers ...uint64) {
	skip := make(map[uint64]bool)
	for _, number := range numbers {
		skip[number] = true
	}
	keys := relay.NewMemoryKeyStore(tSuite)
	for _, r := range n.d.State.Relays {
		if skip[r.Number] {
			continue
		}
		points := []kyber.Point{r.PublicSigningKey}
		for _, row := range r.PublicKeySet.Rows {
			points = append(points, row.Points...)
		}
		for _, p := range points {
			s, ok := n.d.Keys.Get(p)
			require.True(t, ok)
			require.NoError(t, keys.Add(p, s))
		}
	}
	n.d.Keys = keys
}

// killQuietly records the death of the relay without anybody reacting to
// it, as if the node was only validating blocks at the time.
func (n *testNode) killQuietly(t *testing.T, r *relay.Relay) {
	mode := n.h.Mode
	n.h.Mode = BlockValidation
	require.NoError(t, n.d.State.RecordRelayDeath(n.d, r, relay.NotResponding))
	require.NoError(t, n.h.Succession.HandleNewlyDeadRelays())
	n.h.Mode = mode
}

// recoveryMessages generates the recovery messages of the quarter holders
// of the dead relay, without handling them.
func (n *testNode) recoveryMessages(t *testing.T, dead *relay.Relay) []*relay.SecretRecoveryMessage {
	var out []*relay.SecretRecoveryMessage
	for _, number := range dead.Holders.KeyQuarterHolders {
		rm, err := relay.GenerateSecretRecoveryMessage(n.d, dead, n.relay(number))
		require.NoError(t, err)
		out = append(out, rm)
	}
	return out
}

func (n *testNode) broadcastTypes() map[string]int {
	out := make(map[string]int)
	for _, msg := range n.bc.Messages() {
		out[msg.Type()]++
	}
	return out
}
