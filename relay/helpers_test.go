package relay

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/group/edwards25519"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody/store"
)

var tSuite = edwards25519.NewBlakeSHA256Ed25519()

func TestMain(m *testing.M) {
	log.MainTest(m)
}

// newTestData returns a context whose key store knows every secret,
// as if all relays ran on this node.
func newTestData(t *testing.T) *Data {
	d, err := NewData(tSuite, store.NewMemory())
	require.NoError(t, err)
	d.State.RemoveDeadRelays = false
	return d
}

func minedCreditHash(i int) Hash {
	return HashBytes([]byte(fmt.Sprintf("mined credit message %d", i)))
}

func joinRelays(t *testing.T, d *Data, n int) {
	start := len(d.State.Relays)
	for i := start; i < start+n; i++ {
		priv := tSuite.Scalar().Pick(tSuite.RandomStream())
		pub := tSuite.Point().Mul(priv, nil)
		require.NoError(t, d.Keys.Add(pub, priv))
		join, err := GenerateJoinMessage(d, minedCreditHash(i), pub)
		require.NoError(t, err)
		_, err = d.Messages.Store(join)
		require.NoError(t, err)
		require.NoError(t, d.State.ProcessRelayJoinMessage(d, join))
	}
}

func assignAllHolders(t *testing.T, d *Data) {
	for _, r := range d.State.Relays {
		_, err := d.State.AssignKeyPartHolders(r, HashBytes([]byte(fmt.Sprint(r.Number))))
		require.NoError(t, err)
	}
}

func distributeKeys(t *testing.T, d *Data, r *Relay) *KeyDistributionMessage {
	kd, err := r.GenerateKeyDistributionMessage(d, HashBytes([]byte(fmt.Sprint(r.Number))))
	require.NoError(t, err)
	_, err = d.Messages.Store(kd)
	require.NoError(t, err)
	require.NoError(t, d.State.ProcessKeyDistributionMessage(d, kd))
	return kd
}

// pickRelayWithSharers returns a relay with key part holders that holds a
// key quarter of at least one other relay.
func pickRelayWithSharers(t *testing.T, d *Data) *Relay {
	for _, r := range d.State.Relays {
		if r.HasFourKeyQuarterHolders() && len(d.State.relaysWhoseKeyQuartersAreHeldBy(r.Number)) > 0 {
			return r
		}
	}
	require.Fail(t, "no relay holds a key quarter")
	return nil
}

// relayWithSharers is pickRelayWithSharers, with all the sharers having
// distributed their keys.
func relayWithSharers(t *testing.T, d *Data) *Relay {
	r := pickRelayWithSharers(t, d)
	for _, n := range d.State.relaysWhoseKeyQuartersAreHeldBy(r.Number) {
		distributeKeys(t, d, d.State.GetRelayByNumber(n))
	}
	return r
}

func randomBytes(n int) []byte {
	buf := make([]byte, n)
	tSuite.RandomStream().XORKeyStream(buf, buf)
	return buf
}

func recordRecoveryMessages(t *testing.T, d *Data, dead *Relay) []Hash {
	for _, n := range dead.Holders.KeyQuarterHolders {
		rm, err := GenerateSecretRecoveryMessage(d, dead, d.State.GetRelayByNumber(n))
		require.NoError(t, err)
		require.NoError(t, rm.IsValid(d))
		require.NoError(t, rm.VerifySignature(d))
		_, err = d.Messages.Store(rm)
		require.NoError(t, err)
		require.NoError(t, d.State.ProcessSecretRecoveryMessage(d, rm))
	}
	return dead.SecretRecoveryMessageHashesFor(d.Messages, dead.CurrentSuccessorNumber)
}

// forgetRelays replaces the key store by one knowing only the keys of the
// relays not listed.
func forgetRelays(t *testing.T, d *Data, numbers ...uint64) {
	skip := make(map[uint64]bool)
	for _, n := range numbers {
		skip[n] = true
	}
	keys := NewMemoryKeyStore(tSuite)
	for _, r := range d.State.Relays {
		if skip[r.Number] {
			continue
		}
		points := []kyber.Point{r.PublicSigningKey}
		for _, row := range r.PublicKeySet.Rows {
			points = append(points, row.Points...)
		}
		for _, p := range points {
			s, ok := d.Keys.Get(p)
			require.True(t, ok)
			require.NoError(t, keys.Add(p, s))
		}
	}
	d.Keys = keys
}
