package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody"
	"go.dedis.ch/relaycustody/handler"
	"go.dedis.ch/relaycustody/relay"
	"go.dedis.ch/relaycustody/scheduler"
	"go.dedis.ch/relaycustody/store"
	"golang.org/x/xerrors"
)

// sim is a node holding every relay of the directory. Its chain accepts
// every mined credit and its broadcasts are only logged.
type sim struct {
	cfg   *Config
	db    store.Store
	d     *relay.Data
	chain *handler.MemoryChain
	bc    *handler.BroadcastLog
	sched *scheduler.Scheduler
	h     *handler.RelayMessageHandler
}

func openStore(path string) (store.Store, error) {
	if path == "" {
		return store.NewMemory(), nil
	}
	return store.NewBolt(path)
}

func newSim(cfg *Config) (*sim, error) {
	suite, err := relaycustody.SuiteByName(cfg.Suite)
	if err != nil {
		return nil, err
	}
	db, err := openStore(cfg.DB)
	if err != nil {
		return nil, err
	}
	d, err := relay.NewData(suite, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.State.RemoveDeadRelays = cfg.RemoveDeadRelays
	d.State.MaxDeathCascade = cfg.MaxDeathCascade

	s := &sim{
		cfg:   cfg,
		db:    db,
		d:     d,
		chain: handler.NewMemoryChain(),
		bc:    &handler.BroadcastLog{},
		sched: scheduler.New(db),
	}
	s.sched.PollInterval = cfg.PollInterval.Duration
	s.h = handler.New(d, handler.Live, s.chain, s.bc, s.sched)
	s.h.ResponseWaitTime = cfg.ResponseWaitTime.Duration
	return s, nil
}

func (s *sim) Close() error {
	return s.db.Close()
}

// populate joins the configured number of relays and has them distribute
// their keys. With holdBack, the last relay that could distribute doesn't,
// and its number is returned.
func (s *sim) populate(holdBack bool) (uint64, error) {
	suite := s.d.Suite
	for i := 0; i < s.cfg.Relays; i++ {
		priv := suite.Scalar().Pick(suite.RandomStream())
		pub := suite.Point().Mul(priv, nil)
		if err := s.d.Keys.Add(pub, priv); err != nil {
			return 0, err
		}
		mc := relay.HashBytes([]byte(fmt.Sprintf("mined credit %d", i)), []byte(pub.String()))
		s.chain.AddMinedCredit(mc, pub)
		join, err := relay.GenerateJoinMessage(s.d, mc, pub)
		if err != nil {
			return 0, err
		}
		if err := s.h.Handle(join); err != nil {
			return 0, relaycustody.Wrapf(err, "join of relay %d", i+1)
		}
	}

	var eligible []uint64
	for _, r := range s.d.State.Relays {
		if s.d.State.ThereAreEnoughRelaysToAssignKeyPartHolders(r) {
			eligible = append(eligible, r.Number)
		}
	}
	var held uint64
	if holdBack {
		if len(eligible) == 0 {
			return 0, xerrors.New("too few relays to distribute a key")
		}
		held = eligible[len(eligible)-1]
		eligible = eligible[:len(eligible)-1]
	}
	for _, number := range eligible {
		r := s.d.State.GetRelayByNumber(number)
		if _, err := s.h.Admission.SendKeyDistributionMessage(r, encodingHash(number)); err != nil {
			return 0, relaycustody.Wrapf(err, "key distribution of relay %d", number)
		}
	}
	log.Lvlf1("%d relays joined, %d distributed their keys", len(s.d.State.Relays), len(eligible))
	return held, nil
}

func encodingHash(number uint64) relay.Hash {
	return relay.HashBytes([]byte(fmt.Sprintf("encoding of relay %d", number)))
}

// kill records that the relay stopped responding, which has its quarter
// holders start the recovery of its secrets.
func (s *sim) kill(number uint64) error {
	s.h.Lock()
	defer s.h.Unlock()
	r := s.d.State.GetRelayByNumber(number)
	if r == nil || r.IsDead() {
		return xerrors.Errorf("relay %d is unknown or dead", number)
	}
	s.d.State.ResetDeathCascade()
	if err := s.d.State.RecordRelayDeath(s.d, r, relay.NotResponding); err != nil {
		return err
	}
	return s.h.Succession.HandleNewlyDeadRelays()
}

// corrupt has the relay distribute its key with one bad secret.
func (s *sim) corrupt(number uint64) (*relay.KeyDistributionMessage, error) {
	s.h.Lock()
	r := s.d.State.GetRelayByNumber(number)
	if r == nil {
		s.h.Unlock()
		return nil, xerrors.Errorf("unknown relay %d", number)
	}
	kd, err := r.GenerateKeyDistributionMessage(s.d, encodingHash(number))
	if err == nil {
		kd.KeySixteenthsEncryptedForFirstSetOfKeySixteenthHolders[0][0] ^= 0xff
		err = kd.Sign(s.d)
	}
	s.h.Unlock()
	if err != nil {
		return nil, err
	}
	return kd, s.h.Handle(kd)
}

// settle runs the scheduler until no check is pending.
func (s *sim) settle(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	done := s.sched.Start(ctx)
	ticker := time.NewTicker(s.sched.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.sched.Pending() == 0 {
				cancel()
				<-done
				return nil
			}
		case <-ctx.Done():
			<-done
			return xerrors.Errorf("%d checks still pending after %v", s.sched.Pending(), timeout)
		}
	}
}

// report writes the relays that aren't plainly alive and the number of
// messages broadcast per type.
func (s *sim) report(w io.Writer) {
	s.h.Lock()
	defer s.h.Unlock()
	alive := 0
	for _, r := range s.d.State.Relays {
		if r.Status == relay.Alive {
			alive++
			continue
		}
		line := fmt.Sprintf("relay %d: %s", r.Number, r.Status)
		if successor, err := r.SuccessorNumber(); err == nil {
			line += fmt.Sprintf(", successor %d", successor)
		}
		if attempt, err := s.d.State.SuccessionAttempt(s.d, r.Number); err == nil {
			line += fmt.Sprintf(", succession %s", attempt.State)
		}
		fmt.Fprintln(w, line)
	}
	fmt.Fprintf(w, "%d of %d relays alive\n", alive, len(s.d.State.Relays))

	counts := make(map[string]int)
	for _, msg := range s.bc.Messages() {
		counts[msg.Type()]++
	}
	var types []string
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(w, "%-40s %d\n", t, counts[t])
	}
	fmt.Fprintln(w, strings.Repeat("-", 42))
}
