package main

import (
	"context"
	"fmt"

	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/relaycustody"
	"go.dedis.ch/relaycustody/relay"
	"go.dedis.ch/relaycustody/scheduler"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

func newSimFromContext(c *cli.Context) (*sim, error) {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	return newSim(cfg)
}

func run(c *cli.Context) error {
	s, err := newSimFromContext(c)
	if err != nil {
		return err
	}
	defer s.Close()
	if _, err := s.populate(false); err != nil {
		return err
	}
	for _, number := range c.IntSlice("kill") {
		log.Lvl1("relay", number, "stops responding")
		if err := s.kill(uint64(number)); err != nil {
			return err
		}
	}
	err = s.settle(context.Background(), c.Duration("timeout"))
	s.report(c.App.Writer)
	return err
}

func goodbye(c *cli.Context) error {
	s, err := newSimFromContext(c)
	if err != nil {
		return err
	}
	defer s.Close()
	if _, err := s.populate(false); err != nil {
		return err
	}
	number := uint64(c.Int("relay"))
	r := s.d.State.GetRelayByNumber(number)
	if r == nil {
		return xerrors.Errorf("unknown relay %d", number)
	}
	if _, err := s.h.Succession.SendGoodbyeMessage(r); err != nil {
		return err
	}
	err = s.settle(context.Background(), c.Duration("timeout"))
	s.report(c.App.Writer)
	return err
}

func corrupt(c *cli.Context) error {
	s, err := newSimFromContext(c)
	if err != nil {
		return err
	}
	defer s.Close()
	number, err := s.populate(true)
	if err != nil {
		return err
	}
	kd, err := s.corrupt(number)
	if err != nil {
		return err
	}
	log.Lvlf1("relay %d sent the bad key distribution %s", number, relay.HashOf(kd))
	err = s.settle(context.Background(), c.Duration("timeout"))
	s.report(c.App.Writer)
	return err
}

func show(c *cli.Context) error {
	cfg, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return err
	}
	if cfg.DB == "" {
		return xerrors.New("nothing to show without a DB in the config")
	}
	db, err := openStore(cfg.DB)
	if err != nil {
		return err
	}
	defer db.Close()
	suite, err := relaycustody.SuiteByName(cfg.Suite)
	if err != nil {
		return err
	}
	msgs, err := relay.NewMessageStore(suite, db)
	if err != nil {
		return err
	}
	for _, tag := range relay.MessageTypes() {
		hashes, err := msgs.List(tag)
		if err != nil {
			return err
		}
		rejected := 0
		for _, h := range hashes {
			if msgs.IsRejected(h) {
				rejected++
			}
		}
		fmt.Fprintf(c.App.Writer, "%-40s %d (%d rejected)\n", tag, len(hashes), rejected)
	}
	fmt.Fprintf(c.App.Writer, "%d checks pending\n", scheduler.New(db).Pending())
	return nil
}
