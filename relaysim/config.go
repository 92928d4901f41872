package main

import (
	"time"

	"github.com/BurntSushi/toml"
	"go.dedis.ch/relaycustody/handler"
	"go.dedis.ch/relaycustody/relay"
	"go.dedis.ch/relaycustody/scheduler"
	"golang.org/x/xerrors"
)

// Config is read from the toml file given with --config. Missing fields
// keep their default.
type Config struct {
	// Suite is "secp256k1" or "Ed25519".
	Suite            string
	Relays           int
	ResponseWaitTime duration
	PollInterval     duration
	RemoveDeadRelays bool
	// DB is the path of the bbolt database. Messages, keys and pending
	// checks are kept in memory if it is empty.
	DB              string
	MaxDeathCascade int
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// DefaultConfig returns a directory large enough for every relay to get
// key part holders.
func DefaultConfig() *Config {
	return &Config{
		Suite:            "secp256k1",
		Relays:           53,
		ResponseWaitTime: duration{handler.DefaultResponseWaitTime},
		PollInterval:     duration{scheduler.DefaultPollInterval},
		RemoveDeadRelays: true,
		MaxDeathCascade:  relay.DefaultMaxDeathCascade,
	}
}

func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, xerrors.Errorf("reading config %s: %v", path, err)
	}
	switch {
	case cfg.Relays < 1:
		return nil, xerrors.New("need at least one relay")
	case cfg.ResponseWaitTime.Duration <= 0 || cfg.PollInterval.Duration <= 0:
		return nil, xerrors.New("durations must be positive")
	case cfg.MaxDeathCascade < 1:
		return nil, xerrors.New("MaxDeathCascade must be positive")
	}
	return cfg, nil
}
