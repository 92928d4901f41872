// Relaysim runs a relay directory on one node: every relay is held
// locally, so the whole custody protocol of joining, key distribution,
// death, recovery and succession can be watched in one process.
package main

import (
	"os"
	"time"

	"go.dedis.ch/onet/v3/log"
	"gopkg.in/urfave/cli.v1"
)

var cmds = cli.Commands{
	{
		Name:    "run",
		Usage:   "populate the directory, let relays die and wait for their successions",
		Aliases: []string{"r"},
		Flags: []cli.Flag{
			cli.IntSliceFlag{
				Name:  "kill, k",
				Usage: "number of a relay that stops responding, may be repeated",
			},
			timeoutFlag,
		},
		Action: run,
	},
	{
		Name:    "goodbye",
		Usage:   "have a relay say goodbye and hand its secrets to its successor",
		Aliases: []string{"g"},
		Flags: []cli.Flag{
			cli.IntFlag{
				Name:  "relay",
				Value: 1,
				Usage: "number of the relay leaving",
			},
			timeoutFlag,
		},
		Action: goodbye,
	},
	{
		Name:    "corrupt",
		Usage:   "have the last relay distribute a bad secret and get replaced",
		Aliases: []string{"c"},
		Flags: []cli.Flag{
			timeoutFlag,
		},
		Action: corrupt,
	},
	{
		Name:    "show",
		Usage:   "list the messages and pending checks kept in the database",
		Aliases: []string{"s"},
		Action:  show,
	},
}

var timeoutFlag = cli.DurationFlag{
	Name:  "timeout, t",
	Value: 2 * time.Minute,
	Usage: "how long to wait for the pending checks",
}

func main() {
	log.ErrFatal(newApp().Run(os.Args))
}

func newApp() *cli.App {
	cliApp := cli.NewApp()
	cliApp.Name = "relaysim"
	cliApp.Usage = "Simulate the custody of relay secrets on a single node."
	cliApp.Version = "0.1"
	cliApp.Commands = cmds
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to a toml config, the defaults are used if empty",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	return cliApp
}
