package main

import (
	"os"

	ooindexer "github.com/oraclewatch/oo-indexer"
	"github.com/oraclewatch/oo-indexer/config"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/urfave/cli/v2"
)

const appName = "oo-indexer"

var (
	configFileFlag = cli.StringFlag{
		Name:     config.FlagCfg,
		Aliases:  []string{"c"},
		Usage:    "Configuration file",
		Required: false,
	}
)

func main() {
	app := cli.NewApp()
	app.Name = appName
	app.Version = ooindexer.Version
	app.Commands = []*cli.Command{
		{
			Name:   "version",
			Usage:  "Application version and build",
			Action: versionCmd,
		},
		{
			Name:   "run",
			Usage:  "Run the indexer",
			Action: start,
			Flags:  []cli.Flag{&configFileFlag},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
		os.Exit(1)
	}
}
