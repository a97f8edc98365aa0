package main

import (
	"os"

	ooindexer "github.com/oraclewatch/oo-indexer"
	"github.com/oraclewatch/oo-indexer/log"
	"github.com/urfave/cli/v2"
)

func versionCmd(*cli.Context) error {
	ooindexer.PrintVersion(os.Stdout)
	return nil
}

func logVersion() {
	v := ooindexer.GetVersion()
	log.Infof("version: %s, git revision: %s, go version: %s, built: %s, os/arch: %s/%s",
		v.Version, v.GitRev, v.GoVersion, v.BuildDate, v.OS, v.Arch)
}
