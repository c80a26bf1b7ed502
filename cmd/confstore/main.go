package main

import (
	"confstore/cmd/confstore/cmds"
	"confstore/internal/logging"
	"confstore/internal/types"
	"context"
	"os"

	log "github.com/sirupsen/logrus"
)

func main() {
	var cli cmds.CLI
	parser, err := cmds.Parser(&cli)
	if err != nil {
		log.Fatal(err)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cfg, err := types.LoadConfig(cli.EnvFile)
	parser.FatalIfErrorf(err)
	parser.FatalIfErrorf(logging.Setup(cfg.LogLevel, cfg.LogFormat))

	app := cmds.NewApp(context.Background(), cfg, os.Stdout)
	err = kctx.Run(app)
	if cerr := app.Close(); cerr != nil {
		log.WithError(cerr).Warn("failed to close store")
	}
	parser.FatalIfErrorf(err)
}
