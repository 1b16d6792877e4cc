package main

import (
	"context"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"

	"github.com/razvandimescu/livemd/internal/config"
)

var (
	// Build info (set via ldflags)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd(os.Stdout).Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd(out io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "livemd",
		Usage:     "Live browser previews of markdown files, one port per document",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the YAML config file",
				Value: config.DefaultPath(),
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
				Value: "info",
			},
		},
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level, err := log.ParseLevel(cmd.String("log-level"))
			if err != nil {
				return ctx, err
			}
			log.SetLevel(level)
			return ctx, nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			openCmd(),
			listCmd(),
			closeCmd(),
			versionCmd(),
		},
	}
}

func loadConfig(cmd *cli.Command) (*config.Config, error) {
	return config.Load(cmd.Root().String("config"))
}
