package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/PiotrWarzachowski/go-instalive/actions/login"
	"github.com/PiotrWarzachowski/go-instalive/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:    "go-instalive",
		Usage:   "Instagram session manager",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the configuration file",
				Value:   config.DefaultPath,
				Sources: cli.EnvVars(config.EnvConfig),
			},
		},
		Action: func(context.Context, *cli.Command) error {
			fmt.Println("go-instalive - Use 'go-instalive help' for available commands")
			return nil
		},
		Commands: []*cli.Command{
			login.LoginCommand,
			login.LogoutCommand,
			login.StatusCommand,
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
