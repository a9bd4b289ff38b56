package commands

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/in-the-loop-labs/reviewagent/internal/config"
)

// NewRootCommand returns the top-level CLI command.
func NewRootCommand(version, commit string) *cli.Command {
	return &cli.Command{
		Name:    "reviewagent",
		Usage:   "Agent session core for a code-review workstation",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   config.ConfigPath(),
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			NewGatewayCommand(),
			NewStatusCommand(),
			NewSessionsCommand(),
		},
	}
}
