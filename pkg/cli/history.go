package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/urfave/cli/v3"
)

func historyCommand() *cli.Command {
	var (
		cfg       config
		channelID model.ChannelID
		limit     int
		clear     bool
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "channel-id",
			Aliases:     []string{"id"},
			Usage:       "Channel ID",
			Sources:     cli.EnvVars("FENNEC_CHANNEL_ID"),
			Destination: (*string)(&channelID),
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Number of recent turns to show (0 shows everything)",
			Destination: &limit,
		},
		&cli.BoolFlag{
			Name:        "clear",
			Usage:       "Delete the conversation history instead of printing it",
			Destination: &clear,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "history",
		Usage: "Show conversation history of a channel",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if clear {
				n, err := repo.ClearTurns(ctx, channelID)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.Root().Writer, "Deleted %d turns\n", n)
				return nil
			}

			var turns []*model.Turn
			if limit > 0 {
				turns, err = repo.ListRecentTurns(ctx, channelID, limit)
			} else {
				turns, err = repo.ListTurns(ctx, channelID)
			}
			if err != nil {
				return err
			}

			if len(turns) == 0 {
				fmt.Fprintln(c.Root().Writer, "No history")
				return nil
			}

			for _, turn := range turns {
				fmt.Fprintf(c.Root().Writer, "[%s] %s:\n%s\n",
					turn.CreatedAt.Format(time.RFC3339), turn.Role, turn.Text)
				for _, cite := range turn.Citations {
					fmt.Fprintf(c.Root().Writer, "  - %s\n", cite.Label)
				}
				fmt.Fprintln(c.Root().Writer)
			}
			return nil
		},
	}
}
