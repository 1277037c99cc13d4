package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func trashCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "trash",
		Usage:     "Move a channel into the trash",
		ArgsUsage: "<channel-id>",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			channelID := model.ChannelID(c.Args().First())
			if channelID == "" {
				return goerr.New("channel ID is required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.TrashChannel(ctx, channelID, time.Now()); err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Trashed channel %s\n", channelID)
			return nil
		},
	}
}

func restoreCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "restore",
		Usage:     "Restore a trashed channel",
		ArgsUsage: "<channel-id>",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			channelID := model.ChannelID(c.Args().First())
			if channelID == "" {
				return goerr.New("channel ID is required")
			}

			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.RestoreChannel(ctx, channelID, time.Now()); err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Restored channel %s\n", channelID)
			return nil
		},
	}
}
