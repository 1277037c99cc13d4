package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func channelsCommand() *cli.Command {
	return &cli.Command{
		Name:  "channels",
		Usage: "Manage document channels",
		Commands: []*cli.Command{
			channelsListCommand(),
			channelsNewCommand(),
		},
	}
}

func channelsListCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "list",
		Usage: "List all channels",
		Flags: globalFlags(&cfg),
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

			channels, err := repo.ListChannels(ctx)
			if err != nil {
				return err
			}

			if len(channels) == 0 {
				fmt.Fprintln(c.Root().Writer, "No channels")
				return nil
			}

			for _, ch := range channels {
				marker := ""
				if ch.Lifecycle == model.LifecycleTrashed {
					marker = " [trashed]"
				}
				fmt.Fprintf(c.Root().Writer, "%s  %s%s  (files: %d, last accessed: %s)\n",
					ch.ID, ch.Name, marker, ch.FileCount,
					ch.LastAccessedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func channelsNewCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:      "new",
		Usage:     "Create a channel with a fresh remote document store",
		ArgsUsage: "<name>",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			name := c.Args().First()
			if name == "" {
				return goerr.New("channel name is required")
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

			search, err := cfg.newFileSearch(ctx)
			if err != nil {
				return err
			}

			store, err := search.CreateStore(ctx, name)
			if err != nil {
				return goerr.Wrap(err, "failed to create document store", goerr.V("name", name))
			}

			now := time.Now()
			channel := &model.Channel{
				ID:             model.NewChannelID(),
				StoreName:      store,
				Name:           name,
				Lifecycle:      model.LifecycleActive,
				CreatedAt:      now,
				LastAccessedAt: now,
			}
			if err := repo.PutChannel(ctx, channel); err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Created channel %s (store: %s)\n", channel.ID, store)
			return nil
		},
	}
}
