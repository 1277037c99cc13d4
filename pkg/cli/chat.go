package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/usecase/chat"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func chatCommand() *cli.Command {
	var (
		cfg       config
		channelID model.ChannelID
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "channel-id",
			Aliases:     []string{"id"},
			Usage:       "Channel ID to chat on",
			Sources:     cli.EnvVars("FENNEC_CHANNEL_ID"),
			Destination: (*string)(&channelID),
			Required:    true,
		},
		&cli.IntFlag{
			Name:        "max-iterations",
			Usage:       "Reasoning loop iteration bound",
			Sources:     cli.EnvVars("FENNEC_MAX_ITERATIONS"),
			Destination: &cfg.maxIterations,
		},
		&cli.IntFlag{
			Name:        "history-limit",
			Usage:       "Recent turns fed to the loop as context",
			Sources:     cli.EnvVars("FENNEC_HISTORY_LIMIT"),
			Destination: &cfg.historyLimit,
		},
		&cli.DurationFlag{
			Name:        "inactivity-timeout",
			Usage:       "Abort a stream after this long without a chunk",
			Sources:     cli.EnvVars("FENNEC_INACTIVITY_TIMEOUT"),
			Destination: &cfg.inactivityTimeout,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive Q&A on a document channel",
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

			channel, err := repo.GetChannel(ctx, channelID)
			if err != nil {
				return err
			}
			if channel.Lifecycle != model.LifecycleActive {
				return goerr.New("channel is in the trash, restore it first",
					goerr.V("channel_id", channelID))
			}

			relay, err := cfg.newRelay(ctx, repo)
			if err != nil {
				return err
			}

			scanner := bufio.NewScanner(os.Stdin)
			fmt.Fprintf(c.Root().Writer, "Chat on %q. Type 'exit' to quit, Ctrl-C interrupts an answer.\n", channel.Name)

			for {
				fmt.Fprintf(c.Root().Writer, "> ")
				if !scanner.Scan() {
					break
				}

				question := scanner.Text()
				if question == "exit" {
					break
				}
				if question == "" {
					continue
				}

				if err := streamAnswer(ctx, c, relay, channel, question); err != nil {
					return err
				}
			}

			fmt.Fprintf(c.Root().Writer, "\nChat session completed\n")
			return nil
		},
	}
}

// streamAnswer runs one exchange and prints chunks as they arrive.
// Ctrl-C cancels the in-flight stream without ending the session.
func streamAnswer(ctx context.Context, c *cli.Command, relay *chat.Relay, channel *model.Channel, question string) error {
	stream, err := relay.Stream(ctx, channel, question)
	if err != nil {
		return goerr.Wrap(err, "failed to start stream")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sigCh:
			stream.Cancel()
		case <-done:
		}
	}()

	var citations []model.Citation
	for ev := range stream.Events() {
		switch ev.Kind {
		case chat.EventChunk:
			fmt.Fprint(c.Root().Writer, ev.Chunk)
		case chat.EventCitations:
			citations = ev.Citations
		case chat.EventDone:
			fmt.Fprintln(c.Root().Writer)
		case chat.EventError:
			fmt.Fprintln(c.Root().Writer)
			return ev.Err
		}
	}

	if len(citations) > 0 {
		fmt.Fprintf(c.Root().Writer, "\nSources:\n")
		for _, cite := range citations {
			fmt.Fprintf(c.Root().Writer, "  - %s\n", cite.Label)
		}
	}

	return nil
}
