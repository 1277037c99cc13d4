package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/fennec/pkg/usecase/cleanup"
	"github.com/urfave/cli/v3"
)

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Reclaim expired trashed channels and notes",
		Commands: []*cli.Command{
			cleanupRunCommand(),
		},
	}
}

func cleanupRunCommand() *cli.Command {
	var cfg config

	flags := globalFlags(&cfg)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, cleanupFlags(&cfg)...)

	return &cli.Command{
		Name:  "run",
		Usage: "Run one reclamation pass and report the outcome",
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

			reclaimer, err := cfg.newReclaimer(ctx, repo)
			if err != nil {
				return err
			}

			scheduler := cleanup.NewScheduler(reclaimer, 0)
			if _, err := scheduler.RunNow(ctx); err != nil {
				return err
			}

			printStatus(c, scheduler.Status())
			return nil
		},
	}
}

func serveCleanupCommand() *cli.Command {
	var cfg config

	flags := []cli.Flag{
		&cli.DurationFlag{
			Name:        "interval",
			Usage:       "Time between reclamation runs",
			Sources:     cli.EnvVars("FENNEC_CLEANUP_INTERVAL"),
			Destination: &cfg.cleanupInterval,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)
	flags = append(flags, llmFlags(&cfg)...)
	flags = append(flags, cleanupFlags(&cfg)...)

	return &cli.Command{
		Name:  "serve-cleanup",
		Usage: "Run the reclamation scheduler until interrupted",
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

			reclaimer, err := cfg.newReclaimer(ctx, repo)
			if err != nil {
				return err
			}

			scheduler := cleanup.NewScheduler(reclaimer, cfg.cleanupInterval)
			scheduler.Start(ctx)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			<-sigCh

			scheduler.Stop()
			printStatus(c, scheduler.Status())
			return nil
		},
	}
}

func printStatus(c *cli.Command, st cleanup.Status) {
	if st.LastRunAt.IsZero() {
		fmt.Fprintln(c.Root().Writer, "No reclamation run yet")
		return
	}

	fmt.Fprintf(c.Root().Writer, "Last run: %s\n", st.LastRunAt.Format(time.RFC3339))
	if st.LastErr != nil {
		fmt.Fprintf(c.Root().Writer, "Last error: %v\n", st.LastErr)
	}
	if st.LastSummary != nil {
		printSummary(c, st.LastSummary)
	}
}

func printSummary(c *cli.Command, summary *model.ReclaimSummary) {
	fmt.Fprintf(c.Root().Writer, "Deleted channels: %d\n", summary.DeletedChannels)
	fmt.Fprintf(c.Root().Writer, "Retained channels: %d\n", summary.RetainedChannels)
	fmt.Fprintf(c.Root().Writer, "Deleted notes: %d\n", summary.DeletedNotes)
	if summary.TransientFailures > 0 || summary.PermanentFailures > 0 {
		fmt.Fprintf(c.Root().Writer, "Failures: %d transient, %d permanent\n",
			summary.TransientFailures, summary.PermanentFailures)
	}
	fmt.Fprintf(c.Root().Writer, "Duration: %s\n", summary.Duration)
}
