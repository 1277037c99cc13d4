package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/m-mizutani/fennec/pkg/model"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"
)

func notesCommand() *cli.Command {
	return &cli.Command{
		Name:  "notes",
		Usage: "Manage channel notes",
		Commands: []*cli.Command{
			notesListCommand(),
			notesAddCommand(),
			notesTrashCommand(),
		},
	}
}

func notesListCommand() *cli.Command {
	var (
		cfg       config
		channelID model.ChannelID
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
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "list",
		Usage: "List notes of a channel",
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

			notes, err := repo.ListNotes(ctx, channelID)
			if err != nil {
				return err
			}

			if len(notes) == 0 {
				fmt.Fprintln(c.Root().Writer, "No notes")
				return nil
			}

			for _, note := range notes {
				fmt.Fprintf(c.Root().Writer, "%s  %s  (%s)\n%s\n\n",
					note.ID, note.Title, note.UpdatedAt.Format(time.RFC3339), note.Content)
			}
			return nil
		},
	}
}

func notesAddCommand() *cli.Command {
	var (
		cfg       config
		channelID model.ChannelID
		title     string
		content   string
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
		&cli.StringFlag{
			Name:        "title",
			Aliases:     []string{"t"},
			Usage:       "Note title",
			Destination: &title,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "content",
			Usage:       "Note content (reads stdin when omitted)",
			Destination: &content,
		},
	}
	flags = append(flags, globalFlags(&cfg)...)

	return &cli.Command{
		Name:  "add",
		Usage: "Add a note to a channel",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setup(ctx)
			if err != nil {
				return err
			}

			if content == "" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return goerr.Wrap(err, "failed to read note content from stdin")
				}
				content = string(data)
			}
			if content == "" {
				return goerr.New("note content is empty")
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			if _, err := repo.GetChannel(ctx, channelID); err != nil {
				return err
			}

			now := time.Now()
			note := &model.Note{
				ID:        model.NewNoteID(),
				ChannelID: channelID,
				Title:     title,
				Content:   content,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := repo.PutNote(ctx, note); err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Created note %s\n", note.ID)
			return nil
		},
	}
}

func notesTrashCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "trash",
		Usage:     "Move a note into the trash",
		ArgsUsage: "<note-id>",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			noteID := model.NoteID(c.Args().First())
			if noteID == "" {
				return goerr.New("note ID is required")
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

			if err := repo.TrashNote(ctx, noteID, time.Now()); err != nil {
				return err
			}

			fmt.Fprintf(c.Root().Writer, "Trashed note %s\n", noteID)
			return nil
		},
	}
}
