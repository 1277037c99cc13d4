package cli

import (
	"context"

	"github.com/urfave/cli/v3"
)

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	cmd := &cli.Command{
		Name:  "fennec",
		Usage: "Document channel Q&A agent",
		Commands: []*cli.Command{
			chatCommand(),
			channelsCommand(),
			historyCommand(),
			notesCommand(),
			trashCommand(),
			restoreCommand(),
			cleanupCommand(),
			serveCleanupCommand(),
		},
	}

	if err := cmd.Run(ctx, argv); err != nil {
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}
