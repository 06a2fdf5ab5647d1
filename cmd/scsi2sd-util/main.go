package main

import (
	"log/slog"
	"os"

	"github.com/scsi2sd/scsi2sd-util/cmd/scsi2sd-util/commands"
)

func main() {
	// Initialize structured logger with text format for readability.
	// stdout is left to command output.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
