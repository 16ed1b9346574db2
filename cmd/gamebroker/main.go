package main

import (
	"log/slog"
	"os"

	"github.com/panelbroker/gamebroker/cmd/gamebroker/commands"
)

func main() {
	// Text logs until the root command applies --log-level and --log-format
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	commands.Execute()
}
