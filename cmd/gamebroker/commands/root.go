package commands

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "gamebroker",
	Short: "Game server request broker",
	Long: `Tracks game server requests from submission to decision and provisions
approved requests on the AMP panel (account first, then instance).`,
	SilenceUsage:      true,
	PersistentPreRunE: configureLogging,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/gamebroker.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory")
	rootCmd.PersistentFlags().Bool("durable-approvals", false, "Run approval provisioning through the persistent FSM")
	rootCmd.PersistentFlags().String("panel-url", "", "AMP panel base URL")
	rootCmd.PersistentFlags().String("redis-url", "", "Redis URL for the shared panel session (optional)")
	rootCmd.PersistentFlags().Int("max-pending-per-user", 3, "Pending requests allowed per requester")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket for decision archives")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (text, json)")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("durable-approvals", rootCmd.PersistentFlags().Lookup("durable-approvals"))
	viper.BindPFlag("panel-url", rootCmd.PersistentFlags().Lookup("panel-url"))
	viper.BindPFlag("redis-url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("max-pending-per-user", rootCmd.PersistentFlags().Lookup("max-pending-per-user"))
	viper.BindPFlag("s3-bucket", rootCmd.PersistentFlags().Lookup("s3-bucket"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func configureLogging(cmd *cobra.Command, args []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log-level %q", viper.GetString("log-level"))
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(viper.GetString("log-format")) {
	case "", "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log-format %q", viper.GetString("log-format"))
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
