package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	verbose    bool
	configPath string

	// Client-side flags shared by persona, chat, and call.
	serverURL string
	userFlag  string
)

var rootCmd = &cobra.Command{
	Use:   "companion",
	Short: "AI companion conversation engine",
	Long: `companion - persona-driven conversation engine with streamed turns,
feedback-driven prompt tuning, and a realtime voice bridge.

Server:
  companion serve -f config.yaml

Client (against a running server):
  companion persona create --name Luna --prompt "You are Luna."
  companion chat new --persona <id>
  companion chat send --conversation <id> "hello"
  companion call --conversation <id>`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initLogging)
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

func initLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// addClientFlags registers the flags every server-client command needs.
func addClientFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "companion server URL")
	cmd.Flags().StringVar(&userFlag, "user", "", "acting user id (required)")
	cmd.MarkFlagRequired("user")
}
