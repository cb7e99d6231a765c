package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "nexusctl",
	Short: "Talk to the configured chat backends from a terminal",
	Long: `nexusctl runs single chat turns through the same orchestrator the
daemon uses, reading configuration from the environment or a .env file.`,
	Example: `  # Stream an answer, with the model's reasoning on stderr
  $ nexusctl ask --show-thoughts "why is the sky blue?"

  # Ask about a local file
  $ nexusctl ask --file notes.txt "summarize this"

  # See how a prompt would be routed
  $ nexusctl classify "draw a cat in a hat"`,
	SilenceUsage: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log orchestrator events to stderr")
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(classifyCmd)
}

func logger() zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
