package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags)
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "chatform",
		Short:         "Conversational survey engine",
		Long:          "chatform runs survey forms as chat conversations and extracts structured responses from the transcripts.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c",
		getEnv("CONFIG_FILE", "config/chatform.yaml"), "configuration file")

	rootCmd.AddCommand(
		newServeCmd(&configFile),
		newChatCmd(&configFile),
		newExtractCmd(&configFile),
	)

	return rootCmd
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
