package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/chatform-dev/chatform"
	"github.com/chatform-dev/chatform/pkg/config"
)

func newServeCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the conversation engine and extraction worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			log.Printf("Starting chatform v%s", Version)
			log.Printf("Config: %s, Storage: %s, Metrics Port: %d",
				*configFile, cfg.Storage, cfg.Server.MetricsPort)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			engine, err := chatform.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			if err := engine.Run(ctx); err != nil {
				return err
			}

			log.Println("chatform stopped")
			return nil
		},
	}
}

// loadConfig reads the config file, falling back to env-driven defaults when
// the file does not exist so `chatform serve` works out of the box.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("Config file %s not found, using defaults", path)
		return config.Default(), nil
	}
	return config.LoadConfig(path)
}
