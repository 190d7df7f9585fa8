package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/chatform-dev/chatform"
)

func newExtractCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "extract",
		Short: "Re-enqueue ended sessions that were never extracted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			engine, err := chatform.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer engine.Close()

			n, err := engine.Sweep(ctx)
			if err != nil {
				return err
			}
			log.Printf("Re-enqueued %d session(s) for extraction", n)
			if n == 0 {
				return nil
			}

			// Drain the queue in-process so the run is self-contained.
			return engine.Drain(ctx)
		},
	}
}
