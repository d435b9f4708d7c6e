package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/civicnorth/tracker-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "tracker-cli",
	Short: "Government promise tracking pipeline",
	Long:  "Ingests government documents, extracts evidence of action, links evidence to tracked promises with confidence scores, and computes promise progress.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
