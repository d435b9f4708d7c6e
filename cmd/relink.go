package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/civicnorth/tracker-cli/internal/linker"
)

var relinkCmd = &cobra.Command{
	Use:   "relink",
	Short: "Re-queue errored evidence items for the next linker run",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := linker.Relink(ctx, env.Store)
		if err != nil {
			return err
		}
		fmt.Printf("Re-queued %d evidence item(s)\n", n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(relinkCmd)
}
