package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/civicnorth/tracker-cli/internal/model"
	"github.com/civicnorth/tracker-cli/internal/store"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List job execution history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobName, _ := cmd.Flags().GetString("job")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		recs, err := env.Orch.History(ctx, store.ExecutionFilter{
			JobName: jobName,
			Status:  model.ExecutionStatus(status),
			Limit:   limit,
		})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No executions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tJOB\tSTATUS\tATTEMPT\tSTARTED\tDURATION\tPROCESSED\tCREATED\tERRORS")
		for _, rec := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%d\t%d\t%d\n",
				rec.ID, rec.JobName, rec.Status, rec.Attempt,
				rec.StartedAt.Local().Format(time.RFC3339),
				rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond),
				rec.ItemsProcessed, rec.ItemsCreated, rec.ErrorCount,
			)
		}
		return w.Flush()
	},
}

func init() {
	historyCmd.Flags().String("job", "", "filter by job name")
	historyCmd.Flags().String("status", "", "filter by status (success, failure, timeout, busy)")
	historyCmd.Flags().Int("limit", 50, "max records")
	rootCmd.AddCommand(historyCmd)
}
