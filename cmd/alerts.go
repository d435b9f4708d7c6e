package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List pipeline alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")
		alerts, err := env.Orch.Alerts(ctx, all, 100)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Fprintln(os.Stderr, "No alerts.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tJOB\tSTAGE\tRESOLVED\tCREATED\tMESSAGE")
		for _, a := range alerts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
				a.ID, a.JobName, a.Stage, a.Resolved,
				a.CreatedAt.Local().Format(time.RFC3339), a.Message)
		}
		return w.Flush()
	},
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Mark an alert resolved",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.ResolveAlert(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Resolved alert %s\n", args[0])
		return nil
	},
}

func init() {
	alertsCmd.Flags().Bool("all", false, "include resolved alerts")
	alertsCmd.AddCommand(alertsResolveCmd)
	rootCmd.AddCommand(alertsCmd)
}
