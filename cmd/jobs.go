package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List registered jobs and their configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEnv(cmd.Context())
		if err != nil {
			return err
		}
		defer env.Close()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSTAGE\tSCHEDULE\tTRIGGERS")
		for _, info := range env.Orch.Jobs() {
			schedule := info.Schedule
			if schedule == "" {
				schedule = "manual"
			}
			var triggers []string
			for _, tr := range info.Triggers {
				triggers = append(triggers, fmt.Sprintf("%s -> %s", tr.Condition, tr.TargetJob))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", info.Name, info.Stage, schedule, strings.Join(triggers, "; "))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}
