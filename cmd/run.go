package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var runJSON bool

var runCmd = &cobra.Command{
	Use:   "run <job>...",
	Short: "Execute one or more pipeline jobs",
	Long:  "Executes the named jobs. A single job runs synchronously; multiple jobs run concurrently up to the configured limit. Downstream triggers fire as in serve mode but are not drained: use serve for continuous operation.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			res, err := env.Orch.ExecuteJob(ctx, args[0])
			if err != nil {
				return err
			}
			return printResult(args[0], res)
		}

		outcomes := env.Orch.ExecuteBatch(ctx, args)
		var failed int
		for _, o := range outcomes {
			if o.Err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "%s: %v\n", o.Name, o.Err)
				continue
			}
			if err := printResult(o.Name, o.Result); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d jobs failed", failed, len(outcomes))
		}
		return nil
	},
}

func printResult(name string, res any) error {
	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"job": name, "result": res})
	}
	fmt.Printf("%s: %+v\n", name, res)
	return nil
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "emit results as JSON")
	rootCmd.AddCommand(runCmd)
}
