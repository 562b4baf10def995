package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"retrykit/internal/app"
)

func newScheduleCmd(e *env) *cobra.Command {
	var (
		count   int
		forever bool
		output  string
	)

	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Print the resolved options and delay sequence",
		Long: `Print the resolved retry options, the strategy they select and the delays
a policy built from them waits. Forever policies show --count delays, at least
max(MaxRetries, 5) by default.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if count < 0 || count > app.MaxPlanCount {
				return fmt.Errorf("--count must be between 0 and %d", app.MaxPlanCount)
			}
			plan := app.NewPlan(e.opts, forever, count)

			switch output {
			case "text":
				writePlan(cmd.OutOrStdout(), plan)
				return nil
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(plan); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown --output %q (want text or yaml)", output)
			}
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "number of delays to print (0 = policy default)")
	cmd.Flags().BoolVar(&forever, "forever", false, "show a forever policy instead of a bounded one")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or yaml")
	return cmd
}

func writePlan(w io.Writer, p app.Plan) {
	fmt.Fprintf(w, "strategy:       %s\n", p.Strategy)
	fmt.Fprintf(w, "max retries:    %d\n", p.Options.MaxRetries)
	fmt.Fprintf(w, "initial delay:  %s\n", p.Options.InitialDelay)
	fmt.Fprintf(w, "jitter median:  %s\n", p.Options.DecoratedJitterMedian)
	fmt.Fprintf(w, "forever sleep:  %s\n", p.Options.ForeverSleepDuration)
	if len(p.Delays) == 0 {
		fmt.Fprintln(w, "delays:         none")
		return
	}
	fmt.Fprintln(w, "delays:")
	for i, d := range p.Delays {
		fmt.Fprintf(w, "  %3d  %s\n", i+1, d)
	}
}
