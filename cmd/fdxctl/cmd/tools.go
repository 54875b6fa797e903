package cmd

import (
	"fmt"
	"math/rand/v2"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_fdx/internal/faults"
	"github.com/austindbirch/harbor_fdx/internal/logging"
	"github.com/austindbirch/harbor_fdx/internal/retry"
	"github.com/austindbirch/harbor_fdx/internal/taskerr"
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Inspect retry policies",
}

var retryScheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the delays a retry policy produces",
	Long: `Print the wait before each retry for the given policy.

Example:
  fdxctl retry schedule --initial 500ms --coefficient 2 --max-interval 5s --max-attempts 10`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		initial, _ := cmd.Flags().GetDuration("initial")
		coefficient, _ := cmd.Flags().GetFloat64("coefficient")
		maxInterval, _ := cmd.Flags().GetDuration("max-interval")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		nonRetryable, _ := cmd.Flags().GetString("non-retryable")

		kinds, err := taskerr.ParseKinds(nonRetryable)
		if err != nil {
			return err
		}
		p, err := retry.NewPolicy(initial, coefficient, maxInterval, maxAttempts, kinds...)
		if err != nil {
			return err
		}

		schedule := p.Schedule()
		var total time.Duration
		for _, d := range schedule {
			total += d
		}

		if outputJSON {
			delays := make([]string, len(schedule))
			for i, d := range schedule {
				delays[i] = d.String()
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"maxAttempts":  p.MaxAttempts,
				"delays":       delays,
				"totalBackoff": total.String(),
				"retryable":    retryableKinds(p),
			})
		}

		w := cmd.OutOrStdout()
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "AFTER ATTEMPT\tWAIT\tELAPSED")
		var elapsed time.Duration
		for i, d := range schedule {
			elapsed += d
			fmt.Fprintf(tw, "%d\t%s\t%s\n", i+1, d, elapsed)
		}
		tw.Flush()
		fmt.Fprintf(w, "Attempt %d is final; total backoff %s\n", p.MaxAttempts, total)
		fmt.Fprintf(w, "Retried kinds: %v\n", retryableKinds(p))
		return nil
	},
}

func retryableKinds(p retry.Policy) []string {
	var out []string
	for _, k := range taskerr.AllKinds() {
		if k.Retryable() && p.Retryable(k) {
			out = append(out, k.String())
		}
	}
	return out
}

var faultsCmd = &cobra.Command{
	Use:   "faults",
	Short: "Explore fault injection",
}

var faultsSimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Draw faults offline and count them per kind",
	Long: `Run the fault injector without a server and report what it would raise.

Example:
  fdxctl faults simulate --rate 0.2 --kinds DatabaseDeadlock,NetworkTimeout --draws 1000 --seed 42`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rate, _ := cmd.Flags().GetFloat64("rate")
		kindList, _ := cmd.Flags().GetString("kinds")
		draws, _ := cmd.Flags().GetInt("draws")
		seed, _ := cmd.Flags().GetUint64("seed")
		latency, _ := cmd.Flags().GetBool("latency")

		kinds, err := taskerr.ParseKinds(kindList)
		if err != nil {
			return err
		}
		if draws < 1 {
			return fmt.Errorf("draws must be >= 1")
		}
		if seed == 0 {
			seed = rand.Uint64()
		}

		inj, err := faults.New(faults.Config{
			Enabled:      true,
			ErrorRate:    rate,
			EnabledKinds: kinds,
			AddLatency:   latency,
			Seed:         seed,
		}, faults.WithLogger(logging.Discard()))
		if err != nil {
			return err
		}

		counts := make(map[taskerr.Kind]int)
		var raised, delayed int
		var totalLatency time.Duration
		for range draws {
			f := inj.Draw()
			if f.Latency > 0 {
				delayed++
				totalLatency += f.Latency
			}
			if f.Raise {
				raised++
				counts[f.Kind]++
			}
		}

		if outputJSON {
			byKind := make(map[string]int, len(counts))
			for k, n := range counts {
				byKind[k.String()] = n
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"seed":         seed,
				"draws":        draws,
				"raised":       raised,
				"delayed":      delayed,
				"totalLatency": totalLatency.String(),
				"byKind":       byKind,
			})
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Seed %d: %d of %d draws raised (%.1f%%)\n", seed, raised, draws, 100*float64(raised)/float64(draws))
		if latency {
			fmt.Fprintf(w, "Latency added to %d draws, %s in total\n", delayed, totalLatency)
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tCOUNT\tRETRYABLE")
		for _, k := range taskerr.AllKinds() {
			if n := counts[k]; n > 0 {
				fmt.Fprintf(tw, "%s\t%d\t%v\n", k, n, k.Retryable())
			}
		}
		tw.Flush()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd, faultsCmd)
	retryCmd.AddCommand(retryScheduleCmd)
	faultsCmd.AddCommand(faultsSimulateCmd)

	def := retry.DefaultPolicy()
	retryScheduleCmd.Flags().Duration("initial", def.InitialInterval, "initial retry interval")
	retryScheduleCmd.Flags().Float64("coefficient", def.BackoffCoefficient, "backoff coefficient")
	retryScheduleCmd.Flags().Duration("max-interval", def.MaxInterval, "maximum retry interval")
	retryScheduleCmd.Flags().Int("max-attempts", def.MaxAttempts, "maximum attempts, including the first")
	retryScheduleCmd.Flags().String("non-retryable", "", "comma-separated kinds the policy never retries")

	faultsSimulateCmd.Flags().Float64("rate", faults.DefaultConfig().ErrorRate, "probability each draw raises a failure")
	faultsSimulateCmd.Flags().String("kinds", "", "comma-separated kinds to draw from (default all)")
	faultsSimulateCmd.Flags().Int("draws", 1000, "number of draws")
	faultsSimulateCmd.Flags().Uint64("seed", 0, "random seed (0 picks one)")
	faultsSimulateCmd.Flags().Bool("latency", false, "also draw injected latency")
}
