package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlexKimmel/cellgate/internal/ratelimit"
	"github.com/AlexKimmel/cellgate/internal/ratelimit/memory"
	"github.com/AlexKimmel/cellgate/internal/ratelimit/sqlite"
)

var checkOpts struct {
	rate     string
	count    int
	interval time.Duration
	db       string
	start    string
}

var checkCmd = &cobra.Command{
	Use:   "check KEY",
	Short: "Simulate limiter decisions for a key",
	Long: `Run a series of decisions for KEY and print one line per event.

Events are spaced --interval apart starting at --start (default: now).
Without --db a fresh in-memory store is used; with --db the decisions
read and advance the TATs held in that sqlite file.

Example:
  cellgate check alice --rate 10/1m --count 12
  cellgate check alice --rate 1/6s --count 5 --interval 3s`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		spec, err := ratelimit.ParseRateSpec(checkOpts.rate)
		if err != nil {
			return err
		}
		start := time.Now()
		if checkOpts.start != "" {
			if start, err = time.Parse(time.RFC3339Nano, checkOpts.start); err != nil {
				return fmt.Errorf("invalid --start: %w", err)
			}
		}

		var store ratelimit.Store
		if checkOpts.db != "" {
			if store, err = sqlite.Open(checkOpts.db); err != nil {
				return err
			}
		} else {
			store = memory.New()
		}
		defer store.Close()

		lim := ratelimit.New(store)
		out := cmd.OutOrStdout()
		for i := 0; i < checkOpts.count; i++ {
			now := start.Add(time.Duration(i) * checkOpts.interval)
			d, err := lim.Allow(cmd.Context(), args[0], spec, now)
			if err != nil {
				return err
			}
			verdict := "admit"
			if !d.Allowed {
				verdict = "reject"
			}
			fmt.Fprintf(out, "%3d  +%-10s %-6s remaining=%d retry_after=%s tat=%s\n",
				i+1, now.Sub(start), verdict, d.Remaining, d.RetryAfter, d.TAT.Format(time.RFC3339Nano))
		}
		return nil
	},
}

func init() {
	f := checkCmd.Flags()
	f.StringVar(&checkOpts.rate, "rate", "10/1m", "rate as LIMIT/PERIOD")
	f.IntVar(&checkOpts.count, "count", 1, "number of events")
	f.DurationVar(&checkOpts.interval, "interval", 0, "time between events")
	f.StringVar(&checkOpts.db, "db", "", "sqlite file holding TATs")
	f.StringVar(&checkOpts.start, "start", "", "instant of the first event (RFC3339)")
	rootCmd.AddCommand(checkCmd)
}
