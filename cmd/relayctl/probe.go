package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-relay/broker"
)

func newProbeCmd(flags *globalFlags) *cobra.Command {
	var (
		intervalMS  int64
		maxFailures int
		count       int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe broker health with round trips, failing over on failure",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			fc, err := flags.failover()
			if err != nil {
				return err
			}
			defer fc.Close()

			probe, err := broker.NewProbe(fc,
				broker.WithCheckInterval(intervalMS),
				broker.WithMaxFailures(maxFailures),
				broker.WithAdditionalLogging(true),
				broker.WithProbeLogger(slog.Default()))
			if err != nil {
				return err
			}
			defer probe.Close()

			return probeLoop(ctx, cmd.OutOrStdout(), probe, fc, count)
		},
	}

	cmd.Flags().Int64Var(&intervalMS, "interval", broker.DefaultCheckInterval.Milliseconds(), "Check interval in milliseconds")
	cmd.Flags().IntVar(&maxFailures, "max-failures", 1, "Consecutive failures before failing over")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Number of checks, 0 runs until interrupted")
	return cmd
}

// probeLoop runs count checks one interval apart, printing one line per check against
// the candidate that was current when the check started
func probeLoop(ctx context.Context, out io.Writer, probe *broker.Probe, target broker.Target, count int) error {
	ticker := time.NewTicker(probe.Interval())
	defer ticker.Stop()

	for i := 0; count == 0 || i < count; i++ {
		checked := target.Current().Descriptor().Sanitized()
		if err := probe.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(out, "%s  FAIL  %s  failures=%d  %v\n",
				time.Now().Format(time.TimeOnly), checked, probe.State().Failures, err)
		} else {
			fmt.Fprintf(out, "%s  OK    %s\n", time.Now().Format(time.TimeOnly), checked)
		}

		if count != 0 && i == count-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
	return nil
}
