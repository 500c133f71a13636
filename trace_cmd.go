package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/vuvietnguyenit/mlu-memtest/trace"
)

func traceCmd() *cobra.Command {
	var symbols []string
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Count calls into the MLU driver from every process on the host",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if FlagInterval <= 0 {
				return fmt.Errorf("--interval must be positive")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return appTrace(ctx, cmd, symbols)
		},
	}
	cmd.Flags().DurationVar(&FlagInterval, "interval", 2*time.Second, "Print interval")
	cmd.Flags().StringSliceVar(&symbols, "symbols", trace.DefaultSymbols, "Driver symbols to count")
	return cmd
}

func appTrace(ctx context.Context, cmd *cobra.Command, symbols []string) error {
	counter, err := trace.Open(FlagLibCNDrvPath, symbols)
	if err != nil {
		return err
	}
	defer counter.Close()

	slog.Info("eBPF program running... Press Ctrl+C to exit.", "lib", FlagLibCNDrvPath)
	out := cmd.OutOrStdout()
	err = watchCounts(ctx, nil, counter, FlagInterval, func(counts map[string]uint64) {
		fmt.Fprint(out, "\033[H\033[2J")
		fmt.Fprintf(out, "Time: %s\n", time.Now().Format(time.RFC3339))
		if err := printCounts(out, counts); err != nil {
			slog.Warn("printing counts", "err", err)
		}
	})
	slog.Info("Shutting down gracefully...")
	return err
}
