package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vuvietnguyenit/mlu-memtest/memory"
	"github.com/vuvietnguyenit/mlu-memtest/mlu"
	"github.com/vuvietnguyenit/mlu-memtest/trace"
)

const (
	dirH2D = "h2d"
	dirD2H = "d2h"
	dirD2D = "d2d"
)

var errVerify = errors.New("data verification failed")

func parseDirections(v string) ([]string, error) {
	switch strings.ToLower(v) {
	case "all":
		return []string{dirH2D, dirD2H, dirD2D}, nil
	case dirH2D, dirD2H, dirD2D:
		return []string{strings.ToLower(v)}, nil
	default:
		return nil, fmt.Errorf("invalid direction %q (h2d, d2h, d2d, all)", v)
	}
}

type benchConfig struct {
	Sizes      []uint64
	Iters      int
	Alignment  int
	Directions []string
	Verify     bool
}

type benchResult struct {
	Direction     string        `yaml:"direction"`
	Size          uint64        `yaml:"size"`
	Iterations    int           `yaml:"iterations"`
	Elapsed       time.Duration `yaml:"elapsed"`
	BandwidthMBps float64       `yaml:"bandwidth_mbps"`
	Verified      bool          `yaml:"verified"`
}

func bandwidthMBps(size uint64, iters int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(size) * float64(iters) * 1e-6 / elapsed.Seconds()
}

func fillPattern(buf []byte) {
	for i := range buf {
		buf[i] = byte(i*7 + i>>8)
	}
}

func runBench(ctx context.Context, b memory.Backend, cfg benchConfig) ([]benchResult, error) {
	var results []benchResult
	for _, size := range cfg.Sizes {
		rs, err := benchSize(ctx, b, cfg, size)
		results = append(results, rs...)
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func benchSize(ctx context.Context, b memory.Backend, cfg benchConfig, size uint64) (results []benchResult, err error) {
	src, err := b.AllocateBuffer(cfg.Alignment, size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	defer func() {
		if ferr := b.FreeBuffer(src); ferr != nil && err == nil {
			err = ferr
		}
	}()
	dst, err := b.AllocateBuffer(cfg.Alignment, size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d bytes: %w", size, err)
	}
	defer func() {
		if ferr := b.FreeBuffer(dst); ferr != nil && err == nil {
			err = ferr
		}
	}()

	host := make([]byte, size)
	fillPattern(host)
	scratch := make([]byte, size)
	if err := b.CopyHostToBuffer(src.Addr, host); err != nil {
		return nil, fmt.Errorf("seed source buffer: %w", err)
	}

	for _, dir := range cfg.Directions {
		var op func() error
		switch dir {
		case dirH2D:
			op = func() error { return b.CopyHostToBuffer(dst.Addr, host) }
		case dirD2H:
			op = func() error { return b.CopyBufferToHost(scratch, src.Addr) }
		case dirD2D:
			op = func() error { return b.CopyBufferToBuffer(dst.Addr, src.Addr, size) }
		default:
			return results, fmt.Errorf("invalid direction %q", dir)
		}

		if cfg.Verify {
			if err := resetTarget(b, dir, dst, scratch); err != nil {
				return results, err
			}
		}

		start := time.Now()
		for i := 0; i < cfg.Iters; i++ {
			if err := ctx.Err(); err != nil {
				return results, err
			}
			if err := op(); err != nil {
				return results, fmt.Errorf("%s copy of %d bytes: %w", dir, size, err)
			}
		}
		elapsed := time.Since(start)

		r := benchResult{
			Direction:     dir,
			Size:          size,
			Iterations:    cfg.Iters,
			Elapsed:       elapsed,
			BandwidthMBps: bandwidthMBps(size, cfg.Iters, elapsed),
		}
		if cfg.Verify {
			if err := verifyCopy(b, dir, dst, host, scratch); err != nil {
				return results, err
			}
			r.Verified = true
		}
		slog.Debug("bench step done", "direction", dir, "size", size, "mbps", r.BandwidthMBps)
		results = append(results, r)
	}
	return results, nil
}

// resetTarget zeroes whatever dir writes to, so a copy that moves nothing
// fails verification instead of passing on bytes an earlier direction left.
func resetTarget(b memory.Backend, dir string, dst *memory.Buffer, scratch []byte) error {
	if dir == dirD2H {
		clear(scratch)
		return nil
	}
	if err := b.CopyHostToBuffer(dst.Addr, make([]byte, dst.Size)); err != nil {
		return fmt.Errorf("reset %s target: %w", dir, err)
	}
	return nil
}

// verifyCopy checks the bytes a direction produced against the host pattern.
func verifyCopy(b memory.Backend, dir string, dst *memory.Buffer, host, scratch []byte) error {
	got := scratch
	if dir != dirD2H {
		got = make([]byte, len(host))
		if err := b.CopyBufferToHost(got, dst.Addr); err != nil {
			return fmt.Errorf("read back %s result: %w", dir, err)
		}
	}
	if !bytes.Equal(got, host) {
		return fmt.Errorf("%w: %s copy of %d bytes", errVerify, dir, len(host))
	}
	return nil
}

// watchCounts hands counter snapshots to sink every interval until ctx ends
// or done is closed.
func watchCounts(ctx context.Context, done <-chan struct{}, c *trace.Counter, interval time.Duration, sink func(map[string]uint64)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			counts, err := c.Counts()
			if err != nil {
				return err
			}
			sink(counts)
		}
	}
}

func benchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Allocate buffers and measure copy bandwidth",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if FlagSize.Min == 0 {
				return fmt.Errorf("--size is required")
			}
			if FlagIters <= 0 {
				return fmt.Errorf("--iters must be positive")
			}
			if _, err := parseDirections(FlagDirection); err != nil {
				return err
			}
			if FlagOutput != outputTable && FlagOutput != outputYAML {
				return fmt.Errorf("invalid output format %q (table, yaml)", FlagOutput)
			}
			if !FlagTrace && cmd.Flags().Changed("trace-interval") {
				return fmt.Errorf("--trace-interval can only be used with --trace")
			}
			return memory.ValidateAlignment(FlagAlignment)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			return appBench(ctx, cmd)
		},
	}

	FlagSize = sizeRange{Min: 64 * units.KiB, Max: 64 * units.KiB}
	cmd.Flags().Var(&FlagSize, "size", "Buffer size, or MIN:MAX to double from MIN up to MAX")
	cmd.Flags().IntVar(&FlagIters, "iters", 1000, "Copies per direction and size")
	cmd.Flags().IntVar(&FlagAlignment, "alignment", 0, "Buffer alignment in bytes (0 = backend default)")
	cmd.Flags().StringVar(&FlagDirection, "direction", "all", "Copy direction (h2d, d2h, d2d, all)")
	cmd.Flags().BoolVar(&FlagVerify, "verify", false, "Check copied data after each direction")
	cmd.Flags().StringVar(&FlagOutput, "output", outputTable, "Result format (table, yaml)")
	cmd.Flags().BoolVar(&FlagTrace, "trace", false, "Count driver calls with eBPF uprobes during the run")
	cmd.Flags().DurationVar(&FlagTraceInterval, "trace-interval", 0, "Log driver call counts at this interval (requires --trace)")
	return cmd
}

func appBench(ctx context.Context, cmd *cobra.Command) error {
	dirs, _ := parseDirections(FlagDirection)
	cfg := benchConfig{
		Sizes:      FlagSize.Sizes(),
		Iters:      FlagIters,
		Alignment:  FlagAlignment,
		Directions: dirs,
		Verify:     FlagVerify,
	}

	params := memoryParams()
	backend, err := newBackend(params)
	if err != nil {
		return err
	}
	ledger := memory.NewLedger()
	tracked := memory.Track(backend, params.Type, ledger)
	if err := tracked.Init(); err != nil {
		return err
	}
	defer func() {
		if err := tracked.Destroy(); err != nil {
			slog.Error("destroying memory backend", "err", err)
		}
	}()

	if mb, ok := backend.(*mlu.Backend); ok {
		if info, err := mb.MemInfo(); err != nil {
			slog.Warn("reading device memory info", "err", err)
		} else {
			slog.Info("device memory", "device", info.DeviceID,
				"free", units.BytesSize(float64(info.Free)), "total", units.BytesSize(float64(info.Total)))
		}
	}

	var counter *trace.Counter
	if FlagTrace {
		if counter, err = trace.Open(FlagLibCNDrvPath, trace.DefaultSymbols); err != nil {
			return err
		}
		defer counter.Close()
	}

	var results []benchResult
	g, gctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	g.Go(func() error {
		defer close(done)
		var err error
		results, err = runBench(gctx, tracked, cfg)
		return err
	})
	if counter != nil && FlagTraceInterval > 0 {
		g.Go(func() error {
			return watchCounts(gctx, done, counter, FlagTraceInterval, func(counts map[string]uint64) {
				slog.Info("driver calls", "counts", counts)
			})
		})
	}
	benchErr := g.Wait()

	out := cmd.OutOrStdout()
	if err := printResults(out, results, FlagOutput); err != nil {
		return err
	}
	if live := ledger.Live(); len(live) > 0 {
		slog.Warn("buffers still allocated after the run", "count", len(live), "bytes", ledger.Total())
		if err := printLeaks(cmd.ErrOrStderr(), live); err != nil {
			return err
		}
	}
	if counter != nil {
		counts, err := counter.Counts()
		if err != nil {
			return err
		}
		if err := printCounts(cmd.ErrOrStderr(), counts); err != nil {
			return err
		}
	}
	return benchErr
}
