package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vuvietnguyenit/mlu-memtest/memory"
	"github.com/vuvietnguyenit/mlu-memtest/trace"
)

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&FlagVerbose, "log-verbose", slog.LevelInfo.String(), "Log verbosity level (DEBUG, INFO, WARN, ERROR)")
	cmd.PersistentFlags().StringVar(&FlagMemoryType, "memory-type", memory.TypeMLU.String(), "Buffer memory type (host, mlu)")
	cmd.PersistentFlags().IntVar(&FlagMLUDeviceID, "mlu-device-id", 0, "MLU device index to use")
	cmd.PersistentFlags().StringVar(&FlagMLUDeviceBusID, "mlu-device-bus-id", "", "MLU device PCIe bus id to use, overrides --mlu-device-id")
	cmd.PersistentFlags().BoolVar(&FlagUseMLUDmabuf, "use-mlu-dmabuf", false, "Register MLU buffers through DMA-BUF")
	cmd.PersistentFlags().StringVar(&FlagLibCNDrvPath, "libcndrv-path", trace.DefaultLibPath, "Path to libcndrv.so")
}

func validateFlags(cmd *cobra.Command) error {
	typ, err := memory.ParseType(FlagMemoryType)
	if err != nil {
		return err
	}
	if typ != memory.TypeMLU {
		for _, name := range []string{"mlu-device-id", "mlu-device-bus-id", "use-mlu-dmabuf"} {
			if cmd.Flags().Changed(name) {
				return fmt.Errorf("--%s can only be used with --memory-type=mlu", name)
			}
		}
	}
	if FlagMLUDeviceID < 0 {
		return fmt.Errorf("--mlu-device-id must not be negative")
	}
	return nil
}

// sizeRange is a "min[:max]" flag value in docker/go-units RAM syntax
// (64K, 1MiB, 4g).
type sizeRange struct {
	Min uint64
	Max uint64
}

var _ pflag.Value = (*sizeRange)(nil)

func (s *sizeRange) String() string {
	if s.Min == 0 {
		return ""
	}
	if s.Min == s.Max {
		return units.BytesSize(float64(s.Min))
	}
	return units.BytesSize(float64(s.Min)) + ":" + units.BytesSize(float64(s.Max))
}

func (s *sizeRange) Set(v string) error {
	parts := strings.Split(v, ":")
	if len(parts) > 2 {
		return fmt.Errorf("invalid size %q, want SIZE or MIN:MAX", v)
	}
	lo, err := parseSize(parts[0])
	if err != nil {
		return err
	}
	hi := lo
	if len(parts) == 2 {
		if hi, err = parseSize(parts[1]); err != nil {
			return err
		}
	}
	if hi < lo {
		return fmt.Errorf("invalid size %q: max is smaller than min", v)
	}
	s.Min, s.Max = lo, hi
	return nil
}

func (s *sizeRange) Type() string { return "size" }

// Sizes doubles from Min until Max, always ending on Max.
func (s *sizeRange) Sizes() []uint64 {
	var out []uint64
	for v := s.Min; v < s.Max; v *= 2 {
		out = append(out, v)
	}
	return append(out, s.Max)
}

func parseSize(v string) (uint64, error) {
	n, err := units.RAMInBytes(v)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", v, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid size %q: must be positive", v)
	}
	return uint64(n), nil
}
