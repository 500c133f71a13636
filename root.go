package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vuvietnguyenit/mlu-memtest/memory"
	"github.com/vuvietnguyenit/mlu-memtest/mlu"
)

var (
	// Global flags
	FlagVerbose        string
	FlagMemoryType     string
	FlagMLUDeviceID    int
	FlagMLUDeviceBusID string
	FlagUseMLUDmabuf   bool
	FlagLibCNDrvPath   string

	// Bench flags
	FlagSize          sizeRange
	FlagIters         int
	FlagAlignment     int
	FlagDirection     string
	FlagVerify        bool
	FlagOutput        string
	FlagTrace         bool
	FlagTraceInterval time.Duration

	// Trace flags
	FlagInterval time.Duration
)

// newMLUDriver is swapped out by tests.
var newMLUDriver = mlu.NewDriver

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mlu-memtest",
		Short:         "Exercise MLU device memory the way the RDMA benchmarks use it",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := validateFlags(cmd); err != nil {
				return err
			}
			return initLogger()
		},
	}

	addGlobalFlags(rootCmd)
	rootCmd.AddCommand(devicesCmd(), benchCmd(), traceCmd())
	return rootCmd
}

func Execute() {
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func memoryParams() memory.Params {
	// validateFlags has already checked the type
	typ, _ := memory.ParseType(FlagMemoryType)
	return memory.Params{
		Type:        typ,
		DeviceID:    FlagMLUDeviceID,
		DeviceBusID: FlagMLUDeviceBusID,
		UseDmabuf:   FlagUseMLUDmabuf,
	}
}

// newBackend builds the backend for params and checks it can serve them.
func newBackend(params memory.Params) (memory.Backend, error) {
	var b memory.Backend
	switch params.Type {
	case memory.TypeHost:
		b = memory.NewHost()
	case memory.TypeMLU:
		b = mlu.New(newMLUDriver(), params)
	default:
		return nil, fmt.Errorf("unsupported memory type %s", params.Type)
	}
	if err := params.Validate(b); err != nil {
		return nil, err
	}
	return b, nil
}
