package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/mlu-memtest/memory"
	"github.com/vuvietnguyenit/mlu-memtest/mlu"
	"github.com/vuvietnguyenit/mlu-memtest/mlu/mlutest"
)

func fakeDevices() []mlutest.Device {
	return []mlutest.Device{
		{Name: "MLU370-X8", BusID: "0000:3b:00.0", PCIBus: 0x3b, TotalMem: 256 << 20},
		{Name: "MLU220-M.2", BusID: "0000:05:00.0", PCIBus: 0x05, Integrated: true, TotalMem: 256 << 20},
	}
}

func TestParseDirections(t *testing.T) {
	dirs, err := parseDirections("ALL")
	require.NoError(t, err)
	require.Equal(t, []string{dirH2D, dirD2H, dirD2D}, dirs)

	dirs, err = parseDirections("d2d")
	require.NoError(t, err)
	require.Equal(t, []string{dirD2D}, dirs)

	_, err = parseDirections("p2p")
	require.Error(t, err)
}

func TestBandwidth(t *testing.T) {
	require.InDelta(t, 2.0, bandwidthMBps(1_000_000, 2, time.Second), 1e-9)
	require.Zero(t, bandwidthMBps(1, 1, 0))
}

func runBenchOn(t *testing.T, b memory.Backend, cfg benchConfig) []benchResult {
	t.Helper()
	require.NoError(t, b.Init())
	defer func() { require.NoError(t, b.Destroy()) }()

	results, err := runBench(context.Background(), b, cfg)
	require.NoError(t, err)
	return results
}

func TestRunBenchHost(t *testing.T) {
	cfg := benchConfig{
		Sizes:      []uint64{4096, 8192},
		Iters:      3,
		Directions: []string{dirH2D, dirD2H, dirD2D},
		Verify:     true,
	}
	ledger := memory.NewLedger()
	results := runBenchOn(t, memory.Track(memory.NewHost(), memory.TypeHost, ledger), cfg)

	require.Len(t, results, 6)
	for _, r := range results {
		require.True(t, r.Verified)
		require.Equal(t, 3, r.Iterations)
	}
	require.Equal(t, uint64(8192), results[5].Size)
	require.Zero(t, ledger.Len())
}

func TestRunBenchMLU(t *testing.T) {
	for _, id := range []int{0, 1} {
		drv := mlutest.New(fakeDevices()...)
		cfg := benchConfig{
			Sizes:      []uint64{64 << 10, 100_000},
			Iters:      2,
			Directions: []string{dirH2D, dirD2H, dirD2D},
			Verify:     true,
		}
		results := runBenchOn(t, mlu.New(drv, memory.Params{Type: memory.TypeMLU, DeviceID: id}), cfg)

		require.Len(t, results, 6)
		// per size: one seed copy, the h2d and d2d target resets, the h2d iterations
		require.Equal(t, 2*(3+cfg.Iters), drv.Calls("cnMemcpyHtoD"))
		require.Equal(t, 2*cfg.Iters, drv.Calls("cnMemcpyDtoD"))
		require.Zero(t, drv.LiveAllocations())
	}
}

// droppedD2D loses every buffer to buffer copy.
type droppedD2D struct {
	memory.Backend
}

func (droppedD2D) CopyBufferToBuffer(dst, src uintptr, size uint64) error { return nil }

func TestRunBenchVerifyCatchesLostD2D(t *testing.T) {
	b := droppedD2D{memory.NewHost()}
	require.NoError(t, b.Init())
	defer b.Destroy()

	results, err := runBench(context.Background(), b, benchConfig{
		Sizes:      []uint64{4096},
		Iters:      2,
		Directions: []string{dirH2D, dirD2H, dirD2D},
		Verify:     true,
	})
	require.ErrorIs(t, err, errVerify)
	require.ErrorContains(t, err, "d2d")
	require.Len(t, results, 2)
}

func TestRunBenchCanceled(t *testing.T) {
	ledger := memory.NewLedger()
	b := memory.Track(memory.NewHost(), memory.TypeHost, ledger)
	require.NoError(t, b.Init())
	defer b.Destroy()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := runBench(ctx, b, benchConfig{Sizes: []uint64{4096}, Iters: 1, Directions: []string{dirH2D}})
	require.ErrorIs(t, err, context.Canceled)
	// buffers are released even when the run stops early
	require.Zero(t, ledger.Len())
}

func TestRunBenchSurfacesCopyErrors(t *testing.T) {
	drv := mlutest.New(fakeDevices()...)
	drv.FailOn("cnMemcpyDtoD", mlutest.ErrorInvalidValue)
	b := mlu.New(drv, memory.Params{Type: memory.TypeMLU})
	require.NoError(t, b.Init())
	defer b.Destroy()

	results, err := runBench(context.Background(), b, benchConfig{
		Sizes:      []uint64{4096},
		Iters:      1,
		Directions: []string{dirH2D, dirD2D},
	})
	require.ErrorContains(t, err, "d2d copy of 4096 bytes")
	require.Len(t, results, 1)
	require.Zero(t, drv.LiveAllocations())
}
