package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSizeRangeSet(t *testing.T) {
	var s sizeRange
	require.NoError(t, s.Set("64K"))
	require.Equal(t, uint64(64*1024), s.Min)
	require.Equal(t, s.Min, s.Max)
	require.Equal(t, []uint64{64 * 1024}, s.Sizes())
	require.Equal(t, "64KiB", s.String())

	require.NoError(t, s.Set("64K:1M"))
	require.Equal(t, []uint64{64 << 10, 128 << 10, 256 << 10, 512 << 10, 1 << 20}, s.Sizes())
	require.Equal(t, "64KiB:1MiB", s.String())
}

func TestSizeRangeEndsOnMax(t *testing.T) {
	s := sizeRange{Min: 1000, Max: 5000}
	require.Equal(t, []uint64{1000, 2000, 4000, 5000}, s.Sizes())
}

func TestSizeRangeRejects(t *testing.T) {
	for _, v := range []string{"", "abc", "0", "1M:64K", "1:2:3"} {
		var s sizeRange
		require.Error(t, s.Set(v), "value %q", v)
	}
}

func TestValidateFlagsRejectsMLUFlagsForHost(t *testing.T) {
	cmd := RootCmd()
	cmd.SetArgs([]string{"--memory-type", "host", "--mlu-device-id", "1", "devices"})
	err := cmd.Execute()
	require.ErrorContains(t, err, "--mlu-device-id can only be used with --memory-type=mlu")
}

func TestValidateFlagsRejectsUnknownType(t *testing.T) {
	cmd := RootCmd()
	cmd.SetArgs([]string{"--memory-type", "cuda", "devices"})
	require.ErrorContains(t, cmd.Execute(), "invalid memory type")
}

func TestInitLoggerRejectsLevel(t *testing.T) {
	old := FlagVerbose
	defer func() { FlagVerbose = old }()

	FlagVerbose = "TRACE"
	require.Error(t, initLogger())
	FlagVerbose = "debug"
	require.NoError(t, initLogger())
}
