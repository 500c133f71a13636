package mlu_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/mlu-memtest/mlu"
	"github.com/vuvietnguyenit/mlu-memtest/mlu/mlutest"
)

func TestListDevices(t *testing.T) {
	devices, err := mlu.ListDevices(mlutest.New(twoDevices()...))
	require.NoError(t, err)
	require.Len(t, devices, 2)

	require.Equal(t, "MLU370-X8", devices[0].Name)
	require.Equal(t, "3B:00", devices[0].PCIAddress())
	require.False(t, devices[0].Integrated)
	require.Equal(t, "AF:00", devices[1].PCIAddress())
	require.True(t, devices[1].Integrated)
}

func TestListDevicesFailure(t *testing.T) {
	drv := mlutest.New(twoDevices()...)
	drv.FailOn("cnDeviceGetName", mlutest.ErrorInvalidDevice)

	_, err := mlu.ListDevices(drv)
	require.ErrorContains(t, err, "cnDeviceGetName")
}

func TestErrorString(t *testing.T) {
	err := mlu.NewError("cnMalloc", 2, "out of memory")
	require.Equal(t, "cnMalloc returned 2: out of memory", err.Error())
	require.Equal(t, "cnInit returned 3", mlu.NewError("cnInit", 3, "").Error())
}
