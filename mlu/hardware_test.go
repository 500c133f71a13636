//go:build mlu

package mlu_test

import (
	"testing"

	"github.com/vuvietnguyenit/mlu-memtest/memory"
	"github.com/vuvietnguyenit/mlu-memtest/mlu"
)

func TestHardwareRoundTrip(t *testing.T) {
	devices, err := mlu.ListDevices(mlu.NewDriver())
	if err != nil || len(devices) == 0 {
		t.Skipf("Skipping test — MLU device not available: %v", err)
	}

	b := mlu.New(mlu.NewDriver(), memory.Params{Type: memory.TypeMLU})
	if err := b.Init(); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer b.Destroy()

	buf, err := b.AllocateBuffer(0, 1<<20)
	if err != nil {
		t.Fatalf("AllocateBuffer failed: %v", err)
	}
	in := make([]byte, 1<<20)
	for i := range in {
		in[i] = byte(i)
	}
	if err := b.CopyHostToBuffer(buf.Addr, in); err != nil {
		t.Fatalf("CopyHostToBuffer failed: %v", err)
	}
	out := make([]byte, len(in))
	if err := b.CopyBufferToHost(out, buf.Addr); err != nil {
		t.Fatalf("CopyBufferToHost failed: %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("byte %d: got %d, want %d", i, out[i], in[i])
		}
	}
	if err := b.FreeBuffer(buf); err != nil {
		t.Fatalf("FreeBuffer failed: %v", err)
	}
	t.Logf("Device %d (%s) round trip ok", b.Device().Ordinal, b.Device().Name)
}

func TestHardwareUnknownAttribute(t *testing.T) {
	drv := mlu.NewDriver()
	devices, err := mlu.ListDevices(drv)
	if err != nil || len(devices) == 0 {
		t.Skipf("Skipping test — MLU device not available: %v", err)
	}

	dev, err := drv.DeviceGet(0)
	if err != nil {
		t.Fatalf("DeviceGet failed: %v", err)
	}
	if _, err := drv.DeviceAttribute(mlu.AttrIntegrated, dev); err != nil {
		t.Fatalf("DeviceAttribute(integrated) failed: %v", err)
	}
	if v, err := drv.DeviceAttribute(mlu.Attribute(99), dev); err == nil {
		t.Fatalf("DeviceAttribute(99) = %d, want an error", v)
	}
}
