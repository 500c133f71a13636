package memory

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newInitializedHost(t *testing.T) *Host {
	t.Helper()
	h := NewHost()
	require.NoError(t, h.Init())
	t.Cleanup(func() { _ = h.Destroy() })
	return h
}

func TestHostAllocateRequiresInit(t *testing.T) {
	h := NewHost()
	_, err := h.AllocateBuffer(0, 128)
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestHostAllocateRoundsToPage(t *testing.T) {
	h := newInitializedHost(t)
	page := uint64(unix.Getpagesize())

	buf, err := h.AllocateBuffer(0, 100)
	require.NoError(t, err)
	require.Equal(t, uint64(100), buf.Size)
	require.Equal(t, page, buf.AllocSize)
	require.True(t, buf.CanInit)
	require.Equal(t, -1, buf.DmabufFD)
	require.Zero(t, uint64(buf.Addr)%page)

	require.NoError(t, h.FreeBuffer(buf))
}

func TestHostAllocateLargeAlignment(t *testing.T) {
	h := newInitializedHost(t)
	const align = 1 << 21

	buf, err := h.AllocateBuffer(align, 4096)
	require.NoError(t, err)
	require.Zero(t, uint64(buf.Addr)%align)
	require.NoError(t, h.FreeBuffer(buf))
}

func TestHostAllocateRejectsBadInput(t *testing.T) {
	h := newInitializedHost(t)

	_, err := h.AllocateBuffer(0, 0)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = h.AllocateBuffer(48, 64)
	require.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestHostCopies(t *testing.T) {
	h := newInitializedHost(t)

	a, err := h.AllocateBuffer(0, 256)
	require.NoError(t, err)
	b, err := h.AllocateBuffer(0, 256)
	require.NoError(t, err)

	src := bytes.Repeat([]byte{0xab, 0xcd}, 128)
	require.NoError(t, h.CopyHostToBuffer(a.Addr, src))
	require.NoError(t, h.CopyBufferToBuffer(b.Addr, a.Addr, 256))

	out := make([]byte, 256)
	require.NoError(t, h.CopyBufferToHost(out, b.Addr))
	require.Equal(t, src, out)

	// offsets inside a buffer resolve to the same region
	tail := make([]byte, 16)
	require.NoError(t, h.CopyBufferToHost(tail, b.Addr+240))
	require.Equal(t, src[240:], tail)
}

func TestHostCopyErrors(t *testing.T) {
	h := newInitializedHost(t)

	buf, err := h.AllocateBuffer(0, 64)
	require.NoError(t, err)

	tooBig := make([]byte, buf.AllocSize+1)
	require.ErrorIs(t, h.CopyHostToBuffer(buf.Addr, tooBig), ErrOutOfRange)
	require.ErrorIs(t, h.CopyBufferToHost(make([]byte, 8), 0x10), ErrUnknownBuffer)
	require.NoError(t, h.CopyBufferToBuffer(0x10, 0x20, 0))
}

func TestHostFreeUnknown(t *testing.T) {
	h := newInitializedHost(t)

	buf, err := h.AllocateBuffer(0, 64)
	require.NoError(t, err)
	require.NoError(t, h.FreeBuffer(buf))
	require.ErrorIs(t, h.FreeBuffer(buf), ErrUnknownBuffer)
}

func TestHostDestroyReleasesLiveBuffers(t *testing.T) {
	h := NewHost()
	require.NoError(t, h.Init())

	buf, err := h.AllocateBuffer(0, 64)
	require.NoError(t, err)
	require.NoError(t, h.Destroy())
	require.Empty(t, h.regions)
	require.ErrorIs(t, h.FreeBuffer(buf), ErrNotInitialized)

	// a second destroy is a no-op
	require.NoError(t, h.Destroy())
}

func TestHostAllocateRejectsOverflowingSize(t *testing.T) {
	h := newInitializedHost(t)

	for _, size := range []uint64{math.MaxUint64 - 10, math.MaxUint64, uint64(math.MaxInt) + 1} {
		_, err := h.AllocateBuffer(0, size)
		require.ErrorIs(t, err, ErrInvalidSize, "size %d", size)
	}
	_, err := h.AllocateBuffer(1<<21, math.MaxInt-4096)
	require.ErrorIs(t, err, ErrInvalidSize)
	require.Empty(t, h.regions)
}
