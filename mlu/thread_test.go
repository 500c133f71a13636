package mlu

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

func TestOSThreadRunsOnOneThread(t *testing.T) {
	defer goleak.VerifyNone(t)

	th := newOSThread()
	var first int
	require.NoError(t, th.do(func() error {
		first = unix.Gettid()
		return nil
	}))
	for i := 0; i < 50; i++ {
		require.NoError(t, th.do(func() error {
			if tid := unix.Gettid(); tid != first {
				t.Errorf("ran on thread %d, want %d", tid, first)
			}
			return nil
		}))
	}
	th.close()
}

func TestOSThreadClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	th := newOSThread()
	th.close()
	th.close()
	require.ErrorIs(t, th.do(func() error { return nil }), errThreadClosed)
}

func TestOSThreadReturnsError(t *testing.T) {
	defer goleak.VerifyNone(t)

	th := newOSThread()
	defer th.close()
	want := NewError("cnMalloc", 2, "out of memory")
	require.Equal(t, want, th.do(func() error { return want }))
}
