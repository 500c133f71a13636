// Package memory defines the contract every buffer provider of the benchmark
// implements, plus the plain host provider and an allocation ledger.
package memory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotInitialized    = errors.New("memory backend is not initialized")
	ErrInvalidSize       = errors.New("buffer size must be greater than zero")
	ErrInvalidAlignment  = errors.New("alignment must be a power of two")
	ErrUnknownBuffer     = errors.New("address was not allocated by this backend")
	ErrOutOfRange        = errors.New("copy runs past the end of the buffer")
	ErrDmabufUnsupported = errors.New("DMA-BUF is not supported by this memory type")
)

type Type int

const (
	TypeHost Type = iota
	TypeMLU
)

func (t Type) String() string {
	switch t {
	case TypeHost:
		return "host"
	case TypeMLU:
		return "mlu"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "host":
		return TypeHost, nil
	case "mlu":
		return TypeMLU, nil
	default:
		return 0, fmt.Errorf("invalid memory type %q (host, mlu)", s)
	}
}

// Params selects and configures a backend.
type Params struct {
	Type        Type
	DeviceID    int
	DeviceBusID string
	UseDmabuf   bool
}

// Validate checks the parameters against what the chosen backend can do.
func (p Params) Validate(b Backend) error {
	if !b.Supported() {
		return fmt.Errorf("memory type %s is not supported by this build", p.Type)
	}
	if p.UseDmabuf && !b.DmabufSupported() {
		return ErrDmabufUnsupported
	}
	if p.DeviceID < 0 {
		return fmt.Errorf("invalid device id %d", p.DeviceID)
	}
	return nil
}

// Buffer describes one allocation handed out by a Backend.
type Buffer struct {
	Addr      uintptr
	Size      uint64 // requested
	AllocSize uint64 // after rounding to the backend granularity

	DmabufFD     int
	DmabufOffset uint64

	// CanInit reports whether the caller may write the memory directly.
	CanInit bool
}

func (b *Buffer) String() string {
	return fmt.Sprintf("buffer{addr=0x%x size=%d alloc=%d}", b.Addr, b.Size, b.AllocSize)
}

// Backend is implemented by every memory provider.
type Backend interface {
	Init() error
	Destroy() error

	AllocateBuffer(alignment int, size uint64) (*Buffer, error)
	FreeBuffer(buf *Buffer) error

	CopyHostToBuffer(dst uintptr, src []byte) error
	CopyBufferToHost(dst []byte, src uintptr) error
	CopyBufferToBuffer(dst, src uintptr, size uint64) error

	Supported() bool
	DmabufSupported() bool
}

// RoundUp rounds size up to a power-of-two granularity. It wraps to 0 when
// the result does not fit in a uint64; AllocSize checks for that.
func RoundUp(size, granularity uint64) uint64 {
	return (size + granularity - 1) &^ (granularity - 1)
}

// AllocSize is size rounded up to granularity, or ErrInvalidSize when size is
// 0 or the rounded size overflows.
func AllocSize(size, granularity uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrInvalidSize
	}
	n := RoundUp(size, granularity)
	if n < size {
		return 0, fmt.Errorf("%w: %d overflows when rounded to %d", ErrInvalidSize, size, granularity)
	}
	return n, nil
}

// ValidateAlignment accepts 0 (backend default) or a power of two.
func ValidateAlignment(alignment int) error {
	if alignment < 0 || alignment&(alignment-1) != 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidAlignment, alignment)
	}
	return nil
}
