// Package mlu implements the Cambricon MLU memory backend on top of the CNDrv
// driver API.
package mlu

import (
	"errors"
	"fmt"
)

// AccelPageSize is the device allocation granularity.
const AccelPageSize = 64 * 1024

var (
	ErrDisabled     = errors.New("mlu support is disabled")
	ErrNoDevices    = errors.New("there are no available device(s) that support MLU")
	ErrNoSuchDevice = errors.New("no such device ID exists in system")
)

// Result is a raw CNresult code.
type Result int

const Success Result = 0

// Error wraps a non-success CNresult together with the call that produced it.
type Error struct {
	Op   string
	Code Result
	Msg  string
}

func NewError(op string, code Result, msg string) error {
	return &Error{Op: op, Code: code, Msg: msg}
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s returned %d", e.Op, int(e.Code))
	}
	return fmt.Sprintf("%s returned %d: %s", e.Op, int(e.Code), e.Msg)
}

// Device is a CNdev handle.
type Device int32

// Context is an opaque CNcontext handle.
type Context uintptr

// Addr is a CNaddr: a device address, or a host-pinned pointer on integrated
// devices.
type Addr uint64

type Attribute int

const (
	AttrPCIBusID Attribute = iota
	AttrPCIDeviceID
	AttrIntegrated
)

func (a Attribute) String() string {
	switch a {
	case AttrPCIBusID:
		return "PCI_BUS_ID"
	case AttrPCIDeviceID:
		return "PCI_DEVICE_ID"
	case AttrIntegrated:
		return "INTEGRATED"
	default:
		return fmt.Sprintf("ATTRIBUTE(%d)", int(a))
	}
}

// Driver is the subset of the CNDrv API the backend needs. Calls that depend
// on the current context must run on the OS thread the context was made
// current on.
type Driver interface {
	Init(flags uint32) error
	DeviceCount() (int, error)
	DeviceGet(ordinal int) (Device, error)
	DeviceByPCIBusID(busID string) (int, error)
	DeviceAttribute(attr Attribute, dev Device) (int, error)
	DeviceName(dev Device) (string, error)

	CtxCreate(dev Device) (Context, error)
	CtxSetCurrent(ctx Context) error
	CtxDestroy(ctx Context) error

	MemGetInfo() (free, total uint64, err error)
	Malloc(size uint64) (Addr, error)
	Free(addr Addr) error
	MallocHost(size uint64) (Addr, error)
	FreeHost(addr Addr) error

	MemcpyHtoD(dst Addr, src []byte) error
	MemcpyDtoH(dst []byte, src Addr) error
	MemcpyDtoD(dst, src Addr, size uint64) error
}
