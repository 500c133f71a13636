// Package mlutest provides an in-memory mlu.Driver for tests that run without
// MLU hardware.
package mlutest

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/vuvietnguyenit/mlu-memtest/mlu"
)

// Result codes the fake reports. They only need to be distinct and non-zero.
const (
	ErrorInvalidValue   mlu.Result = 1
	ErrorOutOfMemory    mlu.Result = 2
	ErrorNotInitialized mlu.Result = 3
	ErrorInvalidDevice  mlu.Result = 101
	ErrorInvalidContext mlu.Result = 201
	ErrorNotFound       mlu.Result = 500
)

const (
	deviceBase = 0x0000_0001_0000_0000
	hostBase   = 0x0000_7f00_0000_0000
)

type Device struct {
	Name       string
	BusID      string // e.g. "0000:3b:00.0"
	PCIBus     int
	PCIDevice  int
	Integrated bool
	TotalMem   uint64
}

type fakeAlloc struct {
	dev    mlu.Device
	data   []byte
	pinned bool
}

// Driver simulates the CNDrv API. Calls that need a current context fail with
// ErrorInvalidContext unless they run on the OS thread the context was made
// current on.
type Driver struct {
	mu sync.Mutex

	devices     []Device
	initialized bool
	failures    map[string]mlu.Result
	calls       map[string]int

	nextDevAddr  mlu.Addr
	nextHostAddr mlu.Addr
	allocs       map[mlu.Addr]*fakeAlloc

	nextCtx    mlu.Context
	contexts   map[mlu.Context]mlu.Device
	current    mlu.Context
	currentTID int
}

var _ mlu.Driver = (*Driver)(nil)

func New(devices ...Device) *Driver {
	return &Driver{
		devices:      devices,
		failures:     make(map[string]mlu.Result),
		calls:        make(map[string]int),
		nextDevAddr:  deviceBase,
		nextHostAddr: hostBase,
		allocs:       make(map[mlu.Addr]*fakeAlloc),
		nextCtx:      1,
		contexts:     make(map[mlu.Context]mlu.Device),
	}
}

// FailOn makes every later call to op (a CNDrv function name such as
// "cnMalloc") fail with code.
func (d *Driver) FailOn(op string, code mlu.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = code
}

func (d *Driver) Calls(op string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// LiveAllocations counts device and pinned allocations not yet freed.
func (d *Driver) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}

func (d *Driver) LiveContexts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.contexts)
}

// Read returns a copy of n bytes at addr, for assertions.
func (d *Driver) Read(addr mlu.Addr, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, err := d.window(addr, uint64(n))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), w...), nil
}

// enter records the call and returns the injected failure, if any.
// d.mu must be held.
func (d *Driver) enter(op string) error {
	d.calls[op]++
	if code, ok := d.failures[op]; ok {
		return mlu.NewError(op, code, "injected failure")
	}
	return nil
}

func (d *Driver) requireInit(op string) error {
	if !d.initialized {
		return mlu.NewError(op, ErrorNotInitialized, "driver not initialized")
	}
	return nil
}

func (d *Driver) requireContext(op string) error {
	if err := d.requireInit(op); err != nil {
		return err
	}
	if d.current == 0 || d.currentTID != unix.Gettid() {
		return mlu.NewError(op, ErrorInvalidContext, "no current context on this thread")
	}
	return nil
}

func (d *Driver) validDevice(op string, dev mlu.Device) error {
	if int(dev) < 0 || int(dev) >= len(d.devices) {
		return mlu.NewError(op, ErrorInvalidDevice, fmt.Sprintf("invalid device %d", dev))
	}
	return nil
}

func (d *Driver) Init(flags uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnInit"); err != nil {
		return err
	}
	if flags != 0 {
		return mlu.NewError("cnInit", ErrorInvalidValue, "flags must be 0")
	}
	d.initialized = true
	return nil
}

func (d *Driver) DeviceCount() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnDeviceGetCount"); err != nil {
		return 0, err
	}
	if err := d.requireInit("cnDeviceGetCount"); err != nil {
		return 0, err
	}
	return len(d.devices), nil
}

func (d *Driver) DeviceGet(ordinal int) (mlu.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnDeviceGet"); err != nil {
		return 0, err
	}
	if err := d.requireInit("cnDeviceGet"); err != nil {
		return 0, err
	}
	if err := d.validDevice("cnDeviceGet", mlu.Device(ordinal)); err != nil {
		return 0, err
	}
	return mlu.Device(ordinal), nil
}

func (d *Driver) DeviceByPCIBusID(busID string) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnDeviceGetByPCIBusId"); err != nil {
		return 0, err
	}
	if err := d.requireInit("cnDeviceGetByPCIBusId"); err != nil {
		return 0, err
	}
	for i, dev := range d.devices {
		if strings.EqualFold(dev.BusID, busID) {
			return i, nil
		}
	}
	return 0, mlu.NewError("cnDeviceGetByPCIBusId", ErrorNotFound, "no device with bus id "+busID)
}

func (d *Driver) DeviceAttribute(attr mlu.Attribute, dev mlu.Device) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnDeviceGetAttribute"); err != nil {
		return 0, err
	}
	if err := d.requireInit("cnDeviceGetAttribute"); err != nil {
		return 0, err
	}
	if err := d.validDevice("cnDeviceGetAttribute", dev); err != nil {
		return 0, err
	}
	info := d.devices[dev]
	switch attr {
	case mlu.AttrPCIBusID:
		return info.PCIBus, nil
	case mlu.AttrPCIDeviceID:
		return info.PCIDevice, nil
	case mlu.AttrIntegrated:
		if info.Integrated {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, mlu.NewError("cnDeviceGetAttribute", ErrorInvalidValue, "unknown attribute")
	}
}

func (d *Driver) DeviceName(dev mlu.Device) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnDeviceGetName"); err != nil {
		return "", err
	}
	if err := d.requireInit("cnDeviceGetName"); err != nil {
		return "", err
	}
	if err := d.validDevice("cnDeviceGetName", dev); err != nil {
		return "", err
	}
	return d.devices[dev].Name, nil
}

func (d *Driver) CtxCreate(dev mlu.Device) (mlu.Context, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnCtxCreate"); err != nil {
		return 0, err
	}
	if err := d.requireInit("cnCtxCreate"); err != nil {
		return 0, err
	}
	if err := d.validDevice("cnCtxCreate", dev); err != nil {
		return 0, err
	}
	ctx := d.nextCtx
	d.nextCtx++
	d.contexts[ctx] = dev
	return ctx, nil
}

func (d *Driver) CtxSetCurrent(ctx mlu.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnCtxSetCurrent"); err != nil {
		return err
	}
	if _, ok := d.contexts[ctx]; !ok {
		return mlu.NewError("cnCtxSetCurrent", ErrorInvalidContext, "unknown context")
	}
	d.current = ctx
	d.currentTID = unix.Gettid()
	return nil
}

func (d *Driver) CtxDestroy(ctx mlu.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnCtxDestroy"); err != nil {
		return err
	}
	dev, ok := d.contexts[ctx]
	if !ok {
		return mlu.NewError("cnCtxDestroy", ErrorInvalidContext, "unknown context")
	}
	delete(d.contexts, ctx)
	for addr, a := range d.allocs {
		if a.dev == dev {
			delete(d.allocs, addr)
		}
	}
	if d.current == ctx {
		d.current = 0
		d.currentTID = 0
	}
	return nil
}

func (d *Driver) MemGetInfo() (uint64, uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnMemGetInfo"); err != nil {
		return 0, 0, err
	}
	if err := d.requireContext("cnMemGetInfo"); err != nil {
		return 0, 0, err
	}
	dev := d.contexts[d.current]
	total := d.devices[dev].TotalMem
	return total - d.usedLocked(dev), total, nil
}

func (d *Driver) usedLocked(dev mlu.Device) uint64 {
	var used uint64
	for _, a := range d.allocs {
		if a.dev == dev && !a.pinned {
			used += uint64(len(a.data))
		}
	}
	return used
}

func (d *Driver) allocate(op string, size uint64, pinned bool) (mlu.Addr, error) {
	if err := d.enter(op); err != nil {
		return 0, err
	}
	if err := d.requireContext(op); err != nil {
		return 0, err
	}
	if size == 0 {
		return 0, mlu.NewError(op, ErrorInvalidValue, "zero size")
	}
	dev := d.contexts[d.current]
	if !pinned {
		if total := d.devices[dev].TotalMem; total > 0 && d.usedLocked(dev)+size > total {
			return 0, mlu.NewError(op, ErrorOutOfMemory, "out of device memory")
		}
	}

	next := &d.nextDevAddr
	if pinned {
		next = &d.nextHostAddr
	}
	addr := *next
	*next += mlu.Addr((size + mlu.AccelPageSize - 1) &^ (mlu.AccelPageSize - 1))
	d.allocs[addr] = &fakeAlloc{dev: dev, data: make([]byte, size), pinned: pinned}
	return addr, nil
}

func (d *Driver) release(op string, addr mlu.Addr, pinned bool) error {
	if err := d.enter(op); err != nil {
		return err
	}
	if err := d.requireContext(op); err != nil {
		return err
	}
	a, ok := d.allocs[addr]
	if !ok || a.pinned != pinned {
		return mlu.NewError(op, ErrorInvalidValue, fmt.Sprintf("invalid address 0x%x", uint64(addr)))
	}
	delete(d.allocs, addr)
	return nil
}

func (d *Driver) Malloc(size uint64) (mlu.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocate("cnMalloc", size, false)
}

func (d *Driver) Free(addr mlu.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.release("cnFree", addr, false)
}

func (d *Driver) MallocHost(size uint64) (mlu.Addr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.allocate("cnMallocHost", size, true)
}

func (d *Driver) FreeHost(addr mlu.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.release("cnFreeHost", addr, true)
}

// window resolves addr to the simulated bytes backing it. d.mu must be held.
func (d *Driver) window(addr mlu.Addr, n uint64) ([]byte, error) {
	for base, a := range d.allocs {
		if addr < base || uint64(addr-base) >= uint64(len(a.data)) {
			continue
		}
		off := uint64(addr - base)
		if off+n > uint64(len(a.data)) {
			return nil, mlu.NewError("memcpy", ErrorInvalidValue, "copy out of bounds")
		}
		return a.data[off : off+n], nil
	}
	return nil, mlu.NewError("memcpy", ErrorInvalidValue, fmt.Sprintf("invalid address 0x%x", uint64(addr)))
}

func (d *Driver) MemcpyHtoD(dst mlu.Addr, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnMemcpyHtoD"); err != nil {
		return err
	}
	if err := d.requireContext("cnMemcpyHtoD"); err != nil {
		return err
	}
	w, err := d.window(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(w, src)
	return nil
}

func (d *Driver) MemcpyDtoH(dst []byte, src mlu.Addr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnMemcpyDtoH"); err != nil {
		return err
	}
	if err := d.requireContext("cnMemcpyDtoH"); err != nil {
		return err
	}
	w, err := d.window(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, w)
	return nil
}

func (d *Driver) MemcpyDtoD(dst, src mlu.Addr, size uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.enter("cnMemcpyDtoD"); err != nil {
		return err
	}
	if err := d.requireContext("cnMemcpyDtoD"); err != nil {
		return err
	}
	dw, err := d.window(dst, size)
	if err != nil {
		return err
	}
	sw, err := d.window(src, size)
	if err != nil {
		return err
	}
	copy(dw, sw)
	return nil
}
