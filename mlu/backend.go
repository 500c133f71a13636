package mlu

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/vuvietnguyenit/mlu-memtest/memory"
)

type allocation struct {
	size   uint64
	pinned bool
}

// Backend is the MLU implementation of memory.Backend. Integrated devices get
// host-pinned buffers, discrete devices get device-resident ones.
type Backend struct {
	drv         Driver
	deviceID    int
	deviceBusID string
	useDmabuf   bool

	mu          sync.Mutex
	thread      *osThread
	dev         Device
	ctx         Context
	info        DeviceInfo
	buffers     map[Addr]allocation
	initialized bool
}

var _ memory.Backend = (*Backend)(nil)

func New(drv Driver, params memory.Params) *Backend {
	return &Backend{
		drv:         drv,
		deviceID:    params.DeviceID,
		deviceBusID: params.DeviceBusID,
		useDmabuf:   params.UseDmabuf,
		buffers:     make(map[Addr]allocation),
	}
}

func (b *Backend) Init() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.initialized {
		return nil
	}

	t := newOSThread()
	if err := t.do(b.initDevice); err != nil {
		t.close()
		return fmt.Errorf("couldn't init MLU context: %w", err)
	}
	b.thread = t
	b.initialized = true
	return nil
}

// initDevice runs on the device thread.
func (b *Backend) initDevice() error {
	if b.deviceBusID != "" {
		slog.Info("initializing MLU")
		if err := b.drv.Init(0); err != nil {
			return fmt.Errorf("cnInit(0) failed: %w", err)
		}
		slog.Info("finding PCIe bus", "bus_id", b.deviceBusID)
		id, err := b.drv.DeviceByPCIBusID(b.deviceBusID)
		if err != nil {
			return fmt.Errorf("failed to get PCI bus ID (%s): %w", b.deviceBusID, err)
		}
		b.deviceID = id
		slog.Info("picking MLU", "device_id", id)
	}

	if err := b.openDevice(); err != nil {
		return err
	}

	if b.useDmabuf {
		slog.Warn("DMA-BUF is not supported on this MLU, disabling it")
		b.useDmabuf = false
	}
	return nil
}

func (b *Backend) openDevice() error {
	slog.Info("initializing MLU")
	if err := b.drv.Init(0); err != nil {
		return fmt.Errorf("cnInit(0) failed: %w", err)
	}
	count, err := b.drv.DeviceCount()
	if err != nil {
		return fmt.Errorf("cnDeviceGetCount() failed: %w", err)
	}
	if count == 0 {
		return ErrNoDevices
	}
	if b.deviceID < 0 || b.deviceID >= count {
		return fmt.Errorf("%w: %d", ErrNoSuchDevice, b.deviceID)
	}

	devices, err := listDevices(b.drv, count)
	if err != nil {
		return err
	}
	for _, d := range devices {
		slog.Info(fmt.Sprintf("MLU device %d: PCIe address is %s", d.Ordinal, d.PCIAddress()))
	}
	b.info = devices[b.deviceID]

	slog.Info("picking device", "device_id", b.deviceID)
	if b.dev, err = b.drv.DeviceGet(b.deviceID); err != nil {
		return err
	}
	slog.Info("device selected", "pid", os.Getpid(), "dev", b.dev, "name", b.info.Name, "integrated", b.info.Integrated)

	slog.Info("creating MLU ctx")
	if b.ctx, err = b.drv.CtxCreate(b.dev); err != nil {
		return err
	}
	slog.Info("making it the current MLU ctx")
	if err := b.drv.CtxSetCurrent(b.ctx); err != nil {
		if derr := b.drv.CtxDestroy(b.ctx); derr != nil {
			slog.Warn("destroying MLU ctx after failed activation", "err", derr)
		}
		return err
	}
	return nil
}

func (b *Backend) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil
	}

	var errs []error
	for addr, a := range b.buffers {
		slog.Warn("MLU buffer still allocated at destroy", "addr", fmt.Sprintf("0x%016x", uint64(addr)), "size", a.size)
		if err := b.thread.do(func() error { return b.release(addr, a) }); err != nil {
			errs = append(errs, err)
		}
		delete(b.buffers, addr)
	}

	slog.Info("destroying current MLU ctx")
	if err := b.thread.do(func() error { return b.drv.CtxDestroy(b.ctx) }); err != nil {
		errs = append(errs, err)
	}
	b.thread.close()
	b.thread = nil
	b.initialized = false
	return errors.Join(errs...)
}

func (b *Backend) AllocateBuffer(alignment int, size uint64) (*memory.Buffer, error) {
	if err := memory.ValidateAlignment(alignment); err != nil {
		return nil, err
	}
	if alignment > AccelPageSize {
		return nil, fmt.Errorf("%w: %d exceeds the %d byte device page", memory.ErrInvalidAlignment, alignment, AccelPageSize)
	}
	bufSize, err := memory.AllocSize(size, AccelPageSize)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return nil, memory.ErrNotInitialized
	}

	pinned := b.info.Integrated
	var addr Addr
	err = b.thread.do(func() error {
		var err error
		if pinned {
			slog.Info("cnMallocHost() of an MLU buffer", "size", size)
			addr, err = b.drv.MallocHost(bufSize)
		} else {
			slog.Info("cnMalloc() of an MLU buffer", "size", size)
			addr, err = b.drv.Malloc(bufSize)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("allocated MLU buffer", "addr", fmt.Sprintf("0x%016x", uint64(addr)), "alloc_size", bufSize)

	b.buffers[addr] = allocation{size: bufSize, pinned: pinned}
	return &memory.Buffer{
		Addr:      uintptr(addr),
		Size:      size,
		AllocSize: bufSize,
		DmabufFD:  -1,
		CanInit:   false,
	}, nil
}

func (b *Backend) FreeBuffer(buf *memory.Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return memory.ErrNotInitialized
	}

	addr := Addr(buf.Addr)
	a, ok := b.buffers[addr]
	if !ok {
		return fmt.Errorf("free 0x%x: %w", buf.Addr, memory.ErrUnknownBuffer)
	}
	slog.Info("deallocating MLU buffer", "addr", fmt.Sprintf("0x%016x", uint64(addr)))
	if err := b.thread.do(func() error { return b.release(addr, a) }); err != nil {
		return err
	}
	delete(b.buffers, addr)
	return nil
}

func (b *Backend) release(addr Addr, a allocation) error {
	if a.pinned {
		return b.drv.FreeHost(addr)
	}
	return b.drv.Free(addr)
}

// span checks that [addr, addr+n) lies inside one live buffer. b.mu must be
// held.
func (b *Backend) span(addr Addr, n uint64) error {
	for base, a := range b.buffers {
		if addr < base || uint64(addr-base) >= a.size {
			continue
		}
		if uint64(addr-base)+n > a.size {
			return fmt.Errorf("0x%x+%d: %w", uint64(addr), n, memory.ErrOutOfRange)
		}
		return nil
	}
	return fmt.Errorf("0x%x: %w", uint64(addr), memory.ErrUnknownBuffer)
}

type extent struct {
	addr Addr
	n    uint64
}

// copyLocked runs fn on the device thread once every extent checks out. b.mu
// is held until the copy returns.
func (b *Backend) copyLocked(fn func() error, extents ...extent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return memory.ErrNotInitialized
	}
	for _, e := range extents {
		if err := b.span(e.addr, e.n); err != nil {
			return err
		}
	}
	return b.thread.do(fn)
}

func (b *Backend) CopyHostToBuffer(dst uintptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	return b.copyLocked(func() error { return b.drv.MemcpyHtoD(Addr(dst), src) },
		extent{Addr(dst), uint64(len(src))})
}

func (b *Backend) CopyBufferToHost(dst []byte, src uintptr) error {
	if len(dst) == 0 {
		return nil
	}
	return b.copyLocked(func() error { return b.drv.MemcpyDtoH(dst, Addr(src)) },
		extent{Addr(src), uint64(len(dst))})
}

func (b *Backend) CopyBufferToBuffer(dst, src uintptr, size uint64) error {
	if size == 0 {
		return nil
	}
	return b.copyLocked(func() error { return b.drv.MemcpyDtoD(Addr(dst), Addr(src), size) },
		extent{Addr(dst), size}, extent{Addr(src), size})
}

// MemInfo reports free and total memory of the active device.
func (b *Backend) MemInfo() (MemInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.initialized {
		return MemInfo{}, memory.ErrNotInitialized
	}
	info := MemInfo{DeviceID: b.deviceID}
	err := b.thread.do(func() error {
		var err error
		info.Free, info.Total, err = b.drv.MemGetInfo()
		return err
	})
	if err != nil {
		return MemInfo{}, fmt.Errorf("cnMemGetInfo failed: %w", err)
	}
	return info, nil
}

// Device describes the selected device. Valid after Init.
func (b *Backend) Device() DeviceInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.info
}

// Supported reports whether the driver talks to a real runtime.
func (b *Backend) Supported() bool {
	if s, ok := b.drv.(interface{ Supported() bool }); ok {
		return s.Supported()
	}
	return true
}

func (b *Backend) DmabufSupported() bool { return false }
