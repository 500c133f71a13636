package memory

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

type hostRegion struct {
	mapping []byte
	data    []byte
}

// Host hands out anonymous mmap regions from ordinary process memory.
type Host struct {
	mu          sync.Mutex
	pageSize    uint64
	regions     map[uintptr]*hostRegion
	initialized bool
}

var _ Backend = (*Host)(nil)

func NewHost() *Host {
	return &Host{
		pageSize: uint64(unix.Getpagesize()),
		regions:  make(map[uintptr]*hostRegion),
	}
}

func (h *Host) Init() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initialized = true
	return nil
}

func (h *Host) Destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil
	}
	var firstErr error
	for addr, r := range h.regions {
		slog.Warn("host buffer still allocated at destroy", "addr", fmt.Sprintf("0x%x", addr), "size", len(r.data))
		if err := unix.Munmap(r.mapping); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap 0x%x: %w", addr, err)
		}
		delete(h.regions, addr)
	}
	h.initialized = false
	return firstErr
}

func (h *Host) AllocateBuffer(alignment int, size uint64) (*Buffer, error) {
	if err := ValidateAlignment(alignment); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return nil, ErrNotInitialized
	}

	allocSize, err := AllocSize(size, h.pageSize)
	if err != nil {
		return nil, err
	}
	mapLen := allocSize
	if uint64(alignment) > h.pageSize {
		mapLen += uint64(alignment)
	}
	if mapLen < allocSize || mapLen > math.MaxInt {
		return nil, fmt.Errorf("%w: %d bytes cannot be mapped", ErrInvalidSize, size)
	}

	mapping, err := unix.Mmap(-1, 0, int(mapLen), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", mapLen, err)
	}

	base := uintptr(unsafe.Pointer(&mapping[0]))
	var off uint64
	if uint64(alignment) > h.pageSize {
		off = RoundUp(uint64(base), uint64(alignment)) - uint64(base)
	}
	data := mapping[off : off+allocSize]
	addr := base + uintptr(off)
	h.regions[addr] = &hostRegion{mapping: mapping, data: data}

	slog.Debug("allocated host buffer", "addr", fmt.Sprintf("0x%x", addr), "size", size, "alloc_size", allocSize)
	return &Buffer{
		Addr:      addr,
		Size:      size,
		AllocSize: allocSize,
		DmabufFD:  -1,
		CanInit:   true,
	}, nil
}

func (h *Host) FreeBuffer(buf *Buffer) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return ErrNotInitialized
	}

	r, ok := h.regions[buf.Addr]
	if !ok {
		return fmt.Errorf("free 0x%x: %w", buf.Addr, ErrUnknownBuffer)
	}
	delete(h.regions, buf.Addr)
	if err := unix.Munmap(r.mapping); err != nil {
		return fmt.Errorf("munmap 0x%x: %w", buf.Addr, err)
	}
	slog.Debug("deallocated host buffer", "addr", fmt.Sprintf("0x%x", buf.Addr))
	return nil
}

// window returns the n bytes starting at addr inside a live region.
func (h *Host) window(addr uintptr, n uint64) ([]byte, error) {
	for base, r := range h.regions {
		end := base + uintptr(len(r.data))
		if addr < base || addr >= end {
			continue
		}
		off := uint64(addr - base)
		if off+n > uint64(len(r.data)) {
			return nil, fmt.Errorf("0x%x+%d: %w", addr, n, ErrOutOfRange)
		}
		return r.data[off : off+n], nil
	}
	return nil, fmt.Errorf("0x%x: %w", addr, ErrUnknownBuffer)
}

func (h *Host) CopyHostToBuffer(dst uintptr, src []byte) error {
	if len(src) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	w, err := h.window(dst, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(w, src)
	return nil
}

func (h *Host) CopyBufferToHost(dst []byte, src uintptr) error {
	if len(dst) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	w, err := h.window(src, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, w)
	return nil
}

func (h *Host) CopyBufferToBuffer(dst, src uintptr, size uint64) error {
	if size == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	d, err := h.window(dst, size)
	if err != nil {
		return err
	}
	s, err := h.window(src, size)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}

func (h *Host) Supported() bool       { return true }
func (h *Host) DmabufSupported() bool { return false }
