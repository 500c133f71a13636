//go:build mlu

package mlu

/*
#cgo LDFLAGS: -lcndrv
#include <stdlib.h>
#include <cn_api.h>

static const char* cn_error_string(CNresult res) {
	const char *str = NULL;
	if (cnGetErrorString(res, &str) != CN_SUCCESS) {
		return NULL;
	}
	return str;
}

static int cn_attribute(int attr) {
	switch (attr) {
	case 0: return CN_DEVICE_ATTRIBUTE_PCI_BUS_ID;
	case 1: return CN_DEVICE_ATTRIBUTE_PCI_DEVICE_ID;
	case 2: return CN_DEVICE_ATTRIBUTE_INTEGRATED;
	default: return -1;
	}
}

static CNresult cn_malloc_host(CNaddr *addr, cn_uint64_t bytes) {
	void *p = NULL;
	CNresult res = cnMallocHost(&p, bytes);
	*addr = (CNaddr)p;
	return res;
}

static CNresult cn_free_host(CNaddr addr) {
	return cnFreeHost((void *)addr);
}
*/
import "C"
import (
	"unsafe"
)

type cnDriver struct{}

// NewDriver returns the CNDrv-backed driver.
func NewDriver() Driver { return cnDriver{} }

// Supported reports whether this build links the vendor runtime.
func Supported() bool { return true }

func check(op string, res C.CNresult) error {
	if res == C.CN_SUCCESS {
		return nil
	}
	var msg string
	if s := C.cn_error_string(res); s != nil {
		msg = C.GoString(s)
	}
	return NewError(op, Result(res), msg)
}

func (cnDriver) Init(flags uint32) error {
	return check("cnInit", C.cnInit(C.uint(flags)))
}

func (cnDriver) DeviceCount() (int, error) {
	var count C.int
	if err := check("cnDeviceGetCount", C.cnDeviceGetCount(&count)); err != nil {
		return 0, err
	}
	return int(count), nil
}

func (cnDriver) DeviceGet(ordinal int) (Device, error) {
	var dev C.CNdev
	if err := check("cnDeviceGet", C.cnDeviceGet(&dev, C.int(ordinal))); err != nil {
		return 0, err
	}
	return Device(dev), nil
}

func (cnDriver) DeviceByPCIBusID(busID string) (int, error) {
	cBusID := C.CString(busID)
	defer C.free(unsafe.Pointer(cBusID))

	var dev C.CNdev
	if err := check("cnDeviceGetByPCIBusId", C.cnDeviceGetByPCIBusId(&dev, cBusID)); err != nil {
		return 0, err
	}
	return int(dev), nil
}

func (cnDriver) DeviceAttribute(attr Attribute, dev Device) (int, error) {
	var value C.int
	res := C.cnDeviceGetAttribute(&value, C.CNdevice_attribute(C.cn_attribute(C.int(attr))), C.CNdev(dev))
	if err := check("cnDeviceGetAttribute("+attr.String()+")", res); err != nil {
		return 0, err
	}
	return int(value), nil
}

func (cnDriver) DeviceName(dev Device) (string, error) {
	const bufSize = 128
	cbuf := (*C.char)(C.malloc(C.size_t(bufSize)))
	defer C.free(unsafe.Pointer(cbuf))

	if err := check("cnDeviceGetName", C.cnDeviceGetName(cbuf, C.int(bufSize), C.CNdev(dev))); err != nil {
		return "", err
	}
	return C.GoString(cbuf), nil
}

func (cnDriver) CtxCreate(dev Device) (Context, error) {
	var ctx C.CNcontext
	if err := check("cnCtxCreate", C.cnCtxCreate(&ctx, C.CN_CTX_MAP_HOST, C.CNdev(dev))); err != nil {
		return 0, err
	}
	return Context(uintptr(unsafe.Pointer(ctx))), nil
}

func (cnDriver) CtxSetCurrent(ctx Context) error {
	return check("cnCtxSetCurrent", C.cnCtxSetCurrent(C.CNcontext(unsafe.Pointer(uintptr(ctx)))))
}

func (cnDriver) CtxDestroy(ctx Context) error {
	return check("cnCtxDestroy", C.cnCtxDestroy(C.CNcontext(unsafe.Pointer(uintptr(ctx)))))
}

func (cnDriver) MemGetInfo() (uint64, uint64, error) {
	var free, total C.cn_uint64_t
	if err := check("cnMemGetInfo", C.cnMemGetInfo(&free, &total)); err != nil {
		return 0, 0, err
	}
	return uint64(free), uint64(total), nil
}

func (cnDriver) Malloc(size uint64) (Addr, error) {
	var addr C.CNaddr
	if err := check("cnMalloc", C.cnMalloc(&addr, C.cn_uint64_t(size))); err != nil {
		return 0, err
	}
	return Addr(addr), nil
}

func (cnDriver) Free(addr Addr) error {
	return check("cnFree", C.cnFree(C.CNaddr(addr)))
}

func (cnDriver) MallocHost(size uint64) (Addr, error) {
	var addr C.CNaddr
	if err := check("cnMallocHost", C.cn_malloc_host(&addr, C.cn_uint64_t(size))); err != nil {
		return 0, err
	}
	return Addr(addr), nil
}

func (cnDriver) FreeHost(addr Addr) error {
	return check("cnFreeHost", C.cn_free_host(C.CNaddr(addr)))
}

func (cnDriver) MemcpyHtoD(dst Addr, src []byte) error {
	return check("cnMemcpyHtoD", C.cnMemcpyHtoD(C.CNaddr(dst), unsafe.Pointer(&src[0]), C.cn_uint64_t(len(src))))
}

func (cnDriver) MemcpyDtoH(dst []byte, src Addr) error {
	return check("cnMemcpyDtoH", C.cnMemcpyDtoH(unsafe.Pointer(&dst[0]), C.CNaddr(src), C.cn_uint64_t(len(dst))))
}

func (cnDriver) MemcpyDtoD(dst, src Addr, size uint64) error {
	return check("cnMemcpyDtoD", C.cnMemcpyDtoD(C.CNaddr(dst), C.CNaddr(src), C.cn_uint64_t(size)))
}
