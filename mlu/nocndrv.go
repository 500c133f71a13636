//go:build !mlu

package mlu

type disabledDriver struct{}

// NewDriver returns a driver whose every call fails with ErrDisabled. Build
// with -tags mlu to link the vendor runtime.
func NewDriver() Driver { return disabledDriver{} }

// Supported reports whether this build links the vendor runtime.
func Supported() bool { return false }

func (disabledDriver) Init(uint32) error { return ErrDisabled }
func (disabledDriver) DeviceCount() (int, error) { return 0, ErrDisabled }
func (disabledDriver) DeviceGet(int) (Device, error) { return 0, ErrDisabled }
func (disabledDriver) DeviceByPCIBusID(string) (int, error) { return 0, ErrDisabled }
func (disabledDriver) DeviceAttribute(Attribute, Device) (int, error) {
	return 0, ErrDisabled
}
func (disabledDriver) DeviceName(Device) (string, error) { return "", ErrDisabled }
func (disabledDriver) CtxCreate(Device) (Context, error) { return 0, ErrDisabled }
func (disabledDriver) CtxSetCurrent(Context) error { return ErrDisabled }
func (disabledDriver) CtxDestroy(Context) error { return ErrDisabled }
func (disabledDriver) MemGetInfo() (uint64, uint64, error) { return 0, 0, ErrDisabled }
func (disabledDriver) Malloc(uint64) (Addr, error) { return 0, ErrDisabled }
func (disabledDriver) Free(Addr) error { return ErrDisabled }
func (disabledDriver) MallocHost(uint64) (Addr, error) { return 0, ErrDisabled }
func (disabledDriver) FreeHost(Addr) error { return ErrDisabled }
func (disabledDriver) MemcpyHtoD(Addr, []byte) error { return ErrDisabled }
func (disabledDriver) MemcpyDtoH([]byte, Addr) error { return ErrDisabled }
func (disabledDriver) MemcpyDtoD(Addr, Addr, uint64) error { return ErrDisabled }

func (disabledDriver) Supported() bool { return false }
