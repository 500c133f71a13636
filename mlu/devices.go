package mlu

import (
	"fmt"
	"log/slog"
)

type DeviceInfo struct {
	Ordinal     int
	PCIBusID    int
	PCIDeviceID int
	Name        string
	Integrated  bool
}

// PCIAddress formats the bus/device pair the way the driver tools print it.
func (d DeviceInfo) PCIAddress() string {
	return fmt.Sprintf("%02X:%02X", uint(d.PCIBusID), uint(d.PCIDeviceID))
}

type MemInfo struct {
	DeviceID int
	Free     uint64
	Total    uint64
}

// ListDevices initializes the driver and describes every device it reports.
func ListDevices(drv Driver) ([]DeviceInfo, error) {
	if err := drv.Init(0); err != nil {
		return nil, fmt.Errorf("cnInit(0) failed: %w", err)
	}
	count, err := drv.DeviceCount()
	if err != nil {
		return nil, fmt.Errorf("cnDeviceGetCount() failed: %w", err)
	}
	return listDevices(drv, count)
}

func listDevices(drv Driver, count int) ([]DeviceInfo, error) {
	devices := make([]DeviceInfo, 0, count)
	for i := 0; i < count; i++ {
		info, err := describeDevice(drv, i)
		if err != nil {
			return nil, err
		}
		slog.Debug("MLU device", "index", i, "pcie", info.PCIAddress(), "name", info.Name)
		devices = append(devices, info)
	}
	return devices, nil
}

func describeDevice(drv Driver, ordinal int) (DeviceInfo, error) {
	dev, err := drv.DeviceGet(ordinal)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("device %d: %w", ordinal, err)
	}
	info := DeviceInfo{Ordinal: ordinal}

	if info.PCIBusID, err = drv.DeviceAttribute(AttrPCIBusID, dev); err != nil {
		return DeviceInfo{}, fmt.Errorf("device %d: %w", ordinal, err)
	}
	if info.PCIDeviceID, err = drv.DeviceAttribute(AttrPCIDeviceID, dev); err != nil {
		return DeviceInfo{}, fmt.Errorf("device %d: %w", ordinal, err)
	}
	integrated, err := drv.DeviceAttribute(AttrIntegrated, dev)
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("device %d: %w", ordinal, err)
	}
	info.Integrated = integrated == 1

	if info.Name, err = drv.DeviceName(dev); err != nil {
		return DeviceInfo{}, fmt.Errorf("device %d: %w", ordinal, err)
	}
	return info, nil
}
