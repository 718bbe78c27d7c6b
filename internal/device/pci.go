package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tsingmao/xdna/internal/logger"
)

// DefaultPCIRoot is where Linux exposes PCI functions.
const DefaultPCIRoot = "/sys/bus/pci/devices"

// AMDVendorID is the PCI vendor of AIE2 NPUs.
const AMDVendorID = "0x1022"

// npuModels maps PCI device ids of AIE2 NPUs to their names.
var npuModels = map[string]string{
	"0x1502": "NPU1 (Phoenix)",
	"0x17f0": "NPU4 (Strix)",
}

// PCIDevice is a PCI function read from sysfs.
type PCIDevice struct {
	// VendorID is the PCI vendor ID (e.g., "0x1022")
	VendorID string `json:"vendor_id" yaml:"vendor_id" msgpack:"vendor_id"`

	DeviceID string `json:"device_id" yaml:"device_id" msgpack:"device_id"`

	// Revision distinguishes steppings of one device id.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty" msgpack:"revision,omitempty"`

	// BusAddress is the PCI bus address (e.g., "0000:c4:00.1")
	BusAddress string `json:"bus_address" yaml:"bus_address" msgpack:"bus_address"`

	Class string `json:"class,omitempty" yaml:"class,omitempty" msgpack:"class,omitempty"`

	// Driver is the name of the bound kernel driver, empty when unbound.
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty" msgpack:"driver,omitempty"`
}

// NPU is a detected AIE2 NPU function.
type NPU struct {
	PCIDevice `yaml:",inline" msgpack:",inline"`

	Model string `json:"model" yaml:"model" msgpack:"model"`
}

// ScanPCIDevices reads every PCI function under root.
func ScanPCIDevices(root string) ([]PCIDevice, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, fmt.Errorf("PCI devices path not found: %s", root)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read PCI devices: %w", err)
	}

	var devices []PCIDevice
	for _, entry := range entries {
		dev, err := readPCIDevice(filepath.Join(root, entry.Name()), entry.Name())
		if err != nil {
			logger.Debug("skipping PCI function %s: %v", entry.Name(), err)
			continue
		}
		devices = append(devices, dev)
	}
	return devices, nil
}

func readPCIDevice(devicePath, busAddress string) (PCIDevice, error) {
	dev := PCIDevice{BusAddress: busAddress}

	vendorID, err := readPCIFile(filepath.Join(devicePath, "vendor"))
	if err != nil {
		return dev, err
	}
	dev.VendorID = strings.ToLower(vendorID)

	deviceID, err := readPCIFile(filepath.Join(devicePath, "device"))
	if err != nil {
		return dev, err
	}
	dev.DeviceID = strings.ToLower(deviceID)

	if rev, err := readPCIFile(filepath.Join(devicePath, "revision")); err == nil {
		dev.Revision = rev
	}
	if class, err := readPCIFile(filepath.Join(devicePath, "class")); err == nil {
		dev.Class = class
	}
	if link, err := os.Readlink(filepath.Join(devicePath, "driver")); err == nil {
		dev.Driver = filepath.Base(link)
	}
	return dev, nil
}

func readPCIFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// FindNPUs returns the AIE2 NPU functions under root, ordered by bus
// address.
func FindNPUs(root string) ([]NPU, error) {
	devices, err := ScanPCIDevices(root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan PCI devices: %w", err)
	}

	var npus []NPU
	for _, dev := range devices {
		if dev.VendorID != AMDVendorID {
			continue
		}
		model, ok := npuModels[dev.DeviceID]
		if !ok {
			continue
		}
		npus = append(npus, NPU{PCIDevice: dev, Model: model})
	}
	sort.Slice(npus, func(i, j int) bool { return npus[i].BusAddress < npus[j].BusAddress })
	return npus, nil
}
