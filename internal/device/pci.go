package device

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PCIDevice represents a PCI device with its identifiers
type PCIDevice struct {
	// VendorID is the PCI vendor ID (e.g., "0x10de")
	VendorID string `json:"vendor_id"`

	// DeviceID is the PCI device ID
	DeviceID string `json:"device_id"`

	// BusAddress is the PCI bus address (e.g., "0000:01:00.0")
	BusAddress string `json:"bus_address"`

	// Class is the PCI device class (e.g., "0x030000")
	Class string `json:"class,omitempty"`
}

// IsNVIDIAGPU reports whether the device is an NVIDIA display or 3D controller.
// Devices whose class is unknown (lspci without -nn class codes) are matched
// on vendor alone.
func (d PCIDevice) IsNVIDIAGPU() bool {
	if !strings.EqualFold(d.VendorID, VendorNVIDIA) {
		return false
	}
	return d.Class == "" || strings.HasPrefix(strings.ToLower(d.Class), classDisplayPrefix)
}

// ScanPCIDevices scans root for PCI devices
//
// root is normally DefaultSysfsRoot; tests point it at a fake tree.
//
// Returns:
//   - Slice of PCIDevice found on the system
//   - Error if the sysfs tree is missing or unreadable
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
		// PCI device entries are symlinks, not directories
		dev, err := readPCIDevice(filepath.Join(root, entry.Name()), entry.Name())
		if err != nil {
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
	dev.VendorID = vendorID

	deviceID, err := readPCIFile(filepath.Join(devicePath, "device"))
	if err != nil {
		return dev, err
	}
	dev.DeviceID = deviceID

	if class, err := readPCIFile(filepath.Join(devicePath, "class")); err == nil {
		dev.Class = class
	}
	return dev, nil
}

func readPCIFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(data))), nil
}

// ParseLspciOutput parses the output of `lspci -nn`
//
// This is the alternative for hosts where sysfs is not mounted, such as
// when the tool itself runs inside a container.
// Each line looks like: "01:00.0 VGA compatible controller [0300]: NVIDIA Corporation GA102 [10de:2204] (rev a1)"
//
// Returns:
//   - Slice of PCIDevice parsed from the output
func ParseLspciOutput(output string) []PCIDevice {
	var devices []PCIDevice
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		if dev := parseLspciLine(scanner.Text()); dev != nil {
			devices = append(devices, *dev)
		}
	}
	return devices
}

func parseLspciLine(line string) *PCIDevice {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return nil
	}
	dev := &PCIDevice{BusAddress: fields[0]}

	// The class code is the first bracketed token before the colon.
	if open := strings.Index(line, "["); open != -1 {
		if end := strings.Index(line[open:], "]"); end != -1 {
			code := line[open+1 : open+end]
			if len(code) == 4 && !strings.Contains(code, ":") {
				dev.Class = "0x" + strings.ToLower(code)
			}
		}
	}

	// The vendor:device pair is the last bracketed token containing a colon.
	for rest := line; ; {
		open := strings.LastIndex(rest, "[")
		if open == -1 {
			return nil
		}
		end := strings.Index(rest[open:], "]")
		if end != -1 {
			ids := strings.Split(rest[open+1:open+end], ":")
			if len(ids) == 2 && len(ids[0]) == 4 && len(ids[1]) == 4 {
				dev.VendorID = "0x" + strings.ToLower(ids[0])
				dev.DeviceID = "0x" + strings.ToLower(ids[1])
				return dev
			}
		}
		rest = rest[:open]
	}
}
