// Package device detects accelerator hardware on the host.
package device

// PCI identifiers used to recognise accelerators.
const (
	// VendorNVIDIA is the PCI vendor ID of NVIDIA Corporation.
	VendorNVIDIA = "0x10de"

	// classDisplayPrefix matches VGA (0x0300xx) and 3D (0x0302xx) controllers.
	classDisplayPrefix = "0x03"

	// DefaultSysfsRoot is where Linux exposes PCI devices.
	DefaultSysfsRoot = "/sys/bus/pci/devices"
)
