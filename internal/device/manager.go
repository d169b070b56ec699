package device

import (
	"context"
	"fmt"
	"os/exec"
	"sync"

	"github.com/soumen02/lesion-segmentator/internal/logger"
)

// Manager detects NVIDIA GPUs on the host and caches the result.
//
// Detection reads sysfs first and falls back to `lspci -nn` when sysfs is
// unavailable. The result is a hint only: a visible GPU says nothing about
// whether a driver or container runtime can use it.
type Manager struct {
	// Root is the sysfs PCI devices directory.
	Root string

	// Lspci runs `lspci -nn` and returns its output. Nil disables the fallback.
	Lspci func(ctx context.Context) (string, error)

	once sync.Once
	gpus []PCIDevice
	err  error
}

// NewManager creates a Manager reading the real host.
func NewManager() *Manager {
	return &Manager{
		Root:  DefaultSysfsRoot,
		Lspci: runLspci,
	}
}

// GPUs returns the NVIDIA GPUs present on the host.
//
// The scan runs once per Manager; later calls return the cached result.
//
// Returns:
//   - Detected GPUs, possibly empty
//   - Error only if neither sysfs nor lspci could be read
//
// Example:
//
//	gpus, err := device.NewManager().GPUs(ctx)
//	if err == nil && len(gpus) == 0 {
//	    fmt.Println("No NVIDIA GPU detected")
//	}
func (m *Manager) GPUs(ctx context.Context) ([]PCIDevice, error) {
	m.once.Do(func() {
		m.gpus, m.err = m.scan(ctx)
	})
	return m.gpus, m.err
}

func (m *Manager) scan(ctx context.Context) ([]PCIDevice, error) {
	devices, err := ScanPCIDevices(m.Root)
	if err != nil {
		logger.Debug("sysfs PCI scan failed: %v", err)
		if m.Lspci == nil {
			return nil, err
		}
		out, lerr := m.Lspci(ctx)
		if lerr != nil {
			return nil, fmt.Errorf("failed to enumerate PCI devices: %w", lerr)
		}
		devices = ParseLspciOutput(out)
	}

	var gpus []PCIDevice
	for _, dev := range devices {
		if dev.IsNVIDIAGPU() {
			gpus = append(gpus, dev)
		}
	}
	logger.Debug("Detected %d NVIDIA GPU(s)", len(gpus))
	return gpus, nil
}

func runLspci(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "lspci", "-nn").Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}
