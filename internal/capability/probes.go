package capability

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"slices"
	"strings"

	"github.com/soumen02/lesion-segmentator/internal/device"
)

// OSProbe rejects host operating systems that cannot pass a GPU into a container.
type OSProbe struct {
	// GOOS defaults to runtime.GOOS.
	GOOS string
}

func (OSProbe) Name() string { return "os" }

func (p OSProbe) Check(context.Context) error {
	goos := p.GOOS
	if goos == "" {
		goos = runtime.GOOS
	}
	switch goos {
	case "darwin":
		return errors.New("GPU containers are not supported on macOS")
	case "linux", "windows":
		return nil
	default:
		return fmt.Errorf("GPU containers are not supported on %s", goos)
	}
}

// GPULister reports the accelerators physically present on the host.
type GPULister interface {
	GPUs(ctx context.Context) ([]device.PCIDevice, error)
}

// DriverProbe asks the NVIDIA driver to list its GPUs.
type DriverProbe struct {
	// Query runs the driver query and returns its output. Defaults to nvidia-smi.
	Query func(ctx context.Context) (string, error)

	// Hint, when set, is consulted to make failure messages more specific.
	Hint GPULister
}

func (DriverProbe) Name() string { return "driver" }

func (p DriverProbe) Check(ctx context.Context) error {
	query := p.Query
	if query == nil {
		query = nvidiaSMI
	}

	out, err := query(ctx)
	if err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	if err == nil {
		err = errors.New("no GPUs listed")
	}

	if p.Hint != nil {
		if gpus, herr := p.Hint.GPUs(ctx); herr == nil && len(gpus) > 0 {
			return fmt.Errorf("NVIDIA GPU found at %s but the driver query failed: %w", gpus[0].BusAddress, err)
		}
	}
	return fmt.Errorf("NVIDIA driver not available: %w", err)
}

func nvidiaSMI(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi", "--query-gpu=name", "--format=csv,noheader").Output()
	if err != nil {
		return "", fmt.Errorf("nvidia-smi: %w", err)
	}
	return string(out), nil
}

// RuntimeLister reports the runtimes registered with the container engine.
type RuntimeLister interface {
	Runtimes(ctx context.Context) ([]string, error)
}

// RuntimeProbe checks that the container engine has the GPU runtime registered.
type RuntimeProbe struct {
	Engine RuntimeLister

	// Runtime is the name to look for, e.g. "nvidia".
	Runtime string
}

func (RuntimeProbe) Name() string { return "runtime" }

func (p RuntimeProbe) Check(ctx context.Context) error {
	if p.Engine == nil {
		return errors.New("container runtime not reachable")
	}
	runtimes, err := p.Engine.Runtimes(ctx)
	if err != nil {
		return fmt.Errorf("failed to query container runtimes: %w", err)
	}
	if !slices.Contains(runtimes, p.Runtime) {
		return fmt.Errorf("container runtime %q is not registered (have %s)", p.Runtime, strings.Join(runtimes, ", "))
	}
	return nil
}

// DefaultProbes returns the standard probe chain.
func DefaultProbes(engine RuntimeLister, gpuRuntime string, hint GPULister) []Probe {
	return []Probe{
		OSProbe{},
		DriverProbe{Hint: hint},
		RuntimeProbe{Engine: engine, Runtime: gpuRuntime},
	}
}
