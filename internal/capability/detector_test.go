package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/device"
)

type stubProbe struct {
	name  string
	err   error
	calls *int
}

func (s stubProbe) Name() string { return s.name }

func (s stubProbe) Check(context.Context) error {
	if s.calls != nil {
		*s.calls++
	}
	return s.err
}

type runtimes []string

func (r runtimes) Runtimes(context.Context) ([]string, error) { return r, nil }

type gpus []device.PCIDevice

func (g gpus) GPUs(context.Context) ([]device.PCIDevice, error) { return g, nil }

func TestFallbackNeverProbes(t *testing.T) {
	calls := 0
	d := NewDetector(stubProbe{name: "os", calls: &calls})

	decision := d.Resolve(context.Background(), api.DeviceFallback)
	assert.Equal(t, api.BackendFallback, decision.Resolved)
	assert.Empty(t, decision.Reason)
	assert.False(t, decision.Downgraded())
	assert.Zero(t, calls)
}

func TestAllProbesPass(t *testing.T) {
	d := NewDetector(stubProbe{name: "os"}, stubProbe{name: "driver"}, stubProbe{name: "runtime"})
	for _, mode := range []api.DeviceMode{api.DeviceAuto, api.DeviceAccelerated} {
		decision := d.Resolve(context.Background(), mode)
		assert.True(t, decision.Available)
		assert.Equal(t, api.BackendAccelerated, decision.Resolved)
		assert.Empty(t, decision.Reason)
	}
}

func TestAcceleratedNeverSilentlyUpgrades(t *testing.T) {
	failures := []string{"os", "driver", "runtime"}
	for i, failing := range failures {
		t.Run(failing, func(t *testing.T) {
			after := 0
			probes := make([]Probe, 0, len(failures))
			for j, name := range failures {
				p := stubProbe{name: name}
				if j == i {
					p.err = errors.New(name + " is broken")
				}
				if j > i {
					p.calls = &after
				}
				probes = append(probes, p)
			}

			decision := NewDetector(probes...).Resolve(context.Background(), api.DeviceAccelerated)
			assert.False(t, decision.Available)
			assert.Equal(t, api.BackendFallback, decision.Resolved)
			assert.Equal(t, failing+" is broken", decision.Reason)
			assert.Equal(t, failing, decision.FailedProbe)
			assert.True(t, decision.Downgraded())
			assert.Zero(t, after, "probing short-circuits on first failure")
		})
	}
}

func TestAutoUsesNeutralReason(t *testing.T) {
	d := NewDetector(stubProbe{name: "driver", err: errors.New("nvidia-smi: not found")})
	decision := d.Resolve(context.Background(), api.DeviceAuto)
	assert.Equal(t, api.BackendFallback, decision.Resolved)
	assert.Equal(t, NoAcceleratorReason, decision.Reason)
	assert.Equal(t, "driver", decision.FailedProbe)
}

func TestOSProbe(t *testing.T) {
	assert.Error(t, OSProbe{GOOS: "darwin"}.Check(context.Background()))
	assert.Error(t, OSProbe{GOOS: "plan9"}.Check(context.Background()))
	assert.NoError(t, OSProbe{GOOS: "linux"}.Check(context.Background()))
	assert.NoError(t, OSProbe{GOOS: "windows"}.Check(context.Background()))
}

func TestDriverProbe(t *testing.T) {
	ok := DriverProbe{Query: func(context.Context) (string, error) { return "NVIDIA A100-SXM4-40GB\n", nil }}
	assert.NoError(t, ok.Check(context.Background()))

	empty := DriverProbe{Query: func(context.Context) (string, error) { return "\n", nil }}
	assert.ErrorContains(t, empty.Check(context.Background()), "no GPUs listed")

	fail := func(context.Context) (string, error) { return "", errors.New("exit status 9") }
	err := DriverProbe{Query: fail}.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NVIDIA driver not available")

	hinted := DriverProbe{Query: fail, Hint: gpus{{BusAddress: "0000:3b:00.0", VendorID: device.VendorNVIDIA}}}
	err = hinted.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "0000:3b:00.0")
}

func TestRuntimeProbe(t *testing.T) {
	assert.NoError(t, RuntimeProbe{Engine: runtimes{"runc", "nvidia"}, Runtime: "nvidia"}.Check(context.Background()))

	err := RuntimeProbe{Engine: runtimes{"runc"}, Runtime: "nvidia"}.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"nvidia" is not registered`)

	assert.Error(t, RuntimeProbe{Runtime: "nvidia"}.Check(context.Background()))
}

func TestDefaultProbesOrder(t *testing.T) {
	probes := DefaultProbes(runtimes{"nvidia"}, "nvidia", nil)
	names := make([]string, 0, len(probes))
	for _, p := range probes {
		names = append(names, p.Name())
	}
	assert.Equal(t, []string{"os", "driver", "runtime"}, names)
}
