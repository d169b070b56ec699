// Package capability resolves a requested compute mode to a backend.
//
// Acceleration is granted only when every probe passes, in order:
//  1. the host OS can run GPU containers at all
//  2. the local NVIDIA driver answers a query
//  3. the container runtime has the GPU runtime registered
//
// Probing stops at the first failure. A failing probe downgrades the run to
// the fallback backend; it never fails the run.
package capability

import (
	"context"
	"time"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/logger"
)

// NoAcceleratorReason is the fallback reason reported for auto mode.
const NoAcceleratorReason = "no accelerator detected"

// DefaultProbeTimeout bounds each individual probe.
const DefaultProbeTimeout = 10 * time.Second

// Probe checks one precondition of the accelerated backend.
type Probe interface {
	// Name identifies the probe in decisions and logs.
	Name() string

	// Check returns nil if the precondition holds, otherwise an error whose
	// message explains what is missing.
	Check(ctx context.Context) error
}

// Detector runs probes to produce a DeviceDecision.
type Detector struct {
	probes  []Probe
	timeout time.Duration
}

// NewDetector creates a Detector running probes in the given order.
func NewDetector(probes ...Probe) *Detector {
	return &Detector{probes: probes, timeout: DefaultProbeTimeout}
}

// Resolve maps a requested mode to a backend.
//
// Behavior per mode:
//   - fallback: resolved to fallback without probing, empty reason
//   - accelerated: accelerated iff all probes pass, otherwise fallback with
//     the first failing probe's message as reason
//   - auto: as accelerated, but the reason is NoAcceleratorReason
//
// Parameters:
//   - ctx: Context bounding the probes
//   - mode: The requested device mode
//
// Returns:
//   - The decision; Resolve never fails
//
// Example:
//
//	d := detector.Resolve(ctx, api.DeviceAccelerated)
//	if d.Downgraded() {
//	    logger.Info("Falling back to CPU: %s", d.Reason)
//	}
func (d *Detector) Resolve(ctx context.Context, mode api.DeviceMode) api.DeviceDecision {
	decision := api.DeviceDecision{Requested: mode}

	if mode == api.DeviceFallback {
		decision.Resolved = api.BackendFallback
		return decision
	}

	failed, err := d.firstFailure(ctx)
	if err == nil {
		decision.Available = true
		decision.Resolved = api.BackendAccelerated
		return decision
	}

	decision.Resolved = api.BackendFallback
	decision.FailedProbe = failed
	if mode == api.DeviceAuto {
		decision.Reason = NoAcceleratorReason
	} else {
		decision.Reason = err.Error()
	}
	logger.Debug("Probe %s failed: %v", failed, err)
	return decision
}

func (d *Detector) firstFailure(ctx context.Context) (string, error) {
	for _, p := range d.probes {
		if err := d.check(ctx, p); err != nil {
			return p.Name(), err
		}
		logger.Debug("Probe %s passed", p.Name())
	}
	return "", nil
}

func (d *Detector) check(ctx context.Context, p Probe) error {
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	return p.Check(ctx)
}
