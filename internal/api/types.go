// Package api defines the value types shared by every stage of a segmentation run.
//
// A run is described by one immutable ExecutionRequest built from the command
// line. Each pipeline stage derives its own value from it:
//   - ResolvedPaths from the path resolver
//   - DeviceDecision from the capability detector
//   - CacheEntry from the model cache manager
//   - RunResult from the orchestrator
//
// None of these values are shared across runs. The only state that outlives a
// run is the on-disk model cache.
package api

import (
	"fmt"
	"strings"
	"time"
)

// DeviceMode is the compute mode requested by the user.
type DeviceMode string

const (
	// DeviceAuto probes for an accelerator and silently uses the fallback
	// backend when none is found. This is the documented default.
	DeviceAuto DeviceMode = "auto"

	// DeviceAccelerated asks for the accelerated backend. The request is
	// downgraded, never failed, when the accelerator is unusable.
	DeviceAccelerated DeviceMode = "accelerated"

	// DeviceFallback forces general-purpose compute.
	DeviceFallback DeviceMode = "fallback"
)

// ParseDeviceMode converts a user supplied mode into a DeviceMode.
//
// Besides the canonical names it accepts the legacy spellings used by older
// releases of the tool ("gpu", "cuda", "cpu"). The empty string maps to
// DeviceAuto.
//
// Parameters:
//   - s: Mode string from a flag, environment variable or config file
//
// Returns:
//   - The parsed mode
//   - Error if the string names no known mode
func ParseDeviceMode(s string) (DeviceMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return DeviceAuto, nil
	case "accelerated", "gpu", "cuda":
		return DeviceAccelerated, nil
	case "fallback", "cpu":
		return DeviceFallback, nil
	default:
		return "", fmt.Errorf("unknown device mode %q (want auto, accelerated or fallback)", s)
	}
}

// Backend is the compute backend a run actually executes on.
type Backend string

const (
	// BackendAccelerated runs inference on the GPU.
	BackendAccelerated Backend = "accelerated"

	// BackendFallback runs inference on the CPU.
	BackendFallback Backend = "fallback"
)

// ContainerDevice returns the device selector understood by the inference
// process inside the container ("cuda" or "cpu").
func (b Backend) ContainerDevice() string {
	if b == BackendAccelerated {
		return "cuda"
	}
	return "cpu"
}

// ExecutionRequest is the immutable description of one invocation.
type ExecutionRequest struct {
	// InputPath is the user supplied path to the FLAIR volume, as typed.
	InputPath string

	// OutputPath is the user supplied path of the mask to write, as typed.
	OutputPath string

	// RequestedMode is the compute mode asked for on the command line.
	RequestedMode DeviceMode

	// ForceRefresh re-acquires the model weights even when cached.
	ForceRefresh bool

	// RefreshImage pulls the container image even when present locally.
	RefreshImage bool
}

// ResolvedPaths holds canonical host paths derived from an ExecutionRequest.
//
// Both mount directories exist and are writable once a ResolvedPaths value has
// been returned by the resolver.
type ResolvedPaths struct {
	InputAbsolutePath  string
	OutputAbsolutePath string
	InputMountDir      string
	OutputMountDir     string
	InputFileName      string
	OutputFileName     string
}

// DeviceDecision records how a requested mode was resolved to a backend.
//
// When Requested is DeviceAccelerated and Available is false, Resolved is
// always BackendFallback and Reason is never empty.
type DeviceDecision struct {
	Requested DeviceMode `json:"requested"`
	Available bool       `json:"available"`
	Resolved  Backend    `json:"resolved"`

	// Reason is the human readable cause of a fallback, empty if none.
	Reason string `json:"reason,omitempty"`

	// FailedProbe names the first capability probe that failed.
	FailedProbe string `json:"failed_probe,omitempty"`
}

// Downgraded reports whether an accelerator was asked for but not granted.
func (d DeviceDecision) Downgraded() bool {
	return d.Requested != DeviceFallback && d.Resolved == BackendFallback
}

// CacheEntry describes the state of the model weights in the local cache.
type CacheEntry struct {
	WeightsPath string `json:"weights_path"`
	Present     bool   `json:"present"`
	Verified    bool   `json:"verified"`

	// Size is the size of the weights file in bytes.
	Size int64 `json:"size"`

	// Downloaded is true when this call fetched the weights.
	Downloaded bool `json:"downloaded"`
}

// RunResult is the terminal value of a run.
//
// A run succeeded only if OutputFileExists is true, whatever ExitCode says.
type RunResult struct {
	ExitCode         int
	OutputFileExists bool
	ElapsedDuration  time.Duration

	// Verified is true when the mask passed label verification.
	Verified bool

	// Device is the capability decision the run was launched with.
	Device DeviceDecision

	// ContainerName is the name of the isolated environment used.
	ContainerName string

	// LogTail holds the last lines written by the inference process.
	LogTail []string
}

// Succeeded reports whether the run produced a usable output.
func (r *RunResult) Succeeded() bool {
	return r != nil && r.OutputFileExists && r.Verified && r.ExitCode == 0
}
