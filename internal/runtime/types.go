// Package runtime runs the inference process in an isolated container.
//
// The orchestrator talks to the container runtime only through the Engine
// interface. DockerEngine implements it on top of the Docker Engine API.
package runtime

import (
	"context"
	"os"
	"strconv"

	"github.com/soumen02/lesion-segmentator/internal/config"
)

// Labels attached to every container this tool creates.
const (
	LabelManaged   = config.AppName + ".managed"
	LabelRunID     = config.AppName + ".run-id"
	LabelOwnerPID  = config.AppName + ".owner-pid"
	LabelOwnerHost = config.AppName + ".owner-host"
)

// Engine is the container runtime as seen by the orchestrator.
type Engine interface {
	// Runtimes lists the OCI runtimes registered with the engine.
	Runtimes(ctx context.Context) ([]string, error)

	// EnsureImage makes ref available locally, pulling it when absent or
	// when refresh is set.
	EnsureImage(ctx context.Context, ref string, refresh bool) error

	// EnsureClean removes the containers of runID and any stale managed
	// container. It succeeds when there is nothing to remove.
	EnsureClean(ctx context.Context, runID string) (removed int, err error)

	// Run creates and starts a container from spec and blocks until it exits.
	Run(ctx context.Context, spec *LaunchSpec) (*ExitStatus, error)
}

// Mount binds a host directory into the container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// Resources is the resource profile of a container.
type Resources struct {
	// NanoCPUs caps CPU usage in units of 1e-9 CPUs. Zero is uncapped.
	NanoCPUs int64

	// MemoryBytes caps memory. Zero is uncapped.
	MemoryBytes int64

	// ShmBytes sizes /dev/shm.
	ShmBytes int64

	// GPU reserves accelerators for the container.
	GPU bool

	// GPUDeviceIDs pins specific accelerators. Empty reserves one.
	GPUDeviceIDs []string

	// GPUDriver is the device driver used for the reservation, e.g. "nvidia".
	GPUDriver string
}

// LaunchSpec fully describes one container launch.
type LaunchSpec struct {
	RunID     string
	Name      string
	Image     string
	Command   []string
	Env       map[string]string
	Mounts    []Mount
	Resources Resources
	Labels    map[string]string

	// StopTimeout is the grace period in seconds when the run is cancelled.
	StopTimeout int

	// OnLog receives every line the process writes. Nil logs at info level.
	OnLog func(line string)
}

// ExitStatus is how a container finished.
type ExitStatus struct {
	Code      int
	OOMKilled bool

	// Error is the runtime's own error message, if any.
	Error string

	// LogTail holds the last lines the process wrote.
	LogTail []string
}

// ManagedLabels returns the labels identifying a container of runID owned
// by this process.
func ManagedLabels(runID string) map[string]string {
	host, _ := os.Hostname()
	return map[string]string{
		LabelManaged:   "true",
		LabelRunID:     runID,
		LabelOwnerPID:  strconv.Itoa(os.Getpid()),
		LabelOwnerHost: host,
	}
}
