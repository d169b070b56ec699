package runtime

import (
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
)

// ContainerState is the subset of container state the cleanup and exit
// logic care about.
type ContainerState struct {
	Running   bool
	Status    string
	ExitCode  int
	OOMKilled bool
	Error     string
}

// mapContainerState converts Docker inspect data to a ContainerState.
//
// This is the single source of truth for state mapping logic.
func mapContainerState(inspect *container.InspectResponse) ContainerState {
	if inspect == nil || inspect.ContainerJSONBase == nil || inspect.State == nil {
		return ContainerState{Status: "unknown"}
	}
	s := inspect.State
	return ContainerState{
		Running:   s.Running || s.Restarting,
		Status:    string(s.Status),
		ExitCode:  s.ExitCode,
		OOMKilled: s.OOMKilled,
		Error:     s.Error,
	}
}

// formatExit creates a user-facing description of how a container ended.
func formatExit(st ContainerState) string {
	switch {
	case st.OOMKilled:
		return fmt.Sprintf("killed by the out-of-memory killer (exit code %d)", st.ExitCode)
	case st.Error != "":
		return fmt.Sprintf("exited with code %d: %s", st.ExitCode, st.Error)
	default:
		return fmt.Sprintf("exited with code %d", st.ExitCode)
	}
}

// staleReason decides whether a managed container is left over from a
// previous run and may be removed.
//
// A container is stale when it belongs to runID or when its owner is gone.
// On this host the owner is a process whose liveness is checked whatever
// the container's state, so a live run keeps its container between create
// and start and after exit until it has inspected it. Containers of another
// host are kept while running and removed once stopped.
//
// Returns the reason, or "" to keep the container.
func staleReason(running bool, labels map[string]string, runID, host string, alive func(pid int) bool) string {
	if runID != "" && labels[LabelRunID] == runID {
		return "same run"
	}
	if labels[LabelOwnerHost] != host {
		if running {
			return ""
		}
		return "not running, owned by another host"
	}
	pid, err := strconv.Atoi(labels[LabelOwnerPID])
	if err != nil || pid <= 0 {
		return "owner unknown"
	}
	if alive(pid) {
		return ""
	}
	return fmt.Sprintf("owner process %d is gone", pid)
}
