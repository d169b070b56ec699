// Package orchestrator runs one segmentation end to end.
//
// A run goes through the same fixed sequence every time:
//  1. remove stale containers left behind by interrupted runs
//  2. resolve paths, resolve the device, ensure the weights are cached
//  3. make sure the inference image is present
//  4. launch the container and block until it exits
//  5. remove the container again, whatever happened
//  6. check that the mask was written and holds only labels 0 and 1
//
// Steps 1 and 5 make a failed run safe to repeat.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/config"
	"github.com/soumen02/lesion-segmentator/internal/contract"
	"github.com/soumen02/lesion-segmentator/internal/logger"
	"github.com/soumen02/lesion-segmentator/internal/paths"
	"github.com/soumen02/lesion-segmentator/internal/runtime"
)

// DefaultCleanupTimeout bounds post-run cleanup, which runs even after the
// run context was cancelled.
const DefaultCleanupTimeout = 30 * time.Second

// PathResolver canonicalizes the request paths.
type PathResolver interface {
	Resolve(input, output string) (*api.ResolvedPaths, error)
}

// DeviceResolver turns a requested mode into a backend.
type DeviceResolver interface {
	Resolve(ctx context.Context, mode api.DeviceMode) api.DeviceDecision
}

// WeightsCache provides the model weights.
type WeightsCache interface {
	Dir() string
	Ensure(ctx context.Context, force bool) (*api.CacheEntry, error)
}

// Orchestrator composes the pipeline stages. It holds no per-run state and
// may be reused for consecutive runs.
type Orchestrator struct {
	cfg      *config.Config
	engine   runtime.Engine
	devices  DeviceResolver
	cache    WeightsCache
	resolver PathResolver

	verify         func(path string) (*contract.MaskReport, error)
	newRunID       func() string
	onLog          func(line string)
	cleanupTimeout time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithResolver replaces the default path resolver.
func WithResolver(r PathResolver) Option {
	return func(o *Orchestrator) { o.resolver = r }
}

// Resolved returns a PathResolver that hands out paths resolved earlier,
// whatever it is asked for.
func Resolved(p *api.ResolvedPaths) PathResolver {
	return resolvedPaths{p}
}

type resolvedPaths struct{ p *api.ResolvedPaths }

func (r resolvedPaths) Resolve(string, string) (*api.ResolvedPaths, error) {
	return r.p, nil
}

// WithVerifier replaces the mask verifier.
func WithVerifier(fn func(path string) (*contract.MaskReport, error)) Option {
	return func(o *Orchestrator) { o.verify = fn }
}

// WithRunID fixes how run identifiers are generated.
func WithRunID(fn func() string) Option {
	return func(o *Orchestrator) { o.newRunID = fn }
}

// WithLogSink receives every line written by the inference process.
func WithLogSink(fn func(line string)) Option {
	return func(o *Orchestrator) { o.onLog = fn }
}

// WithCleanupTimeout sets the post-run cleanup deadline.
func WithCleanupTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.cleanupTimeout = d }
}

// New creates an Orchestrator.
//
// Parameters:
//   - cfg: Validated application configuration
//   - engine: Container runtime
//   - devices: Capability detector
//   - cache: Model weights cache
//   - opts: Optional overrides
//
// Returns:
//   - A ready Orchestrator
//
// Example:
//
//	orch := orchestrator.New(cfg, engine, capability.NewDetector(probes...), cache)
//	result, err := orch.Run(ctx, &api.ExecutionRequest{
//	    InputPath:     "flair.nii.gz",
//	    OutputPath:    "out/mask.nii.gz",
//	    RequestedMode: api.DeviceAuto,
//	})
func New(cfg *config.Config, engine runtime.Engine, devices DeviceResolver, cache WeightsCache, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:            cfg,
		engine:         engine,
		devices:        devices,
		cache:          cache,
		resolver:       &paths.Resolver{Accept: contract.CheckFileNames},
		verify:         contract.VerifyMask,
		newRunID:       uuid.NewString,
		cleanupTimeout: DefaultCleanupTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one segmentation and blocks until it is finished.
//
// The run succeeds only if the mask file was written by this run and passed
// verification. A zero exit code alone is not enough.
//
// Parameters:
//   - ctx: Context of the run. Cancelling it stops the container.
//   - req: The request
//
// Returns:
//   - The run result. It is non-nil whenever a container was launched, even
//     when an error is returned.
//   - Error categorized per api.Category
func (o *Orchestrator) Run(ctx context.Context, req *api.ExecutionRequest) (*api.RunResult, error) {
	start := time.Now()
	runID := o.newRunID()

	if n, err := o.engine.EnsureClean(ctx, ""); err != nil {
		logger.Warn("Pre-run cleanup failed: %v", err)
	} else if n > 0 {
		logger.Info("Removed %d stale container(s)", n)
	}
	defer o.cleanup(ctx, runID)

	resolved, err := o.resolver.Resolve(req.InputPath, req.OutputPath)
	if err != nil {
		return nil, err
	}

	decision := o.devices.Resolve(ctx, req.RequestedMode)
	if decision.Downgraded() {
		logger.Info("Falling back to CPU: %s", decision.Reason)
	}
	logger.Info("Using %s backend", decision.Resolved)

	if _, err := o.cache.Ensure(ctx, req.ForceRefresh); err != nil {
		return nil, err
	}

	spec, err := o.launchSpec(runID, resolved, decision)
	if err != nil {
		return nil, err
	}

	if err := o.engine.EnsureImage(ctx, spec.Image, req.RefreshImage); err != nil {
		return nil, canceledOr(ctx, api.RuntimeUnavailable, spec.Image, err)
	}

	before, _ := os.Stat(resolved.OutputAbsolutePath)

	result := &api.RunResult{Device: decision, ContainerName: spec.Name, ExitCode: -1}
	logger.Info("Segmenting %s", resolved.InputAbsolutePath)
	status, err := o.engine.Run(ctx, spec)
	result.ElapsedDuration = time.Since(start)
	if err != nil {
		return result, canceledOr(ctx, api.LaunchFailed, "", err)
	}
	result.ExitCode = status.Code
	result.LogTail = status.LogTail

	result.OutputFileExists = producedBy(resolved.OutputAbsolutePath, before)

	if status.Code != 0 {
		return result, api.E(api.InferenceFailed, "", exitError(status))
	}
	if !result.OutputFileExists {
		return result, api.Errorf(api.OutputNotProduced, resolved.OutputAbsolutePath,
			"inference exited successfully but wrote no mask")
	}

	report, err := o.verify(resolved.OutputAbsolutePath)
	if err != nil {
		return result, api.E(api.OutputNotProduced, resolved.OutputAbsolutePath, err)
	}
	result.Verified = true
	result.ElapsedDuration = time.Since(start)

	logger.Info("Mask written to %s (%d lesion voxels of %d) in %s",
		resolved.OutputAbsolutePath, report.Foreground, report.Voxels,
		result.ElapsedDuration.Round(time.Second))
	return result, nil
}

// launchSpec composes the container launch from the resolved stages.
func (o *Orchestrator) launchSpec(runID string, p *api.ResolvedPaths, d api.DeviceDecision) (*runtime.LaunchSpec, error) {
	m := o.cfg.Mounts
	params := contract.Params{
		InputPath:  path.Join(m.Input, p.InputFileName),
		OutputPath: path.Join(m.Output, p.OutputFileName),
		ModelDir:   m.Models,
		Device:     d.Resolved,
	}

	res, err := o.resources(d.Resolved)
	if err != nil {
		return nil, api.E(api.Config, "", err)
	}
	if d.Resolved == api.BackendFallback {
		params.Threads = int(math.Ceil(o.cfg.Resources.CPUs))
	}
	if err := params.Validate(); err != nil {
		return nil, api.E(api.Config, "", err)
	}

	env := runtime.ParamsToEnv(o.cfg.Runtime.ExtraEnv)
	for k, v := range params.Env() {
		if prev, ok := env[k]; ok && prev != v {
			logger.Warn("Ignoring extra_env %s: the value is fixed to %s", k, v)
		}
		env[k] = v
	}

	return &runtime.LaunchSpec{
		RunID:   runID,
		Name:    ContainerName(runID),
		Image:   o.cfg.ImageFor(d.Resolved),
		Command: params.Command(),
		Env:     env,
		Mounts: []runtime.Mount{
			{Source: p.InputMountDir, Target: m.Input, ReadOnly: true},
			{Source: p.OutputMountDir, Target: m.Output},
			{Source: o.cache.Dir(), Target: m.Models},
		},
		Resources:   res,
		Labels:      runtime.ManagedLabels(runID),
		StopTimeout: o.cfg.Runtime.StopTimeout,
		OnLog:       o.onLog,
	}, nil
}

// resources selects the resource profile of a backend. The fallback profile
// is capped; the accelerated one reserves the GPU and leaves CPU and memory
// to the host limits.
func (o *Orchestrator) resources(b api.Backend) (runtime.Resources, error) {
	shm, err := o.cfg.Resources.ShmBytes()
	if err != nil {
		return runtime.Resources{}, err
	}
	if b == api.BackendAccelerated {
		return runtime.Resources{
			ShmBytes:     shm,
			GPU:          true,
			GPUDeviceIDs: o.cfg.Runtime.GPUDeviceIDs,
			GPUDriver:    o.cfg.Runtime.GPURuntime,
		}, nil
	}
	mem, err := o.cfg.Resources.MemoryBytes()
	if err != nil {
		return runtime.Resources{}, err
	}
	return runtime.Resources{
		NanoCPUs:    int64(o.cfg.Resources.CPUs * 1e9),
		MemoryBytes: mem,
		ShmBytes:    shm,
	}, nil
}

// cleanup removes the run's container on a context that outlives ctx.
func (o *Orchestrator) cleanup(ctx context.Context, runID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()
	if _, err := o.engine.EnsureClean(cctx, runID); err != nil {
		logger.Warn("Post-run cleanup failed: %v", err)
	}
}

// ContainerName returns the container name used for runID.
func ContainerName(runID string) string {
	short := strings.ReplaceAll(runID, "-", "")
	if len(short) > 12 {
		short = short[:12]
	}
	return config.AppName + "-" + short
}

// producedBy reports whether path exists now and was written after before
// was taken. before is nil when the file did not exist.
func producedBy(path string, before os.FileInfo) bool {
	after, err := os.Stat(path)
	if err != nil || !after.Mode().IsRegular() {
		return false
	}
	if before == nil {
		return true
	}
	return !after.ModTime().Equal(before.ModTime()) || after.Size() != before.Size()
}

func exitError(st *runtime.ExitStatus) error {
	msg := fmt.Sprintf("inference exited with code %d", st.Code)
	if st.OOMKilled {
		msg += " (out of memory; raise resources.memory)"
	}
	if st.Error != "" {
		msg += ": " + st.Error
	}
	if len(st.LogTail) > 0 {
		msg += "\n  " + strings.Join(st.LogTail, "\n  ")
	}
	return errors.New(msg)
}

func canceledOr(ctx context.Context, cat api.Category, path string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return api.E(api.Canceled, path, err)
	}
	return api.E(cat, path, err)
}
