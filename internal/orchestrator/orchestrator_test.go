package orchestrator

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/capability"
	"github.com/soumen02/lesion-segmentator/internal/config"
	"github.com/soumen02/lesion-segmentator/internal/logger"
	"github.com/soumen02/lesion-segmentator/internal/modelcache"
	"github.com/soumen02/lesion-segmentator/internal/runtime"
)

const testRunID = "0f8fad5b-d9cb-469f-a165-70867728950e"

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) Runtimes(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	rts, _ := args.Get(0).([]string)
	return rts, args.Error(1)
}

func (m *mockEngine) EnsureImage(ctx context.Context, ref string, refresh bool) error {
	return m.Called(ctx, ref, refresh).Error(0)
}

func (m *mockEngine) EnsureClean(ctx context.Context, runID string) (int, error) {
	args := m.Called(ctx, runID)
	return args.Int(0), args.Error(1)
}

func (m *mockEngine) Run(ctx context.Context, spec *runtime.LaunchSpec) (*runtime.ExitStatus, error) {
	args := m.Called(ctx, spec)
	st, _ := args.Get(0).(*runtime.ExitStatus)
	return st, args.Error(1)
}

type fakeProbe struct {
	name  string
	err   error
	calls *int
}

func (p fakeProbe) Name() string { return p.name }

func (p fakeProbe) Check(context.Context) error {
	if p.calls != nil {
		*p.calls++
	}
	return p.err
}

type fixture struct {
	dir       string
	input     string
	output    string
	cfg       *config.Config
	engine    *mockEngine
	cache     *modelcache.Manager
	downloads *atomic.Int32
	logs      *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	input := filepath.Join(dir, "scans", "flair.nii.gz")
	require.NoError(t, os.MkdirAll(filepath.Dir(input), 0o755))
	require.NoError(t, os.WriteFile(input, []byte("volume"), 0o644))

	cacheDir := filepath.Join(dir, "cache")
	require.NoError(t, os.MkdirAll(cacheDir, 0o755))
	weights := append([]byte("PK\x03\x04"), bytes.Repeat([]byte{7}, 64)...)
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, modelcache.WeightsFileName), weights, 0o644))

	downloads := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		http.Error(w, "unexpected download", http.StatusTeapot)
	}))
	t.Cleanup(srv.Close)

	cfg := config.NewDefaultConfig()
	cfg.Storage.CacheDir = cacheDir

	logs := &bytes.Buffer{}
	prev := slog.Default()
	logger.Init(logger.WithWriter(logs), logger.WithLevel(slog.LevelDebug))
	t.Cleanup(func() { slog.SetDefault(prev) })

	return &fixture{
		dir:       dir,
		input:     input,
		output:    filepath.Join(dir, "results", "sub01", "mask.nii.gz"),
		cfg:       cfg,
		engine:    &mockEngine{},
		cache:     modelcache.NewManager(cacheDir, modelcache.NewHTTPSource(srv.URL)),
		downloads: downloads,
		logs:      logs,
	}
}

func (f *fixture) orchestrator(probes ...capability.Probe) *Orchestrator {
	return New(f.cfg, f.engine, capability.NewDetector(probes...), f.cache,
		WithRunID(func() string { return testRunID }))
}

func (f *fixture) request(mode api.DeviceMode) *api.ExecutionRequest {
	return &api.ExecutionRequest{InputPath: f.input, OutputPath: f.output, RequestedMode: mode}
}

// expectCleanup registers pre- and post-run cleanup.
func (f *fixture) expectCleanup() {
	f.engine.On("EnsureClean", mock.Anything, "").Return(0, nil).Once()
	f.engine.On("EnsureClean", mock.Anything, testRunID).Return(1, nil).Once()
}

// maskBytes builds an uncompressed NIfTI-1 uint8 volume.
func maskBytes(voxels ...byte) []byte {
	hdr := make([]byte, 352)
	le := binary.LittleEndian
	le.PutUint32(hdr[0:4], 348)
	le.PutUint16(hdr[40:42], 1)
	le.PutUint16(hdr[42:44], uint16(len(voxels)))
	le.PutUint16(hdr[70:72], 2)
	le.PutUint16(hdr[72:74], 8)
	le.PutUint32(hdr[108:112], math.Float32bits(352))
	copy(hdr[344:348], "n+1\x00")
	return append(hdr, voxels...)
}

// writesMask makes a Run call write data to path on the host.
func writesMask(t *testing.T, path string, data []byte) func(mock.Arguments) {
	return func(mock.Arguments) {
		require.NoError(t, os.WriteFile(path, data, 0o644))
	}
}

func TestRunFallbackEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.expectCleanup()
	f.engine.On("EnsureImage", mock.Anything, config.DefaultCPUImage, false).Return(nil).Once()

	var spec *runtime.LaunchSpec
	f.engine.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			spec = args.Get(1).(*runtime.LaunchSpec)
			writesMask(t, f.output, maskBytes(0, 1, 1, 0, 0, 0))(args)
		}).
		Return(&runtime.ExitStatus{Code: 0}, nil).Once()

	result, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.True(t, result.OutputFileExists)
	assert.True(t, result.Verified)
	assert.Equal(t, api.BackendFallback, result.Device.Resolved)
	assert.Empty(t, result.Device.Reason)
	assert.Zero(t, f.downloads.Load(), "cached weights must not be downloaded again")

	require.NotNil(t, spec)
	assert.Equal(t, config.DefaultCPUImage, spec.Image)
	assert.Equal(t, ContainerName(testRunID), spec.Name)
	assert.Equal(t, []string{
		"lesion-segmentor", "/input/flair.nii.gz", "/output/mask.nii.gz",
		"--model_dir", "/models", "--device", "cpu",
	}, spec.Command)
	assert.Equal(t, []runtime.Mount{
		{Source: filepath.Dir(f.input), Target: "/input", ReadOnly: true},
		{Source: filepath.Dir(f.output), Target: "/output"},
		{Source: f.cache.Dir(), Target: "/models"},
	}, spec.Mounts)
	assert.Equal(t, int64(4e9), spec.Resources.NanoCPUs)
	assert.Equal(t, int64(8<<30), spec.Resources.MemoryBytes)
	assert.False(t, spec.Resources.GPU)
	assert.Equal(t, "4", spec.Env["OMP_NUM_THREADS"])
	assert.Equal(t, "true", spec.Labels[runtime.LabelManaged])
	assert.Equal(t, testRunID, spec.Labels[runtime.LabelRunID])

	f.engine.AssertExpectations(t)
	calls := f.engine.Calls
	require.Len(t, calls, 4)
	assert.Equal(t, "EnsureClean", calls[0].Method)
	assert.Equal(t, "Run", calls[2].Method)
	assert.Equal(t, "EnsureClean", calls[3].Method)
}

func TestRunAcceleratedDowngradesOnDriverFailure(t *testing.T) {
	f := newFixture(t)
	f.expectCleanup()
	f.engine.On("EnsureImage", mock.Anything, config.DefaultCPUImage, false).Return(nil).Once()

	var spec *runtime.LaunchSpec
	f.engine.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			spec = args.Get(1).(*runtime.LaunchSpec)
			writesMask(t, f.output, maskBytes(0, 1))(args)
		}).
		Return(&runtime.ExitStatus{Code: 0}, nil).Once()

	runtimeCalls := 0
	orch := f.orchestrator(
		fakeProbe{name: "os"},
		fakeProbe{name: "driver", err: errors.New("nvidia-smi not found")},
		fakeProbe{name: "runtime", calls: &runtimeCalls},
	)

	result, err := orch.Run(context.Background(), f.request(api.DeviceAccelerated))
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, api.BackendFallback, result.Device.Resolved)
	assert.False(t, result.Device.Available)
	assert.Equal(t, "nvidia-smi not found", result.Device.Reason)
	assert.Equal(t, "driver", result.Device.FailedProbe)
	assert.Zero(t, runtimeCalls, "probing stops at the first failure")

	assert.False(t, spec.Resources.GPU)
	assert.Equal(t, "cpu", spec.Command[len(spec.Command)-1])
	assert.Contains(t, f.logs.String(), "Falling back to CPU: nvidia-smi not found")
	f.engine.AssertExpectations(t)
}

func TestRunAccelerated(t *testing.T) {
	f := newFixture(t)
	f.cfg.Runtime.GPUDeviceIDs = []string{"0"}
	f.expectCleanup()
	f.engine.On("EnsureImage", mock.Anything, config.DefaultGPUImage, true).Return(nil).Once()

	var spec *runtime.LaunchSpec
	f.engine.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			spec = args.Get(1).(*runtime.LaunchSpec)
			writesMask(t, f.output, maskBytes(1))(args)
		}).
		Return(&runtime.ExitStatus{Code: 0}, nil).Once()

	req := f.request(api.DeviceAuto)
	req.RefreshImage = true
	result, err := f.orchestrator(fakeProbe{name: "os"}).Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, api.BackendAccelerated, result.Device.Resolved)

	assert.True(t, spec.Resources.GPU)
	assert.Equal(t, []string{"0"}, spec.Resources.GPUDeviceIDs)
	assert.Equal(t, config.DefaultGPURuntime, spec.Resources.GPUDriver)
	assert.Zero(t, spec.Resources.NanoCPUs)
	assert.Zero(t, spec.Resources.MemoryBytes)
	assert.NotContains(t, spec.Env, "OMP_NUM_THREADS")
	assert.Equal(t, "cuda", spec.Command[len(spec.Command)-1])
}

func TestRunOutputGate(t *testing.T) {
	t.Run("missing output", func(t *testing.T) {
		f := newFixture(t)
		f.expectCleanup()
		f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
		f.engine.On("Run", mock.Anything, mock.Anything).Return(&runtime.ExitStatus{Code: 0}, nil).Once()

		result, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
		require.Error(t, err)
		assert.Equal(t, api.OutputNotProduced, api.CategoryOf(err))
		require.NotNil(t, result)
		assert.Equal(t, 0, result.ExitCode)
		assert.False(t, result.OutputFileExists)
		assert.False(t, result.Succeeded())
		f.engine.AssertExpectations(t)
	})

	t.Run("stale output from an earlier run", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, os.MkdirAll(filepath.Dir(f.output), 0o755))
		require.NoError(t, os.WriteFile(f.output, maskBytes(0, 1), 0o644))
		old := time.Now().Add(-time.Hour)
		require.NoError(t, os.Chtimes(f.output, old, old))

		f.expectCleanup()
		f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
		f.engine.On("Run", mock.Anything, mock.Anything).Return(&runtime.ExitStatus{Code: 0}, nil).Once()

		result, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
		assert.Equal(t, api.OutputNotProduced, api.CategoryOf(err))
		assert.False(t, result.OutputFileExists)
	})

	t.Run("non binary mask", func(t *testing.T) {
		f := newFixture(t)
		f.expectCleanup()
		f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
		f.engine.On("Run", mock.Anything, mock.Anything).
			Run(writesMask(t, f.output, maskBytes(0, 2))).
			Return(&runtime.ExitStatus{Code: 0}, nil).Once()

		result, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
		assert.Equal(t, api.OutputNotProduced, api.CategoryOf(err))
		assert.True(t, result.OutputFileExists)
		assert.False(t, result.Verified)
		assert.False(t, result.Succeeded())
	})
}

func TestRunInferenceFailed(t *testing.T) {
	f := newFixture(t)
	f.expectCleanup()
	f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
	f.engine.On("Run", mock.Anything, mock.Anything).
		Run(writesMask(t, f.output, maskBytes(0))).
		Return(&runtime.ExitStatus{Code: 137, OOMKilled: true, LogTail: []string{"Killed"}}, nil).Once()

	result, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
	require.Error(t, err)
	assert.Equal(t, api.InferenceFailed, api.CategoryOf(err))
	assert.Contains(t, err.Error(), "out of memory")
	assert.Contains(t, err.Error(), "Killed")
	assert.Equal(t, 137, result.ExitCode)
	assert.Equal(t, []string{"Killed"}, result.LogTail)
	assert.False(t, result.Succeeded())
}

func TestRunCleanupFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	f.engine.On("EnsureClean", mock.Anything, mock.Anything).Return(0, errors.New("daemon hiccup")).Twice()
	f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
	f.engine.On("Run", mock.Anything, mock.Anything).
		Run(writesMask(t, f.output, maskBytes(1, 0))).
		Return(&runtime.ExitStatus{Code: 0}, nil).Once()

	result, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Contains(t, f.logs.String(), "Post-run cleanup failed")
	f.engine.AssertExpectations(t)
}

func TestRunCanceledStillCleansUp(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	f.engine.On("EnsureClean", mock.Anything, "").Return(0, nil).Once()
	f.engine.On("EnsureClean", mock.MatchedBy(func(c context.Context) bool { return c.Err() == nil }), testRunID).
		Return(1, nil).Once()
	f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
	f.engine.On("Run", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()

	_, err := f.orchestrator().Run(ctx, f.request(api.DeviceFallback))
	require.Error(t, err)
	assert.Equal(t, api.Canceled, api.CategoryOf(err))
	assert.Equal(t, 130, api.ExitCode(err))
	f.engine.AssertExpectations(t)
}

func TestRunFailsBeforeLaunch(t *testing.T) {
	t.Run("input not found", func(t *testing.T) {
		f := newFixture(t)
		f.expectCleanup()
		req := f.request(api.DeviceFallback)
		req.InputPath = filepath.Join(f.dir, "missing.nii.gz")

		result, err := f.orchestrator().Run(context.Background(), req)
		assert.Nil(t, result)
		assert.Equal(t, api.InputNotFound, api.CategoryOf(err))
		f.engine.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
		f.engine.AssertExpectations(t)
	})

	t.Run("wrong extension", func(t *testing.T) {
		f := newFixture(t)
		f.expectCleanup()
		req := f.request(api.DeviceFallback)
		req.OutputPath = filepath.Join(f.dir, "out", "mask.png")

		_, err := f.orchestrator().Run(context.Background(), req)
		assert.Equal(t, api.InvalidInput, api.CategoryOf(err))
		assert.NoDirExists(t, filepath.Join(f.dir, "out"))
	})

	t.Run("image unavailable", func(t *testing.T) {
		f := newFixture(t)
		f.expectCleanup()
		f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(errors.New("pull access denied"))

		_, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
		assert.Equal(t, api.RuntimeUnavailable, api.CategoryOf(err))
		f.engine.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
	})

	t.Run("launch failed", func(t *testing.T) {
		f := newFixture(t)
		f.expectCleanup()
		f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)
		f.engine.On("Run", mock.Anything, mock.Anything).Return(nil, errors.New("failed to create container")).Once()

		result, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
		assert.Equal(t, api.LaunchFailed, api.CategoryOf(err))
		require.NotNil(t, result)
		assert.Equal(t, -1, result.ExitCode)
		f.engine.AssertExpectations(t)
	})
}

func TestContainerName(t *testing.T) {
	assert.Equal(t, "lesion-segmentor-0f8fad5bd9cb", ContainerName(testRunID))
	assert.Equal(t, "lesion-segmentor-abc", ContainerName("abc"))
}

func TestRunExtraEnvCannotOverridePinnedParameters(t *testing.T) {
	f := newFixture(t)
	f.cfg.Runtime.ExtraEnv = []string{"torchHome=/models/torch", "SEGMENT_OVERLAP=0.9"}
	f.expectCleanup()
	f.engine.On("EnsureImage", mock.Anything, mock.Anything, false).Return(nil)

	var spec *runtime.LaunchSpec
	f.engine.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			spec = args.Get(1).(*runtime.LaunchSpec)
			writesMask(t, f.output, maskBytes(0))(args)
		}).
		Return(&runtime.ExitStatus{Code: 0}, nil).Once()

	_, err := f.orchestrator().Run(context.Background(), f.request(api.DeviceFallback))
	require.NoError(t, err)
	assert.Equal(t, "/models/torch", spec.Env["TORCH_HOME"])
	assert.Equal(t, "0.4", spec.Env["SEGMENT_OVERLAP"])
	assert.Contains(t, f.logs.String(), "Ignoring extra_env SEGMENT_OVERLAP")
}
