package app

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/config"
)

func TestRunOptionsComplete(t *testing.T) {
	opts := &RunOptions{GlobalOptions: &GlobalOptions{}}
	cmd := newRunCommand(opts.GlobalOptions)
	cmd.SetOut(io.Discard)

	require.NoError(t, opts.complete(cmd, []string{"flair.nii.gz", "mask.nii.gz"}))
	assert.Equal(t, "flair.nii.gz", opts.Input)
	assert.Equal(t, "mask.nii.gz", opts.Output)

	err := opts.complete(cmd, []string{"a.nii", "b.nii"})
	assert.Equal(t, api.InvalidInput, api.CategoryOf(err), "flags and arguments together")

	opts = &RunOptions{GlobalOptions: &GlobalOptions{}, Input: "flair.nii"}
	err = opts.complete(cmd, nil)
	assert.Equal(t, api.InvalidInput, api.CategoryOf(err))

	err = opts.complete(cmd, []string{"only-one.nii"})
	assert.Equal(t, api.InvalidInput, api.CategoryOf(err))

	opts = &RunOptions{GlobalOptions: &GlobalOptions{}}
	assert.NoError(t, opts.complete(cmd, nil), "no paths prints help")
}

func TestRequestedMode(t *testing.T) {
	cfg := config.NewDefaultConfig()

	mode, err := (&RunOptions{}).requestedMode(cfg)
	require.NoError(t, err)
	assert.Equal(t, api.DeviceAuto, mode)

	cfg.Runtime.Profile = "fallback"
	mode, _ = (&RunOptions{}).requestedMode(cfg)
	assert.Equal(t, api.DeviceFallback, mode)

	mode, _ = (&RunOptions{Device: "gpu"}).requestedMode(cfg)
	assert.Equal(t, api.DeviceAccelerated, mode)

	mode, _ = (&RunOptions{CPU: true}).requestedMode(cfg)
	assert.Equal(t, api.DeviceFallback, mode)

	_, err = (&RunOptions{Device: "tpu"}).requestedMode(cfg)
	assert.Equal(t, api.InvalidInput, api.CategoryOf(err))
}

func TestUnknownFlagIsInvalidInput(t *testing.T) {
	cmd := NewSegmentCommand()
	cmd.SetArgs([]string{"--bogus"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, api.InvalidInput, api.CategoryOf(err))
	assert.Equal(t, 3, api.ExitCode(err))
}

func TestConfirmWithYes(t *testing.T) {
	ok, err := confirm(true, "Delete?")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCleanCacheRequiresAll(t *testing.T) {
	cmd := NewSegmentCommand()
	cmd.SetArgs([]string{"clean", "--cache"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.ExecuteContext(context.Background())
	assert.Equal(t, api.InvalidInput, api.CategoryOf(err))
}

func TestPathsCheckedBeforeDocker(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("DOCKER_HOST", "unix://"+filepath.Join(dir, "no-docker.sock"))

	missing := filepath.Join(dir, "missing.nii.gz")
	cmd := NewSegmentCommand()
	cmd.SetArgs([]string{"-i", missing, "-o", filepath.Join(dir, "out", "mask.nii.gz")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, api.InputNotFound, api.CategoryOf(err))
	assert.Equal(t, 2, api.ExitCode(err))
	assert.Contains(t, err.Error(), "missing.nii.gz")

	// A bad output name fails the same way without creating its directory.
	input := filepath.Join(dir, "flair.nii.gz")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))
	cmd = NewSegmentCommand()
	cmd.SetArgs([]string{input, filepath.Join(dir, "out", "mask.png")})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)

	err = cmd.ExecuteContext(context.Background())
	assert.Equal(t, api.InvalidInput, api.CategoryOf(err))
	assert.NoDirExists(t, filepath.Join(dir, "out"))
}
