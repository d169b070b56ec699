// Package contract describes the inference process running inside the
// container: how it is invoked, the fixed parameters it must use and what its
// output must look like.
//
// The network itself is opaque. This package only configures it and checks
// its result.
package contract

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/soumen02/lesion-segmentator/internal/api"
)

// Fixed sliding-window inference parameters.
const (
	// ROISize is the edge length in voxels of each cubic window.
	ROISize = 120

	// TargetSpacing is the isotropic spacing in mm the volume is resampled to.
	TargetSpacing = 0.7

	// SWBatchSize is the number of windows scored per batch.
	SWBatchSize = 2

	// Overlap is the fraction by which neighbouring windows overlap.
	Overlap = 0.4

	// Threshold is the lesion probability above which a voxel is labelled 1.
	Threshold = 0.5

	// Orientation is the axis code volumes are reoriented to before scoring.
	Orientation = "RAS"

	// Seed seeds every random number generator in the process.
	Seed = 0
)

// Executable is the entry point inside the inference image.
const Executable = "lesion-segmentor"

// Label values written to the mask.
const (
	LabelBackground = 0
	LabelLesion     = 1
)

// Params configures one invocation of the inference process. All paths are
// as seen inside the container.
type Params struct {
	InputPath  string
	OutputPath string
	ModelDir   string
	Device     api.Backend

	// Threads caps intra-op CPU threads. Zero leaves the default.
	Threads int
}

// Validate checks that Params can be turned into a command line.
func (p Params) Validate() error {
	for name, v := range map[string]string{"input": p.InputPath, "output": p.OutputPath, "model dir": p.ModelDir} {
		if !path.IsAbs(v) {
			return fmt.Errorf("%s path %q must be an absolute container path", name, v)
		}
	}
	if p.InputPath == p.OutputPath {
		return fmt.Errorf("input and output must differ")
	}
	if p.Device != api.BackendAccelerated && p.Device != api.BackendFallback {
		return fmt.Errorf("unknown backend %q", p.Device)
	}
	if p.Threads < 0 {
		return fmt.Errorf("threads must not be negative")
	}
	return nil
}

// Command returns the argument vector of the inference process.
func (p Params) Command() []string {
	return []string{
		Executable,
		p.InputPath,
		p.OutputPath,
		"--model_dir", p.ModelDir,
		"--device", p.Device.ContainerDevice(),
	}
}

// Env returns the environment that pins the inference parameters and makes
// the run deterministic.
func (p Params) Env() map[string]string {
	env := map[string]string{
		"PYTHONHASHSEED":          strconv.Itoa(Seed),
		"PYTHONUNBUFFERED":        "1",
		"CUBLAS_WORKSPACE_CONFIG": ":4096:8",
		"SEGMENT_SEED":            strconv.Itoa(Seed),
		"SEGMENT_ROI_SIZE":        strconv.Itoa(ROISize),
		"SEGMENT_SPACING":         strconv.FormatFloat(TargetSpacing, 'f', -1, 64),
		"SEGMENT_SW_BATCH_SIZE":   strconv.Itoa(SWBatchSize),
		"SEGMENT_OVERLAP":         strconv.FormatFloat(Overlap, 'f', -1, 64),
		"SEGMENT_THRESHOLD":       strconv.FormatFloat(Threshold, 'f', -1, 64),
		"SEGMENT_ORIENTATION":     Orientation,
	}
	if p.Device == api.BackendFallback && p.Threads > 0 {
		n := strconv.Itoa(p.Threads)
		env["OMP_NUM_THREADS"] = n
		env["MKL_NUM_THREADS"] = n
	}
	return env
}

// CheckFileNames rejects files that are not NIfTI volumes.
func CheckFileNames(inputName, outputName string) error {
	if !IsNIfTIName(inputName) {
		return api.Errorf(api.InvalidInput, inputName, "input must be a NIfTI file (.nii or .nii.gz)")
	}
	if !IsNIfTIName(outputName) {
		return api.Errorf(api.InvalidInput, outputName, "output must be a NIfTI file (.nii or .nii.gz)")
	}
	return nil
}

// IsNIfTIName reports whether name has a .nii or .nii.gz suffix.
func IsNIfTIName(name string) bool {
	lower := strings.ToLower(name)
	stem := strings.TrimSuffix(strings.TrimSuffix(lower, ".gz"), ".nii")
	return (strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")) && stem != ""
}
