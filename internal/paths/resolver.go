// Package paths canonicalizes the user's input and output paths and derives
// the host directories that are bound into the isolated environment.
//
// Resolution is symlink- and relative-path-safe: two spellings of the same
// file, from any working directory, resolve to identical ResolvedPaths.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/logger"
)

// Resolver turns an ExecutionRequest's paths into ResolvedPaths.
//
// The only filesystem mutation performed is creating the output directory;
// the output file itself is never created.
type Resolver struct {
	// Accept, when set, vets the input and output file names after the input
	// has been found and before any directory is created.
	Accept func(inputName, outputName string) error
}

// Resolve canonicalizes input and output.
//
// Steps:
//  1. Input is made absolute, symlinks are evaluated, and it must be a
//     regular file (api.InputNotFound otherwise)
//  2. Accept is consulted (its error is returned as is)
//  3. The output's parent directory is created recursively and canonicalized
//  4. A writability probe is created and removed in the output directory
//     (api.OutputDirUnwritable on failure)
//
// Parameters:
//   - input: Input path as typed by the user
//   - output: Output path as typed by the user
//
// Returns:
//   - Canonical paths with both mount directories existing and writable
//   - Categorized error naming the offending path
func (r *Resolver) Resolve(input, output string) (*api.ResolvedPaths, error) {
	inAbs, err := canonicalFile(input)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(output) == "" {
		return nil, api.Errorf(api.InvalidInput, output, "output path is empty")
	}
	if hasTrailingSeparator(output) {
		return nil, api.Errorf(api.InvalidInput, output, "output path names a directory, expected a file")
	}
	outAbs, err := filepath.Abs(output)
	if err != nil {
		return nil, api.E(api.InvalidInput, output, err)
	}
	outName := filepath.Base(outAbs)

	if r != nil && r.Accept != nil {
		if err := r.Accept(filepath.Base(inAbs), outName); err != nil {
			return nil, err
		}
	}

	outDir, err := ensureWritableDir(filepath.Dir(outAbs))
	if err != nil {
		return nil, err
	}
	outAbs = filepath.Join(outDir, outName)

	if info, err := os.Stat(outAbs); err == nil && info.IsDir() {
		return nil, api.Errorf(api.InvalidInput, outAbs, "output path is an existing directory")
	}
	if outAbs == inAbs {
		return nil, api.Errorf(api.InvalidInput, outAbs, "output would overwrite the input")
	}

	inDir := filepath.Dir(inAbs)
	resolved := &api.ResolvedPaths{
		InputAbsolutePath:  inAbs,
		OutputAbsolutePath: outAbs,
		InputMountDir:      inDir,
		OutputMountDir:     outDir,
		InputFileName:      filepath.Base(inAbs),
		OutputFileName:     outName,
	}

	logger.Debug("Resolved input %s -> %s", input, resolved.InputAbsolutePath)
	logger.Debug("Resolved output %s -> %s", output, resolved.OutputAbsolutePath)
	return resolved, nil
}

// canonicalFile returns the absolute, symlink-free path of an existing
// regular file.
func canonicalFile(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", api.Errorf(api.InputNotFound, p, "input path is empty")
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", api.E(api.InputNotFound, p, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", api.Errorf(api.InputNotFound, abs, "input file not found")
		}
		return "", api.E(api.InputNotFound, abs, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", api.E(api.InputNotFound, abs, err)
	}
	if !info.Mode().IsRegular() {
		return "", api.Errorf(api.InputNotFound, abs, "input is not a regular file")
	}
	return real, nil
}

// ensureWritableDir creates dir if needed, canonicalizes it and proves it is
// writable by creating and removing a probe file.
func ensureWritableDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", api.E(api.OutputDirUnwritable, dir, fmt.Errorf("failed to create output directory: %w", err))
	}
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "", api.E(api.OutputDirUnwritable, dir, err)
	}
	info, err := os.Stat(real)
	if err != nil {
		return "", api.E(api.OutputDirUnwritable, dir, err)
	}
	if !info.IsDir() {
		return "", api.Errorf(api.OutputDirUnwritable, dir, "output parent is not a directory")
	}

	probe, err := os.CreateTemp(real, ".segment-probe-*")
	if err != nil {
		return "", api.E(api.OutputDirUnwritable, real, fmt.Errorf("output directory is not writable: %w", err))
	}
	name := probe.Name()
	probe.Close()
	if err := os.Remove(name); err != nil {
		logger.Warn("Failed to remove writability probe %s: %v", name, err)
	}
	return real, nil
}

func hasTrailingSeparator(p string) bool {
	return strings.HasSuffix(p, "/") || strings.HasSuffix(p, string(filepath.Separator))
}
