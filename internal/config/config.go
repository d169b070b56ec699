// Package config provides configuration management for the segment tool.
//
// This package handles all configuration-related functionality including:
//   - Storage paths (config directory, model cache directory, log file)
//   - Container images and the accelerated runtime name
//   - Resource profiles for the fallback backend
//   - Mount points inside the isolated environment
//
// Values are layered with the following precedence (highest first):
// command-line flags, environment variables, config.yaml, built-in defaults.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/soumen02/lesion-segmentator/internal/api"
)

const (
	// AppName names the per-user directories and container labels.
	AppName = "lesion-segmentor"

	// ConfigFileName is the optional YAML file inside the config directory.
	ConfigFileName = "config.yaml"

	// DefaultCPUImage is the inference image for the fallback backend.
	DefaultCPUImage = "lesion_segmentor:latest"

	// DefaultGPUImage is the inference image for the accelerated backend.
	DefaultGPUImage = "lesion_segmentor_gpu:latest"

	// DefaultGPURuntime is the container runtime that must be registered for
	// the accelerated backend.
	DefaultGPURuntime = "nvidia"

	// DefaultInputMount is where the input directory appears in the container.
	DefaultInputMount = "/input"

	// DefaultOutputMount is where the output directory appears in the container.
	DefaultOutputMount = "/output"

	// DefaultModelMount is where the model cache appears in the container.
	DefaultModelMount = "/models"

	// DefaultCPUs caps the fallback profile's CPU usage.
	DefaultCPUs = 4.0

	// DefaultMemory caps the fallback profile's memory.
	DefaultMemory = "8g"

	// DefaultShmSize is the shared memory given to both profiles. PyTorch
	// data loading fails with Docker's 64m default on large volumes.
	DefaultShmSize = "2g"

	// DefaultStopTimeout is the grace period in seconds before a cancelled
	// container is killed.
	DefaultStopTimeout = 10
)

// Environment variables recognised by Load.
const (
	EnvInputMount  = "SEGMENT_INPUT_MOUNT"
	EnvOutputMount = "SEGMENT_OUTPUT_MOUNT"
	EnvModelCache  = "SEGMENT_MODEL_CACHE"
	EnvProfile     = "SEGMENT_PROFILE"
	EnvCPUImage    = "SEGMENT_IMAGE"
	EnvGPUImage    = "SEGMENT_GPU_IMAGE"
	EnvCPUs        = "SEGMENT_CPUS"
	EnvMemory      = "SEGMENT_MEMORY"
	EnvModelURL    = "SEGMENT_MODEL_URL"
)

// Config represents the complete application configuration.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Model     ModelConfig     `yaml:"model"`
	Resources ResourcesConfig `yaml:"resources"`
	Mounts    MountConfig     `yaml:"mounts"`
}

// StorageConfig holds host-side locations.
type StorageConfig struct {
	// ConfigDir holds config.yaml. It is never written by a run.
	ConfigDir string `yaml:"-"`

	// CacheDir is the persistent model weights cache.
	CacheDir string `yaml:"cache_dir"`

	// LogFile, when set, receives a rotating JSON log of every run.
	LogFile string `yaml:"log_file"`
}

// RuntimeConfig controls the isolated environment.
type RuntimeConfig struct {
	CPUImage string `yaml:"cpu_image"`
	GPUImage string `yaml:"gpu_image"`

	// Profile is the default device mode: auto, accelerated or fallback.
	Profile string `yaml:"profile"`

	// GPURuntime is the registered runtime name probed for acceleration.
	GPURuntime string `yaml:"gpu_runtime"`

	// GPUDeviceIDs pins the accelerated profile to specific GPUs. Empty
	// reserves exactly one GPU chosen by the runtime.
	GPUDeviceIDs []string `yaml:"gpu_device_ids"`

	// StopTimeout is the grace period in seconds for a cancelled container.
	StopTimeout int `yaml:"stop_timeout"`

	// ExtraEnv holds additional key=value parameters passed to the inference
	// process as environment variables. They cannot override the pinned
	// inference parameters.
	ExtraEnv []string `yaml:"extra_env"`
}

// ModelConfig selects where the weights come from.
type ModelConfig struct {
	// URL overrides the default weights source. http(s):// or s3://bucket/key.
	URL string `yaml:"url"`

	// Digest is the expected digest of the weights, e.g. "sha256:<hex>".
	Digest string `yaml:"digest"`

	// S3Endpoint is the host:port of the S3-compatible mirror for s3:// URLs.
	S3Endpoint string `yaml:"s3_endpoint"`

	// S3Insecure disables TLS towards the S3 mirror.
	S3Insecure bool `yaml:"s3_insecure"`
}

// ResourcesConfig bounds the fallback profile.
type ResourcesConfig struct {
	CPUs    float64 `yaml:"cpus"`
	Memory  string  `yaml:"memory"`
	ShmSize string  `yaml:"shm_size"`
}

// MountConfig holds container-side mount targets.
type MountConfig struct {
	Input  string `yaml:"input"`
	Output string `yaml:"output"`
	Models string `yaml:"models"`
}

// MemoryBytes returns the parsed fallback memory ceiling.
func (r ResourcesConfig) MemoryBytes() (int64, error) {
	return units.RAMInBytes(r.Memory)
}

// ShmBytes returns the parsed shared memory size.
func (r ResourcesConfig) ShmBytes() (int64, error) {
	return units.RAMInBytes(r.ShmSize)
}

// NewDefaultConfig creates a new configuration instance with default values.
//
// The configuration uses:
//   - ConfigDir: the per-user application config directory
//   - CacheDir: the per-user cache directory (.../lesion-segmentor/models)
//   - Images: lesion_segmentor:latest and lesion_segmentor_gpu:latest
//   - Fallback profile: 4 CPUs, 8g memory
//
// Returns:
//   - A pointer to a newly created Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			ConfigDir: DefaultConfigDir(),
			CacheDir:  DefaultCacheDir(),
		},
		Runtime: RuntimeConfig{
			CPUImage:    DefaultCPUImage,
			GPUImage:    DefaultGPUImage,
			Profile:     string(api.DeviceAuto),
			GPURuntime:  DefaultGPURuntime,
			StopTimeout: DefaultStopTimeout,
		},
		Resources: ResourcesConfig{
			CPUs:    DefaultCPUs,
			Memory:  DefaultMemory,
			ShmSize: DefaultShmSize,
		},
		Mounts: MountConfig{
			Input:  DefaultInputMount,
			Output: DefaultOutputMount,
			Models: DefaultModelMount,
		},
	}
}

// Load builds the effective configuration.
//
// Parameters:
//   - file: Path to a YAML config file. Empty means ConfigDir/config.yaml,
//     which is optional. An explicitly named file must exist.
//
// Returns:
//   - The validated configuration
//   - Error categorized as api.Config if any layer is invalid
func Load(file string) (*Config, error) {
	cfg := NewDefaultConfig()

	explicit := file != ""
	if !explicit {
		file = filepath.Join(cfg.Storage.ConfigDir, ConfigFileName)
	}
	if err := cfg.mergeFile(file, explicit); err != nil {
		return nil, api.E(api.Config, file, err)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, api.E(api.Config, "", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, api.E(api.Config, "", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(file string, mustExist bool) error {
	f, err := os.Open(file)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			return nil
		}
		return fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	c.Storage.CacheDir = ExpandTilde(c.Storage.CacheDir)
	c.Storage.LogFile = ExpandTilde(c.Storage.LogFile)
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvInputMount, &c.Mounts.Input)
	str(EnvOutputMount, &c.Mounts.Output)
	str(EnvModelCache, &c.Storage.CacheDir)
	str(EnvProfile, &c.Runtime.Profile)
	str(EnvCPUImage, &c.Runtime.CPUImage)
	str(EnvGPUImage, &c.Runtime.GPUImage)
	str(EnvMemory, &c.Resources.Memory)
	str(EnvModelURL, &c.Model.URL)
	c.Storage.CacheDir = ExpandTilde(c.Storage.CacheDir)

	if v, ok := lookup(EnvCPUs); ok && strings.TrimSpace(v) != "" {
		cpus, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: invalid CPU count %q", EnvCPUs, v)
		}
		c.Resources.CPUs = cpus
	}
	return nil
}

// Validate checks the configuration for values that would only fail later,
// inside the container runtime.
func (c *Config) Validate() error {
	if c.Storage.CacheDir == "" {
		return fmt.Errorf("model cache directory is not set")
	}
	if _, err := api.ParseDeviceMode(c.Runtime.Profile); err != nil {
		return fmt.Errorf("runtime.profile: %w", err)
	}
	if c.Runtime.CPUImage == "" || c.Runtime.GPUImage == "" {
		return fmt.Errorf("runtime images must not be empty")
	}
	if c.Runtime.StopTimeout < 0 {
		return fmt.Errorf("runtime.stop_timeout must not be negative")
	}
	if err := validateParams(c.Runtime.ExtraEnv); err != nil {
		return err
	}
	if c.Resources.CPUs <= 0 {
		return fmt.Errorf("resources.cpus must be positive, got %g", c.Resources.CPUs)
	}
	mem, err := c.Resources.MemoryBytes()
	if err != nil {
		return fmt.Errorf("resources.memory: %w", err)
	}
	if mem <= 0 {
		return fmt.Errorf("resources.memory must be positive, got %q", c.Resources.Memory)
	}
	if _, err := c.Resources.ShmBytes(); err != nil {
		return fmt.Errorf("resources.shm_size: %w", err)
	}

	targets := map[string]string{}
	for name, target := range map[string]string{
		"input":  c.Mounts.Input,
		"output": c.Mounts.Output,
		"models": c.Mounts.Models,
	} {
		// Container paths are always POSIX, whatever the host OS.
		if !path.IsAbs(target) {
			return fmt.Errorf("mounts.%s must be an absolute container path, got %q", name, target)
		}
		clean := path.Clean(target)
		if clean == "/" {
			return fmt.Errorf("mounts.%s must not be the container root", name)
		}
		if other, dup := targets[clean]; dup {
			return fmt.Errorf("mounts.%s and mounts.%s both target %s", name, other, clean)
		}
		targets[clean] = name
	}
	return nil
}

// DefaultMode returns the configured default device mode.
func (c *Config) DefaultMode() api.DeviceMode {
	mode, err := api.ParseDeviceMode(c.Runtime.Profile)
	if err != nil {
		return api.DeviceAuto
	}
	return mode
}

// ImageFor returns the container image for a backend.
func (c *Config) ImageFor(b api.Backend) string {
	if b == api.BackendAccelerated {
		return c.Runtime.GPUImage
	}
	return c.Runtime.CPUImage
}
