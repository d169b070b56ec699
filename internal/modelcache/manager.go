// Package modelcache keeps the segmentation weights in a persistent local
// cache.
//
// The cache holds a single file. It is written once by an atomic
// temp-then-rename, so the final path either holds verified weights or does
// not exist. Concurrent invocations may both download; the last rename wins
// and the content is identical.
package modelcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opencontainers/go-digest"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/config"
	"github.com/soumen02/lesion-segmentator/internal/logger"
)

// ProgressFunc is called periodically while the weights are transferred.
// total is -1 when the source does not report a size.
type ProgressFunc func(downloaded, total int64)

// Manager ensures the weights are present in one cache directory.
type Manager struct {
	dir      string
	source   Source
	digest   digest.Digest
	progress ProgressFunc
}

// Option configures a Manager.
type Option func(*Manager)

// WithDigest sets the digest the weights must match.
func WithDigest(d digest.Digest) Option {
	return func(m *Manager) { m.digest = d }
}

// WithProgress replaces the default logging progress reporter.
func WithProgress(fn ProgressFunc) Option {
	return func(m *Manager) { m.progress = fn }
}

// NewManager creates a Manager for dir fetching from src.
func NewManager(dir string, src Source, opts ...Option) *Manager {
	m := &Manager{dir: dir, source: src}
	m.progress = logProgress()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// New builds a Manager from the application configuration.
func New(cfg *config.Config) (*Manager, error) {
	src, err := NewSource(cfg.Model)
	if err != nil {
		return nil, api.E(api.Config, "", err)
	}
	d, err := ParseDigest(cfg.Model.Digest)
	if err != nil {
		return nil, api.E(api.Config, "", err)
	}
	return NewManager(cfg.Storage.CacheDir, src, WithDigest(d)), nil
}

// Dir returns the cache directory.
func (m *Manager) Dir() string { return m.dir }

// WeightsPath returns the fixed location of the weights file.
func (m *Manager) WeightsPath() string { return filepath.Join(m.dir, WeightsFileName) }

// Status inspects the cache without touching the network.
func (m *Manager) Status() *api.CacheEntry {
	entry := &api.CacheEntry{WeightsPath: m.WeightsPath()}
	info, err := os.Stat(entry.WeightsPath)
	if err != nil || !info.Mode().IsRegular() {
		return entry
	}
	entry.Present = true
	entry.Size = info.Size()
	entry.Verified = verifyFile(entry.WeightsPath, m.digest) == nil
	return entry
}

// Ensure makes sure verified weights are present in the cache.
//
// If the weights are present and verify, Ensure returns without network
// access. Otherwise, or when force is set, the weights are downloaded to a
// temporary file in the cache directory, verified and renamed into place.
// A failed download never leaves a file at the final path; any previously
// cached file is left untouched.
//
// Parameters:
//   - ctx: Context for cancellation of the download
//   - force: Download even if verified weights are cached
//
// Returns:
//   - The cache entry, Present and Verified on success
//   - Error categorized as api.ModelAcquisitionFailed
//
// Example:
//
//	entry, err := cache.Ensure(ctx, false)
//	if err != nil {
//	    return err
//	}
//	logger.Debug("Weights at %s", entry.WeightsPath)
func (m *Manager) Ensure(ctx context.Context, force bool) (*api.CacheEntry, error) {
	if !force {
		entry := m.Status()
		if entry.Verified {
			logger.Debug("Using cached weights %s (%s)", entry.WeightsPath, humanize.Bytes(uint64(entry.Size)))
			return entry, nil
		}
		if entry.Present {
			logger.Warn("Cached weights at %s failed verification, downloading again", entry.WeightsPath)
		}
	}

	size, err := m.download(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, api.E(api.Canceled, m.WeightsPath(), ctx.Err())
		}
		return nil, api.E(api.ModelAcquisitionFailed, m.WeightsPath(), err)
	}

	return &api.CacheEntry{
		WeightsPath: m.WeightsPath(),
		Present:     true,
		Verified:    true,
		Size:        size,
		Downloaded:  true,
	}, nil
}

func (m *Manager) download(ctx context.Context) (size int64, err error) {
	if m.source == nil {
		return 0, errors.New("no model source configured")
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return 0, fmt.Errorf("failed to create model cache: %w", err)
	}

	logger.Info("Downloading model weights from %s", m.source)
	body, total, err := m.source.Open(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch weights: %w", err)
	}
	defer body.Close()

	tmp, err := os.CreateTemp(m.dir, "."+WeightsFileName+".*.partial")
	if err != nil {
		return 0, fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	written, err := io.Copy(tmp, &progressReader{r: body, total: total, fn: m.progress})
	if err != nil {
		return 0, fmt.Errorf("download interrupted after %s: %w", humanize.Bytes(uint64(written)), err)
	}
	if total >= 0 && written != total {
		return 0, fmt.Errorf("download truncated: got %d of %d bytes", written, total)
	}
	if err = tmp.Sync(); err != nil {
		return 0, err
	}
	if err = tmp.Close(); err != nil {
		return 0, err
	}

	if err = verifyFile(tmpPath, m.digest); err != nil {
		return 0, err
	}
	if err = os.Rename(tmpPath, m.WeightsPath()); err != nil {
		return 0, fmt.Errorf("failed to place weights: %w", err)
	}

	logger.Info("Model weights cached at %s (%s)", m.WeightsPath(), humanize.Bytes(uint64(written)))
	return written, nil
}

// Remove deletes the cache directory and everything in it.
func (m *Manager) Remove() error {
	if m.dir == "" || m.dir == string(filepath.Separator) {
		return fmt.Errorf("refusing to remove cache directory %q", m.dir)
	}
	if err := os.RemoveAll(m.dir); err != nil {
		return fmt.Errorf("failed to remove model cache: %w", err)
	}
	return nil
}

// Partials lists leftover temporary files from interrupted downloads.
func (m *Manager) Partials() []string {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".partial") {
			out = append(out, filepath.Join(m.dir, e.Name()))
		}
	}
	return out
}

type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	fn    ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.fn != nil && n > 0 {
		p.fn(p.done, p.total)
	}
	return n, err
}

// logProgress reports at most once per second or every 5%.
func logProgress() ProgressFunc {
	var last time.Time
	lastPercent := -1.0
	return func(downloaded, total int64) {
		now := time.Now()
		if total > 0 {
			percent := float64(downloaded) / float64(total) * 100
			if percent-lastPercent < 5 && now.Sub(last) < time.Second && downloaded != total {
				return
			}
			lastPercent = percent
			last = now
			logger.Info("Downloading weights: %.1f%% (%s / %s)", percent,
				humanize.Bytes(uint64(downloaded)), humanize.Bytes(uint64(total)))
			return
		}
		if now.Sub(last) >= time.Second {
			last = now
			logger.Info("Downloading weights: %s", humanize.Bytes(uint64(downloaded)))
		}
	}
}
