package modelcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soumen02/lesion-segmentator/internal/api"
	"github.com/soumen02/lesion-segmentator/internal/config"
)

var checkpoint = append([]byte("PK\x03\x04"), bytes.Repeat([]byte{0x42}, 4096)...)

func serveWeights(t *testing.T, body []byte, contentType string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func quiet(int64, int64) {}

func TestEnsureDownloadsOnce(t *testing.T) {
	srv, hits := serveWeights(t, checkpoint, "application/octet-stream")
	dir := filepath.Join(t.TempDir(), "models")
	m := NewManager(dir, NewHTTPSource(srv.URL), WithProgress(quiet))

	first, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, first.Present)
	assert.True(t, first.Verified)
	assert.True(t, first.Downloaded)
	assert.Equal(t, int64(len(checkpoint)), first.Size)

	second, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, second.Verified)
	assert.False(t, second.Downloaded)
	assert.Equal(t, int32(1), hits.Load())

	_, err = m.Ensure(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "force re-downloads")

	assert.Empty(t, m.Partials())
}

type failingSource struct{ after []byte }

func (f failingSource) String() string { return "failing" }

func (f failingSource) Open(context.Context) (io.ReadCloser, int64, error) {
	r := io.MultiReader(bytes.NewReader(f.after), errReader{})
	return io.NopCloser(r), int64(len(f.after) * 2), nil
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset by peer") }

func TestEnsureMidDownloadFailureLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, failingSource{after: checkpoint[:1024]}, WithProgress(quiet))

	_, err := m.Ensure(context.Background(), false)
	require.Error(t, err)
	assert.Equal(t, api.ModelAcquisitionFailed, api.CategoryOf(err))

	_, statErr := os.Stat(m.WeightsPath())
	assert.True(t, os.IsNotExist(statErr), "no file at the final path")
	assert.Empty(t, m.Partials(), "temporary file removed")
}

func TestEnsureFailureKeepsPreviousCache(t *testing.T) {
	dir := t.TempDir()
	weights := filepath.Join(dir, WeightsFileName)
	require.NoError(t, os.WriteFile(weights, checkpoint, 0o644))

	m := NewManager(dir, failingSource{}, WithProgress(quiet))
	_, err := m.Ensure(context.Background(), true)
	require.Error(t, err)

	data, err := os.ReadFile(weights)
	require.NoError(t, err)
	assert.Equal(t, checkpoint, data)
}

func TestEnsureRejectsHTML(t *testing.T) {
	page := []byte("<!DOCTYPE html><html><body>Google Drive - Quota exceeded</body></html>")

	srv, _ := serveWeights(t, page, "text/html; charset=utf-8")
	m := NewManager(t.TempDir(), NewHTTPSource(srv.URL), WithProgress(quiet))
	_, err := m.Ensure(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTML")

	// Mislabelled content type is caught by the signature check.
	srv, _ = serveWeights(t, page, "application/octet-stream")
	m = NewManager(t.TempDir(), NewHTTPSource(srv.URL), WithProgress(quiet))
	_, err = m.Ensure(context.Background(), false)
	require.ErrorIs(t, err, ErrIntegrity)
	_, statErr := os.Stat(m.WeightsPath())
	assert.True(t, os.IsNotExist(statErr))
}

func TestEnsureDigest(t *testing.T) {
	srv, _ := serveWeights(t, []byte("not a zip but pinned"), "application/octet-stream")

	good := digest.FromBytes([]byte("not a zip but pinned"))
	m := NewManager(t.TempDir(), NewHTTPSource(srv.URL), WithDigest(good), WithProgress(quiet))
	entry, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, entry.Verified)

	bad := digest.FromBytes([]byte("something else"))
	m = NewManager(t.TempDir(), NewHTTPSource(srv.URL), WithDigest(bad), WithProgress(quiet))
	_, err = m.Ensure(context.Background(), false)
	require.ErrorIs(t, err, ErrIntegrity)
	assert.Equal(t, api.ModelAcquisitionFailed, api.CategoryOf(err))
}

func TestEnsureReplacesCorruptCache(t *testing.T) {
	srv, hits := serveWeights(t, checkpoint, "application/octet-stream")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, WeightsFileName), []byte("<html>"), 0o644))

	m := NewManager(dir, NewHTTPSource(srv.URL), WithProgress(quiet))
	assert.False(t, m.Status().Verified)

	entry, err := m.Ensure(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, entry.Downloaded)
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, m.Status().Verified)
}

func TestHTTPStatusError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m := NewManager(t.TempDir(), NewHTTPSource(srv.URL), WithProgress(quiet))
	_, err := m.Ensure(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(config.ModelConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultURL, src.String())

	src, err = NewSource(config.ModelConfig{URL: "s3://weights/lesion/segresnet_lesion.pt", S3Endpoint: "minio.local:9000", S3Insecure: true})
	require.NoError(t, err)
	assert.Equal(t, "s3://weights/lesion/segresnet_lesion.pt", src.String())

	_, err = NewSource(config.ModelConfig{URL: "s3://weights/x.pt"})
	assert.ErrorContains(t, err, "s3_endpoint")

	_, err = NewSource(config.ModelConfig{URL: "ftp://example.com/x.pt"})
	assert.Error(t, err)
}

func TestParseDigest(t *testing.T) {
	d, err := ParseDigest("")
	require.NoError(t, err)
	assert.Empty(t, d)

	_, err = ParseDigest("sha256:zz")
	assert.Error(t, err)
}

func TestRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "models")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, WeightsFileName), checkpoint, 0o644))

	m := NewManager(dir, nil)
	require.NoError(t, m.Remove())
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, m.Status().Present)
}
