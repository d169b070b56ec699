package modelcache

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/soumen02/lesion-segmentator/internal/config"
)

const (
	// WeightsFileName is the name of the weights file inside the cache.
	WeightsFileName = "segresnet_lesion.pt"

	// DriveFileID identifies the published weights on Google Drive.
	DriveFileID = "1sTVF-nmthJSOvhXpsXL24fkp3G_NDqma"

	// DefaultURL downloads the weights directly, skipping Drive's virus-scan
	// confirmation page.
	DefaultURL = "https://drive.usercontent.google.com/download?id=" + DriveFileID + "&export=download&confirm=t"

	// DefaultUserAgent identifies the tool to download servers.
	DefaultUserAgent = config.AppName
)

// Source streams the weights from somewhere.
type Source interface {
	// Open starts the transfer. size is -1 when unknown.
	Open(ctx context.Context) (body io.ReadCloser, size int64, err error)

	// String describes the source for logs.
	String() string
}

// HTTPSource downloads the weights over HTTP(S).
type HTTPSource struct {
	URL       string
	Client    *http.Client
	UserAgent string
}

// NewHTTPSource creates an HTTPSource with no overall timeout, as the
// transfer may legitimately take minutes.
func NewHTTPSource(rawURL string) *HTTPSource {
	return &HTTPSource{
		URL:       rawURL,
		UserAgent: DefaultUserAgent,
		Client: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				TLSHandshakeTimeout:   15 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

func (s *HTTPSource) String() string { return s.URL }

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, 0, err
	}
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, 0, fmt.Errorf("download returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt == "text/html" {
		resp.Body.Close()
		return nil, 0, fmt.Errorf("server returned an HTML page instead of the weights (quota exceeded or confirmation required)")
	}
	return resp.Body, resp.ContentLength, nil
}

// S3Source reads the weights from an S3-compatible object store.
type S3Source struct {
	Client *minio.Client
	Bucket string
	Key    string
}

// NewS3Source connects to endpoint with credentials taken from the standard
// AWS and MinIO environment variables or the shared credentials file.
// Anonymous access is used when none are set.
func NewS3Source(endpoint, bucket, key string, insecure bool) (*S3Source, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.FileAWSCredentials{},
	})
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client for %s: %w", endpoint, err)
	}
	return &S3Source{Client: client, Bucket: bucket, Key: key}, nil
}

func (s *S3Source) String() string { return "s3://" + s.Bucket + "/" + s.Key }

func (s *S3Source) Open(ctx context.Context) (io.ReadCloser, int64, error) {
	obj, err := s.Client.GetObject(ctx, s.Bucket, s.Key, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, err
	}
	info, err := obj.Stat()
	if err != nil {
		obj.Close()
		return nil, 0, err
	}
	return obj, info.Size, nil
}

// NewSource builds the Source selected by the model configuration.
//
// An empty URL selects DefaultURL. Supported schemes are http, https and s3;
// s3 URLs take the form s3://bucket/key and require cfg.S3Endpoint.
func NewSource(cfg config.ModelConfig) (Source, error) {
	raw := cfg.URL
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid model URL %q: %w", raw, err)
	}

	switch u.Scheme {
	case "http", "https":
		return NewHTTPSource(raw), nil
	case "s3":
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("invalid S3 model URL %q, want s3://bucket/key", raw)
		}
		if cfg.S3Endpoint == "" {
			return nil, fmt.Errorf("model.s3_endpoint is required for %s", raw)
		}
		return NewS3Source(cfg.S3Endpoint, u.Host, key, cfg.S3Insecure)
	default:
		return nil, fmt.Errorf("unsupported model URL scheme %q", u.Scheme)
	}
}
