//go:generate mockgen -destination=./mocks/client.go . Client
package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/glorpus-work/qpserver/pkg/auth"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/hashicorp/go-retryablehttp"
)

// ErrNotModified is returned when the index hasn't changed since the last
// conditional request.
var ErrNotModified = fmt.Errorf("repository index not modified")

// Client fetches repository index documents and package bundles.
type Client interface {
	// GetIndex downloads a repository's index. A non-zero lastModified is
	// sent as If-Modified-Since; ErrNotModified is returned when the server
	// answers 304. The returned time is the server's Last-Modified.
	GetIndex(ctx context.Context, repoURL string, lastModified time.Time) (*Index, time.Time, error)

	// DownloadPackage fetches a package bundle, bounded by maxSize.
	DownloadPackage(ctx context.Context, packageURL string, maxSize int64) ([]byte, error)
}

// Authenticated is implemented by clients that can derive a per-repository
// authenticated variant of themselves.
type Authenticated interface {
	WithAuth(a auth.Authenticator) Client
}

// HTTPClient implements Client over HTTP with retries.
type HTTPClient struct {
	client        *http.Client
	userAgent     string
	authenticator auth.Authenticator
}

// NewHTTPClient creates a client with a bounded per-request timeout and
// automatic retries on transient failures.
func NewHTTPClient(timeout time.Duration) *HTTPClient {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 15 * time.Second
	retryClient.HTTPClient.Timeout = timeout
	retryClient.Logger = nil

	return &HTTPClient{
		client:    retryClient.StandardClient(),
		userAgent: "qpserver/1.0",
	}
}

// WithAuth returns a copy of the client that applies a to every request.
// The underlying HTTP client and its retry policy are shared.
func (hc *HTTPClient) WithAuth(a auth.Authenticator) Client {
	clone := *hc
	clone.authenticator = a
	return &clone
}

func (hc *HTTPClient) applyAuth(req *http.Request) error {
	if hc.authenticator == nil {
		return nil
	}
	if err := hc.authenticator.Apply(req); err != nil {
		return errors.Wrap(err, "failed to apply repository authentication")
	}
	return nil
}

// GetIndex implements Client.
func (hc *HTTPClient) GetIndex(ctx context.Context, repoURL string, lastModified time.Time) (*Index, time.Time, error) {
	indexURL, err := buildIndexURL(repoURL)
	if err != nil {
		return nil, time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, indexURL, http.NoBody)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", hc.userAgent)
	req.Header.Set("Accept", "application/json")
	if !lastModified.IsZero() {
		req.Header.Set("If-Modified-Since", lastModified.UTC().Format(http.TimeFormat))
	}
	if err := hc.applyAuth(req); err != nil {
		return nil, time.Time{}, err
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(errors.ErrDownloadFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusNotModified:
		return nil, lastModified, ErrNotModified
	case http.StatusOK:
	default:
		return nil, time.Time{}, errors.Wrapf(errors.ErrDownloadFailed, "unexpected status code %d for %s", resp.StatusCode, indexURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, errors.Wrap(errors.ErrDownloadFailed, err.Error())
	}

	modifiedTime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if parsed, err := http.ParseTime(lm); err == nil {
			modifiedTime = parsed
		}
	}

	index, err := ParseIndex(data)
	if err != nil {
		return nil, time.Time{}, err
	}
	return index, modifiedTime, nil
}

// DownloadPackage implements Client.
func (hc *HTTPClient) DownloadPackage(ctx context.Context, packageURL string, maxSize int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, packageURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", hc.userAgent)
	if err := hc.applyAuth(req); err != nil {
		return nil, err
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDownloadFailed, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(errors.ErrDownloadFailed, "unexpected status code %d for %s", resp.StatusCode, packageURL)
	}
	if resp.ContentLength > maxSize {
		return nil, errors.Wrapf(errors.ErrPackageTooLarge, "%s declares %d bytes, maximum is %d", packageURL, resp.ContentLength, maxSize)
	}

	// Read one byte past the limit so an undeclared oversize is detected.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSize+1))
	if err != nil {
		return nil, errors.Wrap(errors.ErrDownloadFailed, err.Error())
	}
	if int64(len(data)) > maxSize {
		return nil, errors.Wrapf(errors.ErrPackageTooLarge, "%s exceeds maximum of %d bytes", packageURL, maxSize)
	}
	return data, nil
}

// buildIndexURL constructs the index URL from a repository base URL.
func buildIndexURL(repoURL string) (string, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil {
		return "", errors.Wrapf(errors.ErrInvalidIndex, "invalid repository URL %q", repoURL)
	}
	return parsed.JoinPath("index.json").String(), nil
}
