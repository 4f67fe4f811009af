package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultRegistryURL is the default NPM registry.
	DefaultRegistryURL = "https://registry.npmjs.org"

	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// abbreviatedMetadata asks the registry for the install manifest, which
	// still carries dist-tags but is far smaller than the full document.
	abbreviatedMetadata = "application/vnd.npm.install-v1+json"

	// maxMetadataSize caps how much of a registry document is decoded.
	maxMetadataSize = 64 << 20
)

// Upstream fetches dist-tags from an upstream NPM registry.
type Upstream struct {
	baseURL string
	client  *http.Client
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithRegistryURL sets the upstream registry URL.
func WithRegistryURL(url string) UpstreamOption {
	return func(u *Upstream) {
		u.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// NewUpstream creates a new upstream registry client.
func NewUpstream(opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL: DefaultRegistryURL,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

type distTags struct {
	DistTags map[string]json.RawMessage `json:"dist-tags"`
}

// FetchLatest returns the "latest" dist-tag of name.
// Every failure wraps ErrUpstream.
func (u *Upstream) FetchLatest(ctx context.Context, name string) (string, error) {
	target := fmt.Sprintf("%s/%s", u.baseURL, encodePackageName(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("%w: creating request: %w", ErrUpstream, err)
	}
	req.Header.Set("Accept", abbreviatedMetadata)

	resp, err := u.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: performing request: %w", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("%w: %s returned %d", ErrUpstream, target, resp.StatusCode)
	}

	var doc distTags
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxMetadataSize)).Decode(&doc); err != nil {
		return "", fmt.Errorf("%w: decoding metadata: %w", ErrUpstream, err)
	}

	raw, ok := doc.DistTags["latest"]
	if !ok {
		return "", fmt.Errorf("%w: %s has no latest dist-tag", ErrUpstream, name)
	}

	var latest string
	if err := json.Unmarshal(raw, &latest); err != nil || latest == "" {
		return "", fmt.Errorf("%w: %s latest dist-tag is not a version string", ErrUpstream, name)
	}

	return latest, nil
}

// encodePackageName URL-encodes a package name for registry requests.
func encodePackageName(name string) string {
	if strings.HasPrefix(name, "@") {
		// URL-encode the slash in scoped packages
		return strings.Replace(name, "/", "%2f", 1)
	}
	return url.PathEscape(name)
}
