package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Registry fetch outcomes.
const (
	FetchOK       = "success"
	FetchNotFound = "not_found"
	Fetch4xx      = "4xx"
	Fetch5xx      = "5xx"
	FetchTimeout  = "timeout"
	FetchCanceled = "canceled"
	FetchError    = "error"
)

// InstrumentedTransport records one upstream fetch metric per registry
// request, labelled with the upstream name and, when the request context
// carries one (see WithPackageContext), the package being resolved.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
}

// NewInstrumentedTransport creates a new instrumented transport labelled with upstream.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, upstream string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, upstream: upstream}
}

// RoundTrip implements http.RoundTripper. Failed round trips are recorded
// immediately; responses are recorded when their body is closed so the byte
// count and duration cover the whole download.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	f := &fetch{
		ctx:      req.Context(),
		upstream: t.upstream,
		pkg:      PackageFromContext(req.Context()),
		start:    time.Now(),
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		f.outcome = errorOutcome(req.Context(), err)
		f.record()
		return nil, err
	}

	f.outcome = statusOutcome(resp.StatusCode)
	resp.Body = &instrumentedBody{ReadCloser: resp.Body, fetch: f}
	return resp, nil
}

// statusOutcome classifies a registry response. A 404 means the package is
// not published, which is worth telling apart from other client errors.
func statusOutcome(status int) string {
	switch {
	case status == http.StatusNotFound:
		return FetchNotFound
	case status >= 500:
		return Fetch5xx
	case status >= 400:
		return Fetch4xx
	default:
		return FetchOK
	}
}

func errorOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return FetchTimeout
	case ctx.Err() != nil:
		return FetchCanceled
	default:
		return FetchError
	}
}

// fetch is one registry request being measured.
type fetch struct {
	ctx      context.Context
	upstream string
	pkg      string
	start    time.Time
	outcome  string
	bytes    int64
}

func (f *fetch) record() {
	RecordUpstreamFetch(f.ctx, f.upstream, f.pkg, time.Since(f.start), f.bytes, f.outcome)
}

// instrumentedBody counts the bytes read and records the fetch on the first Close.
type instrumentedBody struct {
	io.ReadCloser
	fetch    *fetch
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.fetch.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		b.fetch.record()
	}
	return b.ReadCloser.Close()
}
