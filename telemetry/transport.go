package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"
)

// Fetch reasons not derived from a routed request.
const (
	ReasonPrecache    = "precache"
	ReasonUpdateCheck = "update_check"
	ReasonUnknown     = "unknown"
)

type fetchReasonKey struct{}

// WithFetchReason marks network fetches made with ctx as serving reason.
// It takes precedence over the route tag of an incoming request.
func WithFetchReason(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, fetchReasonKey{}, reason)
}

// FetchReason reports why a fetch made with ctx is happening: an explicit
// reason, else the route of the request being served, else ReasonUnknown.
func FetchReason(ctx context.Context) string {
	if reason, ok := ctx.Value(fetchReasonKey{}).(string); ok && reason != "" {
		return reason
	}
	if tags := TagsFromContext(ctx); tags != nil && tags.Route != "" {
		return tags.Route
	}
	return ReasonUnknown
}

// InstrumentedTransport wraps an http.RoundTripper with origin fetch metrics,
// attributed to the reason the fetch was made.
type InstrumentedTransport struct {
	base   http.RoundTripper
	origin string
}

// NewInstrumentedTransport creates a new instrumented transport for an origin.
// If base is nil, http.DefaultTransport is used.
func NewInstrumentedTransport(base http.RoundTripper, origin string) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base, origin: origin}
}

// RoundTrip implements http.RoundTripper. The fetch is recorded when the
// body is closed, or immediately when no response arrives.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	fetch := upstreamFetch{
		origin: t.origin,
		reason: FetchReason(ctx),
		start:  time.Now(),
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		fetch.outcome = "error"
		if ctx.Err() != nil {
			fetch.outcome = "canceled"
		}
		fetch.record(ctx, 0)
		return nil, err
	}

	fetch.outcome = "success"
	if resp.StatusCode >= 500 {
		fetch.outcome = "5xx"
	} else if resp.StatusCode >= 400 {
		fetch.outcome = "4xx"
	}

	resp.Body = &instrumentedBody{ReadCloser: resp.Body, ctx: ctx, fetch: fetch}
	return resp, nil
}

type upstreamFetch struct {
	origin  string
	reason  string
	outcome string
	start   time.Time
}

func (f upstreamFetch) record(ctx context.Context, bytes int64) {
	RecordUpstreamFetch(ctx, f.origin, f.reason, time.Since(f.start), bytes, f.outcome)
}

// instrumentedBody counts bytes read and records the fetch on first close.
// A read error other than EOF turns the outcome into "body_error".
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	fetch    upstreamFetch
	bytes    int64
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	if err != nil && !errors.Is(err, io.EOF) {
		b.fetch.outcome = "body_error"
	}
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		b.fetch.record(b.ctx, b.bytes)
	}
	return b.ReadCloser.Close()
}
