package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/fellowship-crawler/internal/crawler"
	"github.com/JakeFAU/fellowship-crawler/internal/metrics"
)

const (
	robotsFallbackReasonTLSHandshake = "TLS handshake timeout"
	allowAllRobots                   = "User-agent: *\nAllow: /"
)

var defaultRobotsBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// robotsTransport retries robots.txt lookups that hit transient TLS timeouts
// and, once the retries are spent, answers with an allow-all document so the
// page fetch can proceed. Every other request passes straight through.
type robotsTransport struct {
	base  http.RoundTripper
	probe *robotsProbe
}

func (t *robotsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("robots transport received nil request")
	}
	if t.probe == nil || !isRobotsTxtRequest(req) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, fmt.Errorf("robots transport base roundtrip: %w", err)
		}
		return resp, nil
	}
	return t.probe.roundTrip(req, t.base)
}

func isRobotsTxtRequest(req *http.Request) bool {
	return req.URL != nil && strings.EqualFold(req.URL.Path, "/robots.txt")
}

// robotsProbe records whether robots.txt could be read for one fetch.
type robotsProbe struct {
	backoff []time.Duration

	mu     sync.Mutex
	status crawler.RobotsStatus
	reason string
}

func (p *robotsProbe) apply(resp *crawler.FetchResponse) {
	if p == nil || resp == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == crawler.RobotsStatusUnknown {
		return
	}
	resp.RobotsStatus = p.status
	resp.RobotsReason = p.reason
}

func (p *robotsProbe) roundTrip(req *http.Request, base http.RoundTripper) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := base.RoundTrip(req.Clone(req.Context()))
		if err == nil {
			return resp, nil
		}
		if !isTransientTLSError(err) {
			return nil, fmt.Errorf("robots roundtrip: %w", err)
		}
		if attempt >= len(p.backoff) {
			p.markIndeterminate(robotsFallbackReasonTLSHandshake)
			return allowAllResponse(req), nil
		}
		if err := sleepWithContext(req.Context(), p.backoff[attempt]); err != nil {
			return nil, fmt.Errorf("robots roundtrip backoff: %w", err)
		}
	}
}

func (p *robotsProbe) markIndeterminate(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == crawler.RobotsStatusIndeterminate {
		return
	}
	p.status = crawler.RobotsStatusIndeterminate
	p.reason = reason
	metrics.ObserveProbeTLSHandshakeTimeout()
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func allowAllResponse(req *http.Request) *http.Response {
	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          io.NopCloser(strings.NewReader(allowAllRobots)),
		ContentLength: int64(len(allowAllRobots)),
		Header:        http.Header{"Content-Type": {"text/plain"}},
		Request:       req,
	}
}

func isTransientTLSError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}
