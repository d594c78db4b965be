// Package client provides the outbound HTTP client used to reach the origin.
package client

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"host-rewrite-proxy-go/internal/config"
	"host-rewrite-proxy-go/internal/metrics"
	"host-rewrite-proxy-go/internal/model"
)

// OriginClient sends translated requests to the origin host.
//
// Redirects are never followed: the proxy must see 3xx responses itself so it
// can rewrite their Location headers, rather than have the transport resolve
// them against the origin silently. Transport-level decompression is disabled
// for the same reason: the rewrite pipeline is the single place that decides
// what happens to a gzip body, so it needs the raw bytes and the original
// Content-Encoding header.
type OriginClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:  logger.With("component", "origin_client"),
		metrics: m,
	}
}

// Do executes an HTTP request against the origin and returns the raw response.
// The caller is responsible for closing the response body.
func (c *OriginClient) Do(req *http.Request) (*model.ProxyResponse, error) {
	c.logger.Debug("origin request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("origin request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		c.metrics.UpstreamResponses.WithLabelValues(method, status).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     model.FromHTTPHeader(resp.Header),
		Body:       resp.Body,
	}, nil
}

// DoStream executes a request and returns the response body as a stream.
// The caller is responsible for closing the returned ReadCloser.
// The provided context controls the lifetime of the origin request: when the
// context is canceled (e.g. client disconnects), the origin request is also
// canceled and its connection released.
func (c *OriginClient) DoStream(ctx context.Context, method, url string, header model.HeaderFields, body io.Reader) (*model.ProxyResponse, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}

	for _, f := range header {
		// net/http carries the Host header on the request itself.
		if strings.EqualFold(f.Name, "Host") {
			req.Host = f.Value
			continue
		}
		req.Header.Add(f.Name, f.Value)
	}

	return c.Do(req)
}
