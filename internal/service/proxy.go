// Package service implements the per-request translation pipeline: request
// rewriting, origin dispatch, and response header/body translation.
package service

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"host-rewrite-proxy-go/internal/client"
	"host-rewrite-proxy-go/internal/config"
	"host-rewrite-proxy-go/internal/metrics"
	"host-rewrite-proxy-go/internal/model"
	"host-rewrite-proxy-go/internal/rewrite"
)

// rewritableContentTypes lists Content-Type prefixes whose bodies get
// host-reference rewriting. Everything else streams through untouched.
var rewritableContentTypes = []string{
	"text/",
	"application/javascript",
	"application/json",
}

// corsHeaders are stripped from translated responses; the origin's CORS
// policy names the wrong host once the response is served from the proxy.
var corsHeaders = []string{
	"Access-Control-Allow-Origin",
	"Access-Control-Allow-Methods",
	"Access-Control-Allow-Headers",
}

// ProxyService orchestrates one request/response cycle. It holds no
// cross-request state beyond the immutable host pair, so a single instance
// serves all concurrent requests without locking.
type ProxyService struct {
	client  *client.OriginClient
	cfg     *config.Config
	hosts   rewrite.Hosts
	cookies *rewrite.CookieRewriter
	content *rewrite.ContentRewriter
	logger  *slog.Logger
	metrics *metrics.Metrics

	// originBase is "scheme://host" of the origin; normally derived from the
	// target host over HTTPS, overridden in tests to point at httptest servers.
	originBase string
}

// NewProxyService creates a ProxyService dispatching to https://<target host>.
// The metrics parameter is optional; pass nil to disable rewrite metrics.
func NewProxyService(c *client.OriginClient, cfg *config.Config, hosts rewrite.Hosts, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		client:     c,
		cfg:        cfg,
		hosts:      hosts,
		cookies:    rewrite.NewCookieRewriter(hosts),
		content:    rewrite.NewContentRewriter(hosts),
		logger:     logger.With("component", "proxy_service"),
		metrics:    m,
		originBase: "https://" + hosts.Target,
	}
}

// NewProxyServiceForTest creates a ProxyService that dispatches to the given
// base URL instead of https://<target host>. This is intended only for tests
// that use httptest servers on localhost; rewriting still keys off hosts.
func NewProxyServiceForTest(c *client.OriginClient, cfg *config.Config, hosts rewrite.Hosts, originBase string, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	s := NewProxyService(c, cfg, hosts, logger, m)
	s.originBase = strings.TrimSuffix(originBase, "/")
	return s
}

// Forward translates a ProxyRequest, dispatches it to the origin, and returns
// the translated response. The caller owns closing the response body.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	pr.Translate(s.hosts.Target)
	originURL := s.buildOriginURL(pr.Path, pr.Query)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, originURL, pr.Header, pr.Body)
	if err != nil {
		return nil, fmt.Errorf("forward to origin: %w", err)
	}

	s.translateResponse(resp)
	return resp, nil
}

func (s *ProxyService) buildOriginURL(path, query string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := s.originBase + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// translateResponse applies the deliberate rewrites to an origin response:
// Set-Cookie domains, Location hosts, and host references in the body. All
// other headers pass through unchanged, except that Content-Encoding and
// Content-Length are dropped whenever the body is rewritten (the length
// changes and the encoding is removed).
func (s *ProxyService) translateResponse(resp *model.ProxyResponse) {
	bodyRewritten := s.translateBody(resp)
	resp.Header = s.translateHeaders(resp.Header, bodyRewritten)
}

// translateBody decides how the body streams to the client and reports
// whether it is being rewritten.
func (s *ProxyService) translateBody(resp *model.ProxyResponse) bool {
	if !isRewritable(resp.Header.Get("Content-Type")) {
		return false
	}

	if strings.EqualFold(strings.TrimSpace(resp.Header.Get("Content-Encoding")), "gzip") {
		return s.rewriteGzipBody(resp)
	}

	resp.Body = rewrite.NewStreamReader(resp.Body, s.content)
	if s.metrics != nil {
		s.metrics.BodiesRewritten.Inc()
	}
	return true
}

// rewriteGzipBody fully buffers a gzip body, decompresses it, rewrites the
// plain text, and replaces the body with the uncompressed rewritten bytes.
// This is the one deliberate exception to streaming; it is bounded by
// rewrite.gzip_max_buffer_bytes. Oversized or corrupt gzip bodies pass
// through raw, Content-Encoding intact, so the client can still decode them.
func (s *ProxyService) rewriteGzipBody(resp *model.ProxyResponse) bool {
	limit := s.cfg.Rewrite.GzipMaxBufferBytes

	buffered, overflow, err := readUpTo(resp.Body, limit)
	if err != nil {
		s.logger.Error("reading gzip body", "err", err)
		resp.Body = io.NopCloser(bytes.NewReader(buffered))
		return false
	}
	if overflow {
		s.logger.Warn("gzip body exceeds rewrite buffer cap; passing through raw",
			"cap_bytes", limit,
		)
		if s.metrics != nil {
			s.metrics.GzipBufferOverflows.Inc()
		}
		// Splice the buffered prefix back in front of the unread remainder.
		resp.Body = readCloser{
			Reader: io.MultiReader(bytes.NewReader(buffered), resp.Body),
			closer: resp.Body,
		}
		return false
	}
	_ = resp.Body.Close()

	zr, err := gzip.NewReader(bytes.NewReader(buffered))
	if err != nil {
		s.logger.Error("gzip decode failed; passing through raw", "err", err)
		resp.Body = io.NopCloser(bytes.NewReader(buffered))
		return false
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		s.logger.Error("gzip decompress failed; passing through raw", "err", err)
		resp.Body = io.NopCloser(bytes.NewReader(buffered))
		return false
	}

	rewritten := s.content.RewriteChunk(plain)
	resp.Body = io.NopCloser(bytes.NewReader(rewritten))
	if s.metrics != nil {
		s.metrics.BodiesRewritten.Inc()
	}
	return true
}

func (s *ProxyService) translateHeaders(in model.HeaderFields, bodyRewritten bool) model.HeaderFields {
	out := make(model.HeaderFields, 0, len(in))
	for _, f := range in {
		switch {
		case strings.EqualFold(f.Name, "Set-Cookie"):
			// Each header line is one cookie; rewriting it individually keeps
			// the 1:1 cardinality and the original position in the list.
			rewritten := s.cookies.RewriteHeaders([]string{f.Value})
			if len(rewritten) == 0 {
				continue
			}
			if s.metrics != nil && rewritten[0] != f.Value {
				s.metrics.CookiesRewritten.Inc()
			}
			out = append(out, model.HeaderField{Name: f.Name, Value: rewritten[0]})

		case strings.EqualFold(f.Name, "Location"):
			out = append(out, model.HeaderField{Name: f.Name, Value: s.rewriteLocation(f.Value)})

		case bodyRewritten && (strings.EqualFold(f.Name, "Content-Encoding") || strings.EqualFold(f.Name, "Content-Length")):
			continue

		case isCORSHeader(f.Name):
			continue

		default:
			out = append(out, f)
		}
	}
	return out
}

// rewriteLocation replaces the redirect host with the proxy host when the
// redirect targets the origin. Relative values and foreign hosts pass
// through unchanged.
func (s *ProxyService) rewriteLocation(value string) string {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" {
		return value
	}
	if !strings.EqualFold(u.Hostname(), s.hosts.Target) {
		return value
	}
	u.Scheme = "https"
	u.Host = s.hosts.Proxy
	return u.String()
}

func isRewritable(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	for _, prefix := range rewritableContentTypes {
		if strings.HasPrefix(ct, prefix) {
			return true
		}
	}
	return false
}

func isCORSHeader(name string) bool {
	for _, h := range corsHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

// readUpTo reads at most limit bytes from r. overflow reports that r holds
// more data than the limit.
func readUpTo(r io.Reader, limit int64) (data []byte, overflow bool, err error) {
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return data, false, err
	}
	if int64(len(data)) > limit {
		return data, true, nil
	}
	return data, false, nil
}

// readCloser pairs a spliced reader with the closer of the underlying body.
type readCloser struct {
	io.Reader
	closer io.Closer
}

func (rc readCloser) Close() error {
	return rc.closer.Close()
}
