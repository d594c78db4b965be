package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"host-rewrite-proxy-go/internal/client"
	"host-rewrite-proxy-go/internal/config"
	"host-rewrite-proxy-go/internal/rewrite"
	"host-rewrite-proxy-go/internal/service"
)

var testHosts = rewrite.Hosts{Target: "example.com", Proxy: "proxy.app"}

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{
			TimeoutSeconds:  5,
			IdleConnections: 10,
		},
		Rewrite: config.RewriteConfig{
			GzipMaxBufferBytes: 1024 * 1024,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, originBase string) *ProxyHandler {
	t.Helper()
	cfg := testConfig()
	logger := discardLogger()
	oc := client.NewOriginClient(cfg, logger, nil)
	svc := service.NewProxyServiceForTest(oc, cfg, testHosts, originBase, logger, nil)
	return NewProxyHandler(svc, logger)
}

func TestProxyHandler_Handle_StreamsRewrittenBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<a href="https://example.com/next">go</a>`))
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/page?x=1", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body := rec.Body.String(); !strings.Contains(body, "https://proxy.app/next") {
		t.Errorf("body = %q, want rewritten link", body)
	}
}

func TestProxyHandler_Handle_SetCookieHeadersKeptSeparate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "a=1; Domain=example.com; Path=/")
		w.Header().Add("Set-Cookie", "b=2; Path=/; HttpOnly")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	cookies := rec.Header().Values("Set-Cookie")
	if len(cookies) != 2 {
		t.Fatalf("Set-Cookie count = %d, want 2 independent headers", len(cookies))
	}
	if !strings.Contains(cookies[0], "Domain=proxy.app") {
		t.Errorf("cookies[0] = %q, want rewritten domain", cookies[0])
	}
	if !strings.Contains(cookies[1], "HttpOnly") || strings.Contains(cookies[1], "Domain=") {
		t.Errorf("cookies[1] = %q, want untouched host-only cookie", cookies[1])
	}
}

func TestProxyHandler_Handle_RedirectLocationRewritten(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://example.com/next")
		w.WriteHeader(http.StatusFound)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/start", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if rec.Code != http.StatusFound {
		t.Errorf("status = %d, want %d (redirect surfaces to the client)", rec.Code, http.StatusFound)
	}
	if got := rec.Header().Get("Location"); got != "https://proxy.app/next" {
		t.Errorf("Location = %q, want %q", got, "https://proxy.app/next")
	}
}

func TestProxyHandler_Handle_RequestBodyForwarded(t *testing.T) {
	var gotBody string
	var gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotMethod = r.Method
		w.WriteHeader(http.StatusCreated)
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/submit", strings.NewReader("payload=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("origin saw method %q, want POST", gotMethod)
	}
	if gotBody != "payload=1" {
		t.Errorf("origin saw body %q, want %q", gotBody, "payload=1")
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
}

func TestProxyHandler_Handle_OriginDown(t *testing.T) {
	// Grab a port that refuses connections.
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	originBase := upstream.URL
	upstream.Close()

	h := newTestHandler(t, originBase)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v (transport failures map to a response, not an error)", err)
	}

	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("error body missing diagnostic message")
	}
}

func TestProxyHandler_Handle_QueryStringForwarded(t *testing.T) {
	var gotQuery string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
	}))
	defer upstream.Close()

	h := newTestHandler(t, upstream.URL)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/search?q=a+b&page=2", http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Handle(c); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}

	if gotQuery != "q=a+b&page=2" {
		t.Errorf("origin saw query %q, want %q", gotQuery, "q=a+b&page=2")
	}
}
