package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"host-rewrite-proxy-go/internal/model"
	"host-rewrite-proxy-go/internal/service"
)

// ProxyHandler forwards every request through the rewriting pipeline.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle translates the inbound request, dispatches it to the origin, and
// streams the translated response back to the client chunk by chunk.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	// net/http strips the Host header into req.Host; reinstate it so the
	// translation step has one header list to work on.
	header := model.HeaderFields{{Name: "Host", Value: req.Host}}
	header = append(header, model.FromHTTPHeader(req.Header)...)

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Path:   req.URL.Path,
		Query:  req.URL.RawQuery,
		Header: header,
		Body:   req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for _, f := range resp.Header {
		c.Response().Header().Add(f.Name, f.Value)
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the translated body incrementally. Once the status line is out
	// a mid-stream failure (client disconnect, origin reset) can only yield
	// a truncated response; log it and stop pulling from the origin.
	buf := make([]byte, 8192)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := c.Response().Write(buf[:n]); werr != nil {
				h.logger.Error("writing response to client",
					"err", werr,
					"path", req.URL.Path,
				)
				return nil
			}
			c.Response().Flush()
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			h.logger.Error("streaming response body",
				"err", rerr,
				"path", req.URL.Path,
			)
			return nil
		}
	}
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "origin request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "origin host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "origin connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "origin request failed",
	})
}
