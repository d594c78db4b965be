package middleware

import (
	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are connection-scoped headers that must not travel past a
// proxy hop.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from inbound requests before they reach the proxy pipeline. Response
// headers are left alone so proxied pages arrive exactly as translated.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, h := range hopByHopHeaders {
				c.Request().Header.Del(h)
			}
			return next(c)
		}
	}
}
