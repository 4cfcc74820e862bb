// Package health exposes the relay's liveness and metrics HTTP
// surface on echo, separate from the UDP data plane entirely.
package health

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/NodeTunnel/relay-server/internal/metrics"
)

// NewServer builds an *echo.Echo serving GET /health (plain liveness)
// and GET metricsRoute (the given Set's Prometheus exposition; an
// empty metricsRoute falls back to "/metrics"). It does not start
// listening; call Start on the returned instance.
func NewServer(m *metrics.Set, metricsRoute string) *echo.Echo {
	if metricsRoute == "" {
		metricsRoute = "/metrics"
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})
	e.GET(metricsRoute, echo.WrapHandler(m.Handler()))

	return e
}
