package imports

import "github.com/labstack/echo/v4"

// RegisterRoutesWithGroup registers the import history routes.
func RegisterRoutesWithGroup(g *echo.Group, orchestrator *Orchestrator) {
	h := &handler{orchestrator: orchestrator}

	g.GET("", h.list)
}
