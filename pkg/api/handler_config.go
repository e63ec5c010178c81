package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/hadron-ai/hadron/pkg/config"
)

// configModelsHandler handles GET /api/config/models.
func (s *Server) configModelsHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, config.KnownModels())
}

// configProvidersHandler handles GET /api/config/providers.
func (s *Server) configProvidersHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &ProvidersResponse{
		Providers:      s.pipeline.ProviderChain,
		FallbackModels: config.DefaultFallbackModels,
	})
}
