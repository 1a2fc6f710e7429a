package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/recallhq/recalld/internal/embeddings"
	"github.com/recallhq/recalld/internal/logging"
	"github.com/recallhq/recalld/internal/orchestrator"
	"github.com/recallhq/recalld/internal/threads"
)

var (
	// ErrBadRequest reports a malformed or incomplete request body.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized reports a missing or invalid bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// errorResponse is the single error body shape for every endpoint.
type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps the error taxonomy onto HTTP statuses. Anything outside
// the taxonomy becomes a generic 500: details are logged, never leaked.
func writeError(c echo.Context, logger *logging.Logger, err error) error {
	ctx := c.Request().Context()

	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, orchestrator.ErrInvalidRequest):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, errorResponse{Error: "unauthorized"})
	case errors.Is(err, threads.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: "thread not found"})
	case errors.Is(err, embeddings.ErrEmbeddingUnavailable):
		logger.Warn(ctx, "embedding provider unavailable", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "embedding provider unavailable"})
	default:
		logger.Error(ctx, "request failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal server error"})
	}
}
