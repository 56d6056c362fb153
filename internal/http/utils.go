package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/visionflow/visionflow/internal/pipeline"
)

// respondError maps pipeline errors to HTTP status codes.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrAlreadyRunning),
		errors.Is(err, pipeline.ErrNotRunning),
		errors.Is(err, pipeline.ErrDuplicateName),
		errors.Is(err, pipeline.ErrQueueClosed):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrUnknownSignal),
		errors.Is(err, pipeline.ErrUnknownTopic),
		errors.Is(err, pipeline.ErrUnknownState),
		errors.Is(err, pipeline.ErrUnknownType):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrStartupFailed):
		status = http.StatusInternalServerError
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
