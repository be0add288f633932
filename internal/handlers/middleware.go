package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/MegaGrindStone/relaychat/internal/relay"
	"github.com/gin-gonic/gin"
)

// cors allows the API to be called from any origin.
func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Last-Event-ID")
		h.Set("Access-Control-Max-Age", "3600")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// writeError maps err to a status code and writes a JSON error body. Internal failures are logged with
// their cause and answered with a generic message.
func (m Main) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal server error"
	switch {
	case errors.Is(err, relay.ErrEmptyMessage):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, models.ErrNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, models.ErrExists):
		status, msg = http.StatusConflict, "session already exists"
	}

	if status == http.StatusInternalServerError {
		m.logger.Error("Request failed",
			slog.String("path", c.FullPath()),
			slog.String(observability.ErrLoggerKey, err.Error()))
	}
	c.JSON(status, gin.H{"error": msg})
}
