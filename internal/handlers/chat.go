package handlers

import (
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/MegaGrindStone/relaychat/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/tmaxmax/go-sse"
)

type chatRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

// SetSSEHeaders prepares a response for a server-sent event stream. It must be called before anything
// is written.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// HandleChat accepts a JSON chat request and streams the model's reply back as server-sent events.
//
// Requests are rejected with a JSON error body, before any event is written, when the body is malformed
// or the message is empty (400), or when the user message could not be recorded (500). Once the stream
// is open, every frame carries a JSON payload: content frames, then exactly one terminal frame that is
// either {"done":true} or {"error":"...","done":true}.
func (m Main) HandleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		m.logger.Error("Invalid chat request", slog.String(observability.ErrLoggerKey, err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	stream, err := m.relay.Stream(ctx, relay.Request{SessionID: req.SessionID, Message: req.Message})
	if err != nil {
		m.writeError(c, err)
		return
	}
	// The session may have just been created, and its preview changed either way.
	m.sessionsChanged()

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.Flush()

	clientGone := false
	for ev := range stream.Events {
		if clientGone {
			continue
		}
		if err := writeEvent(c.Writer, ev); err != nil {
			m.logger.Warn("Failed to write event, draining stream",
				slog.String("sessionID", stream.SessionID),
				slog.String(observability.ErrLoggerKey, err.Error()))
			clientGone = true
		}
	}

	m.sessionsChanged()
}

func writeEvent(w gin.ResponseWriter, ev relay.Event) error {
	msg := &sse.Message{}
	if ev.Type != relay.EventMessage {
		msg.Type = sse.Type(string(ev.Type))
	}
	msg.AppendData(ev.Data())
	if _, err := msg.WriteTo(w); err != nil {
		return err
	}
	w.Flush()
	return nil
}
