package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/MegaGrindStone/relaychat/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	previewLength = 30
	emptyPreview  = "No messages yet"

	healthMessage = "AI service is running - UTF-8 check: 你好，世界! Hello World! 🚀"
)

type sessionSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"createdAt"`
	UpdatedAt    int64  `json:"updatedAt"`
	MessageCount int    `json:"messageCount"`
	Preview      string `json:"preview"`
}

type sessionResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

type messageResponse struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	HTML      string `json:"html,omitempty"`
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
}

type createSessionRequest struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
}

type renameSessionRequest struct {
	Name string `json:"name" binding:"required"`
}

// preview returns the latest user message cut to previewLength runes.
func preview(messages []models.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != models.RoleUser {
			continue
		}
		content := messages[i].Content
		if utf8.RuneCountInString(content) <= previewLength {
			return content
		}
		return string([]rune(content)[:previewLength]) + "..."
	}
	return emptyPreview
}

func (m Main) sessionSummaries(ctx context.Context) ([]sessionSummary, error) {
	sessions, err := m.store.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get sessions: %w", err)
	}

	summaries := make([]sessionSummary, len(sessions))
	for i, s := range sessions {
		messages, err := m.store.Messages(ctx, s.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to get messages of session %s: %w", s.ID, err)
		}
		summaries[i] = sessionSummary{
			ID:           s.ID,
			Name:         s.Name,
			CreatedAt:    s.CreatedAt.UnixMilli(),
			UpdatedAt:    s.UpdatedAt.UnixMilli(),
			MessageCount: len(messages),
			Preview:      preview(messages),
		}
	}
	return summaries, nil
}

// HandleHealth reports that the service is up.
func (m Main) HandleHealth(c *gin.Context) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, healthMessage)
}

// HandleSessions lists all sessions, most recently updated first, with their message count and a
// preview of the latest user message.
func (m Main) HandleSessions(c *gin.Context) {
	summaries, err := m.sessionSummaries(c.Request.Context())
	if err != nil {
		m.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, summaries)
}

// HandleCreateSession creates a session. Both fields of the body are optional: a missing id is
// generated and a missing name falls back to the default session name.
func (m Main) HandleCreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = relay.DefaultSessionName
	}

	now := time.Now()
	session, err := m.store.AddSession(c.Request.Context(), models.Session{
		ID:        id,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		m.writeError(c, err)
		return
	}
	m.logger.Info("Created session", slog.String("sessionID", id))
	m.sessionsChanged()

	c.JSON(http.StatusOK, sessionResponse{
		ID:        session.ID,
		Name:      session.Name,
		CreatedAt: session.CreatedAt.UnixMilli(),
		UpdatedAt: session.UpdatedAt.UnixMilli(),
	})
}

// HandleSessionMessages returns the messages of a session, oldest first. An unknown session has no
// messages. With format=html every message also carries its content rendered from markdown.
func (m Main) HandleSessionMessages(c *gin.Context) {
	messages, err := m.store.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		m.writeError(c, err)
		return
	}
	renderHTML := c.Query("format") == "html"

	res := make([]messageResponse, len(messages))
	for i, msg := range messages {
		res[i] = messageResponse{
			ID:        msg.ID,
			Role:      string(msg.Role),
			Content:   msg.Content,
			Timestamp: msg.CreatedAt.UnixMilli(),
			Status:    string(msg.Status),
		}
		if !renderHTML {
			continue
		}
		rendered, err := m.renderer.Render(msg.Content)
		if err != nil {
			m.logger.Error("Failed to render message",
				slog.String("messageID", msg.ID),
				slog.String(observability.ErrLoggerKey, err.Error()))
			continue
		}
		res[i].HTML = rendered
	}
	c.JSON(http.StatusOK, res)
}

// HandleRenameSession changes the name of a session.
func (m Main) HandleRenameSession(c *gin.Context) {
	var req renameSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}

	ctx := c.Request.Context()
	session, err := m.store.Session(ctx, c.Param("id"))
	if err != nil {
		m.writeError(c, err)
		return
	}
	session.Name = strings.TrimSpace(req.Name)
	session.Touch(time.Now())
	if err := m.store.UpdateSession(ctx, session); err != nil {
		m.writeError(c, err)
		return
	}
	m.logger.Info("Renamed session",
		slog.String("sessionID", session.ID),
		slog.String("name", session.Name))
	m.sessionsChanged()

	c.String(http.StatusOK, "Session renamed")
}

// HandleDeleteSession deletes a session together with its messages.
func (m Main) HandleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := m.store.DeleteSession(c.Request.Context(), id); err != nil {
		m.writeError(c, err)
		return
	}
	m.logger.Info("Deleted session", slog.String("sessionID", id))
	m.sessionsChanged()

	c.String(http.StatusOK, "Session deleted")
}

// HandleClearHistory removes every message of a session and keeps the session.
func (m Main) HandleClearHistory(c *gin.Context) {
	id := c.Param("id")
	if err := m.store.ClearMessages(c.Request.Context(), id); err != nil {
		m.writeError(c, err)
		return
	}
	m.logger.Info("Cleared session history", slog.String("sessionID", id))
	m.sessionsChanged()

	c.String(http.StatusOK, "Session history cleared")
}
