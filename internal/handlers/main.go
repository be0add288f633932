package handlers

import (
	"context"
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/MegaGrindStone/relaychat/internal/relay"
	"github.com/gin-gonic/gin"
	"github.com/tmaxmax/go-sse"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Relay starts a streamed reply to a chat message. It is implemented by *relay.Relay.
type Relay interface {
	Stream(ctx context.Context, req relay.Request) (relay.Stream, error)
}

// Store defines the session management operations the HTTP surface exposes on top of the history
// store. Implementations must be safe for concurrent use.
type Store interface {
	Session(ctx context.Context, id string) (models.Session, error)
	Sessions(ctx context.Context) ([]models.Session, error)
	AddSession(ctx context.Context, session models.Session) (models.Session, error)
	UpdateSession(ctx context.Context, session models.Session) error
	DeleteSession(ctx context.Context, id string) error

	Messages(ctx context.Context, sessionID string) ([]models.Message, error)
	ClearMessages(ctx context.Context, sessionID string) error
}

// Main serves the chat API: the streaming chat endpoint, session management, and a server-sent feed
// that pushes the session list to connected clients whenever it changes.
type Main struct {
	sseSrv   *sse.Server
	feed     *sessionFeed
	renderer markdownRenderer

	relay   Relay
	store   Store
	metrics *observability.Metrics

	logger *slog.Logger
}

// sessionFeed coalesces session list changes. A single goroutine publishes the latest list, so
// handlers never wait for the store scan.
type sessionFeed struct {
	changed  chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

var sessionsSSEType = sse.Type("sessions")

// NewMain creates a new Main. metrics may be nil, in which case /metrics serves an empty registry.
func NewMain(r Relay, store Store, metrics *observability.Metrics, logger *slog.Logger) Main {
	if logger == nil {
		logger = slog.Default()
	}
	feed := &sessionFeed{
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	m := Main{
		sseSrv:   &sse.Server{},
		feed:     feed,
		renderer: newMarkdownRenderer(),
		relay:    r,
		store:    store,
		metrics:  metrics,
		logger:   logger.With(slog.String("module", "handlers")),
	}
	go m.runFeed()

	return m
}

// Router builds the gin engine with every route mounted. static, when not nil, is served at the root
// as the web client.
func (m Main) Router(serviceName string, static fs.FS) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), otelgin.Middleware(serviceName), m.requestLogger())

	ai := router.Group("/ai", cors())
	ai.POST("/chat", m.HandleChat)
	ai.GET("/health", m.HandleHealth)
	ai.GET("/sessions", m.HandleSessions)
	ai.POST("/sessions", m.HandleCreateSession)
	ai.GET("/sessions/:id/messages", m.HandleSessionMessages)
	ai.PUT("/sessions/:id/rename", m.HandleRenameSession)
	ai.DELETE("/sessions/:id", m.HandleDeleteSession)
	ai.DELETE("/history/:id", m.HandleClearHistory)
	// Preflight requests are answered by the cors middleware.
	ai.OPTIONS("/*path", func(*gin.Context) {})

	router.GET("/sse/sessions", gin.WrapH(m.sseSrv))
	router.GET("/metrics", gin.WrapH(m.metrics.Handler()))

	if static != nil {
		files := http.FS(static)
		// Serving the root directory renders index.html without the file server's redirect.
		router.GET("/", func(c *gin.Context) { c.FileFromFS("/", files) })
		router.StaticFS("/static", files)
	}

	return router
}

func (m Main) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		m.logger.Debug("Request served",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", time.Since(start)))
	}
}

// sessionsChanged schedules a session list broadcast. It never blocks, changes that arrive while a
// broadcast is pending are folded into it.
func (m Main) sessionsChanged() {
	select {
	case m.feed.changed <- struct{}{}:
	default:
	}
}

func (m Main) runFeed() {
	for {
		select {
		case <-m.feed.done:
			return
		case <-m.feed.changed:
			m.publishSessions(context.Background())
		}
	}
}

// publishSessions pushes the current session list to the feed. Failures only get logged, the feed is
// best effort.
func (m Main) publishSessions(ctx context.Context) {
	summaries, err := m.sessionSummaries(ctx)
	if err != nil {
		m.logger.Error("Failed to list sessions for feed", slog.String(observability.ErrLoggerKey, err.Error()))
		return
	}
	data, err := json.Marshal(summaries)
	if err != nil {
		m.logger.Error("Failed to marshal sessions for feed", slog.String(observability.ErrLoggerKey, err.Error()))
		return
	}

	msg := &sse.Message{Type: sessionsSSEType}
	msg.AppendData(string(data))
	if err := m.sseSrv.Publish(msg); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(observability.ErrLoggerKey, err.Error()))
	}
}

// Shutdown gracefully terminates the session feed. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate. After the timeout, any remaining
// connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	m.feed.stopOnce.Do(func() { close(m.feed.done) })

	e := &sse.Message{Type: sse.Type("close")}
	// SSE requires every event to carry data.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
