package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

// LLM is a remote completion API. Chat returns an iterator that yields text increments in the order the
// model produced them. The iterator ending normally is the completion signal, yielding a non-nil error
// is the error signal. Breaking out of the iteration must release the underlying remote stream.
type LLM interface {
	Chat(ctx context.Context, prompt []models.PromptEntry) iter.Seq2[string, error]
}

// Store is the history store the relay reads context from and appends turns to. Implementations must be
// safe for concurrent use.
type Store interface {
	Session(ctx context.Context, id string) (models.Session, error)
	AddSession(ctx context.Context, session models.Session) (models.Session, error)

	Messages(ctx context.Context, sessionID string) ([]models.Message, error)
	AddMessage(ctx context.Context, sessionID string, message models.Message) error
}

const (
	// DefaultSessionID is used when a chat request doesn't name a session.
	DefaultSessionID = "default"
	// DefaultSessionName names sessions created implicitly by their first message.
	DefaultSessionName = "New Chat"

	// DefaultIdleTimeout closes a stream that produced no event for this long.
	DefaultIdleTimeout = 5 * time.Minute
	// DefaultMaxConcurrent bounds the number of streams in flight.
	DefaultMaxConcurrent = 64
)

var (
	// ErrEmptyMessage is returned when a chat request carries no text.
	ErrEmptyMessage = errors.New("message is required")
	// ErrIdleTimeout is the cancellation cause of a stream that went idle.
	ErrIdleTimeout = errors.New("stream idle timeout")
)

// Options configures a Relay. Zero values fall back to the package defaults.
type Options struct {
	Window        Window
	IdleTimeout   time.Duration
	MaxConcurrent int64

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Relay forwards completion increments from the remote model to clients and commits the assembled
// response to the store. One Relay serves all sessions, each Stream call owns its own accumulator.
type Relay struct {
	store  Store
	llm    LLM
	window Window

	idleTimeout time.Duration
	slots       *semaphore.Weighted
	maxSlots    int64

	metrics *observability.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Request is an inbound chat message.
type Request struct {
	SessionID string
	Message   string
}

// Stream is an in-flight relay. Events is closed by the relay after the terminal event, or without one
// when the stream was abandoned.
type Stream struct {
	SessionID string
	Events    <-chan Event
}

// New creates a Relay over store and llm.
func New(store Store, llm LLM, opts Options) *Relay {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		store:       store,
		llm:         llm,
		window:      opts.Window,
		idleTimeout: idle,
		slots:       semaphore.NewWeighted(maxConcurrent),
		maxSlots:    maxConcurrent,
		metrics:     opts.Metrics,
		tracer:      otel.Tracer("github.com/MegaGrindStone/relaychat/internal/relay"),
		logger:      logger.With(slog.String("module", "relay")),
	}
}

// NormalizeSessionID maps an empty or blank session id to DefaultSessionID.
func NormalizeSessionID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultSessionID
	}
	return id
}

// NewMessageID returns an id of the form msg_<unix millis>_<random suffix>.
func NewMessageID(t time.Time) string {
	return fmt.Sprintf("msg_%d_%s", t.UnixMilli(), uuid.NewString()[:8])
}

// Stream records the user message and starts relaying the model's reply. Errors returned here happen
// before the model is invoked: an empty message, no free stream slot before ctx is done, or a store
// failure while resolving the session or recording the user message. Once Stream returns successfully
// the user message is durable, and every later failure is reported as a terminal error event.
//
// The stream is bound to ctx. When ctx is canceled, or no event was produced for the idle timeout, the
// remote stream is released and Events is closed without a terminal event.
func (r *Relay) Stream(ctx context.Context, req Request) (Stream, error) {
	if strings.TrimSpace(req.Message) == "" {
		return Stream{}, ErrEmptyMessage
	}
	sessionID := NormalizeSessionID(req.SessionID)

	if err := r.slots.Acquire(ctx, 1); err != nil {
		return Stream{}, fmt.Errorf("failed to acquire stream slot: %w", err)
	}

	if err := r.recordUserMessage(ctx, sessionID, req.Message); err != nil {
		r.slots.Release(1)
		return Stream{}, err
	}

	events := make(chan Event)
	go func() {
		defer r.slots.Release(1)
		defer close(events)
		r.run(ctx, sessionID, events)
	}()

	return Stream{SessionID: sessionID, Events: events}, nil
}

// Drain waits until every in-flight stream has finished, including the commit of its reply, and
// keeps new streams from starting. It is meant for shutdown, the Relay is unusable afterwards. Drain
// returns ctx's error if the streams did not finish in time.
func (r *Relay) Drain(ctx context.Context) error {
	return r.slots.Acquire(ctx, r.maxSlots)
}

func (r *Relay) recordUserMessage(ctx context.Context, sessionID, text string) error {
	if _, err := r.resolveSession(ctx, sessionID); err != nil {
		return err
	}

	now := time.Now()
	msg := models.Message{
		ID:        NewMessageID(now),
		SessionID: sessionID,
		Role:      models.RoleUser,
		Content:   text,
		CreatedAt: now,
		Status:    models.StatusSuccess,
	}
	if err := r.store.AddMessage(ctx, sessionID, msg); err != nil {
		return fmt.Errorf("failed to add user message: %w", err)
	}
	return nil
}

func (r *Relay) resolveSession(ctx context.Context, sessionID string) (models.Session, error) {
	session, err := r.store.Session(ctx, sessionID)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return models.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	now := time.Now()
	session, err = r.store.AddSession(ctx, models.Session{
		ID:        sessionID,
		Name:      DefaultSessionName,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if errors.Is(err, models.ErrExists) {
		// Another request created it in between.
		return r.store.Session(ctx, sessionID)
	}
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to add session: %w", err)
	}
	r.logger.Info("Created session", slog.String("sessionID", sessionID))
	return session, nil
}

// run is the consumer side of a stream: it drains the remote iterator and hands events to the client
// writer over events. It is the only sender on events.
func (r *Relay) run(ctx context.Context, sessionID string, events chan<- Event) {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "relay.Stream", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	r.metrics.StreamStarted()
	status := observability.StatusAbandoned
	defer func() {
		r.metrics.StreamEnded(status, time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	idle := time.AfterFunc(r.idleTimeout, func() { cancel(ErrIdleTimeout) })
	defer idle.Stop()

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			idle.Reset(r.idleTimeout)
			return true
		case <-ctx.Done():
			return false
		}
	}

	fail := func(err error) {
		c := Classify(err)
		status = observability.StatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, string(c.Kind))
		r.metrics.RecordError(string(c.Kind))
		r.logger.Error("Stream failed",
			slog.String("sessionID", sessionID),
			slog.String("kind", string(c.Kind)),
			slog.String(observability.ErrLoggerKey, err.Error()))
		emit(errorEvent(c, err))
	}

	history, err := r.store.Messages(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			r.abandon(ctx, sessionID)
			return
		}
		fail(fmt.Errorf("failed to get messages: %w", err))
		return
	}
	prompt := r.window.Build(history)
	span.SetAttributes(attribute.Int("prompt.entries", len(prompt)))

	var acc strings.Builder
	increments := 0
	for text, err := range r.llm.Chat(ctx, prompt) {
		if err != nil {
			if ctx.Err() != nil {
				r.abandon(ctx, sessionID)
				return
			}
			fail(err)
			return
		}

		acc.WriteString(text)
		if text == "" {
			continue
		}
		if increments == 0 {
			r.metrics.RecordTimeToFirstIncrement(time.Since(start).Seconds())
		}
		increments++
		r.metrics.RecordIncrement()
		if !emit(contentEvent(text)) {
			r.abandon(ctx, sessionID)
			return
		}
	}
	// Providers end their iterator silently when their context is canceled.
	if ctx.Err() != nil {
		r.abandon(ctx, sessionID)
		return
	}

	if acc.Len() > 0 {
		now := time.Now()
		msg := models.Message{
			ID:        NewMessageID(now),
			SessionID: sessionID,
			Role:      models.RoleAssistant,
			Content:   acc.String(),
			CreatedAt: now,
			Status:    models.StatusSuccess,
		}
		// The reply is complete, commit it even if the client leaves now.
		if err := r.store.AddMessage(context.WithoutCancel(ctx), sessionID, msg); err != nil {
			fail(fmt.Errorf("failed to add assistant message: %w", err))
			return
		}
	}

	status = observability.StatusCompleted
	span.SetAttributes(attribute.Int("response.increments", increments), attribute.Int("response.length", acc.Len()))
	r.logger.Info("Stream completed",
		slog.String("sessionID", sessionID),
		slog.Int("increments", increments),
		slog.Int("length", acc.Len()))
	emit(doneEvent())
}

// abandon logs why a stream was dropped. Nothing is sent to the client and the partial response is
// discarded.
func (r *Relay) abandon(ctx context.Context, sessionID string) {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrIdleTimeout) {
		r.logger.Warn("Stream idle, closing connection", slog.String("sessionID", sessionID))
		return
	}
	r.logger.Info("Client went away, abandoning stream",
		slog.String("sessionID", sessionID),
		slog.String(observability.ErrLoggerKey, fmt.Sprint(cause)))
}
