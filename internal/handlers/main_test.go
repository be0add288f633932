package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/MegaGrindStone/relaychat/internal/handlers"
	"github.com/MegaGrindStone/relaychat/internal/models"
	"github.com/MegaGrindStone/relaychat/internal/observability"
	"github.com/MegaGrindStone/relaychat/internal/relay"
	"github.com/MegaGrindStone/relaychat/internal/services"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

type mockLLM struct {
	responses []string
	err       error
}

func (m mockLLM) Chat(_ context.Context, _ []models.PromptEntry) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, resp := range m.responses {
			if !yield(resp, nil) {
				return
			}
		}
		if m.err != nil {
			yield("", m.err)
		}
	}
}

type testServer struct {
	main   handlers.Main
	router *gin.Engine
	store  *services.Memory
}

func newTestServer(t *testing.T, llm mockLLM) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := services.NewMemory(0)
	metrics := observability.NewMetrics()
	r := relay.New(store, llm, relay.Options{Metrics: metrics})
	m := handlers.NewMain(r, store, metrics, nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	return testServer{main: m, router: m.Router("test", nil), store: store}
}

func (s testServer) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func events(t *testing.T, body string) []sse.Event {
	t.Helper()
	var evs []sse.Event
	for ev, err := range sse.Read(strings.NewReader(body), nil) {
		require.NoError(t, err)
		evs = append(evs, ev)
	}
	return evs
}

func eventData(evs []sse.Event) []string {
	data := make([]string, len(evs))
	for i, ev := range evs {
		data[i] = ev.Data
	}
	return data
}

func TestHandleChat(t *testing.T) {
	tests := []struct {
		name       string
		llm        mockLLM
		body       string
		wantStatus int
		wantData   []string
	}{
		{
			name:       "Streams increments then done",
			llm:        mockLLM{responses: []string{"Hel", "lo"}},
			body:       `{"sessionId":"s1","message":"Hi"}`,
			wantStatus: http.StatusOK,
			wantData: []string{
				`{"content":"Hel","done":false}`,
				`{"content":"lo","done":false}`,
				`{"done":true}`,
			},
		},
		{
			name:       "Escapes content",
			llm:        mockLLM{responses: []string{"line \"one\"\n\tnext\\"}},
			body:       `{"sessionId":"s1","message":"Hi"}`,
			wantStatus: http.StatusOK,
			wantData: []string{
				`{"content":"line \"one\"\n\tnext\\","done":false}`,
				`{"done":true}`,
			},
		},
		{
			name:       "Remote failure",
			llm:        mockLLM{responses: []string{"Hi"}, err: errors.New("dial tcp: connection refused")},
			body:       `{"sessionId":"s1","message":"Hi"}`,
			wantStatus: http.StatusOK,
			wantData: []string{
				`{"content":"Hi","done":false}`,
				`{"error":"connection to model service failed — check network/firewall","done":true}`,
			},
		},
		{
			name:       "Empty message",
			body:       `{"sessionId":"s1","message":""}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Malformed body",
			body:       `{"message":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, tt.llm)

			w := s.do(http.MethodPost, "/ai/chat", tt.body)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
				return
			}

			assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")
			assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantData, eventData(events(t, w.Body.String())))
		})
	}
}

func TestHandleChatErrorFrameType(t *testing.T) {
	s := newTestServer(t, mockLLM{err: errors.New("401: invalid API key")})

	w := s.do(http.MethodPost, "/ai/chat", `{"message":"Hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	evs := events(t, w.Body.String())
	require.Len(t, evs, 1)
	assert.Equal(t, "error", evs[0].Type)
	assert.JSONEq(t, `{"error":"API key misconfigured","done":true}`, evs[0].Data)
}

func TestHandleChatPersistsTurns(t *testing.T) {
	s := newTestServer(t, mockLLM{responses: []string{"Hel", "lo"}})

	for range 2 {
		w := s.do(http.MethodPost, "/ai/chat", `{"message":"Hi"}`)
		require.Equal(t, http.StatusOK, w.Code)
	}

	msgs, err := s.store.Messages(context.Background(), relay.DefaultSessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, "Hello", msgs[3].Content)
}

func TestHandleSessions(t *testing.T) {
	s := newTestServer(t, mockLLM{responses: []string{"ok"}})

	w := s.do(http.MethodGet, "/ai/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = s.do(http.MethodPost, "/ai/chat", `{"sessionId":"long","message":"this message is definitely longer than thirty characters"}`)
	require.Equal(t, http.StatusOK, w.Code)
	w = s.do(http.MethodPost, "/ai/sessions", `{"sessionId":"empty","name":"Nothing here"}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/ai/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got []struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		CreatedAt    int64  `json:"createdAt"`
		UpdatedAt    int64  `json:"updatedAt"`
		MessageCount int    `json:"messageCount"`
		Preview      string `json:"preview"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)

	byID := map[string]int{got[0].ID: 0, got[1].ID: 1}
	long := got[byID["long"]]
	assert.Equal(t, "New Chat", long.Name)
	assert.Equal(t, 2, long.MessageCount)
	assert.Equal(t, "this message is definitely lon...", long.Preview)
	assert.Positive(t, long.CreatedAt)
	assert.GreaterOrEqual(t, long.UpdatedAt, long.CreatedAt)

	empty := got[byID["empty"]]
	assert.Equal(t, "Nothing here", empty.Name)
	assert.Equal(t, 0, empty.MessageCount)
	assert.Equal(t, "No messages yet", empty.Preview)

	assert.GreaterOrEqual(t, got[0].UpdatedAt, got[1].UpdatedAt)
}

func TestHandleCreateSession(t *testing.T) {
	s := newTestServer(t, mockLLM{})

	w := s.do(http.MethodPost, "/ai/sessions", "")
	require.Equal(t, http.StatusOK, w.Code)
	var created struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, relay.DefaultSessionName, created.Name)

	w = s.do(http.MethodPost, "/ai/sessions", fmt.Sprintf(`{"sessionId":%q}`, created.ID))
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleSessionMessages(t *testing.T) {
	s := newTestServer(t, mockLLM{responses: []string{"**bold** answer"}})

	w := s.do(http.MethodPost, "/ai/chat", `{"sessionId":"s1","message":"Hi"}`)
	require.Equal(t, http.StatusOK, w.Code)

	type message struct {
		ID        string `json:"id"`
		Role      string `json:"role"`
		Content   string `json:"content"`
		HTML      string `json:"html"`
		Timestamp int64  `json:"timestamp"`
		Status    string `json:"status"`
	}

	w = s.do(http.MethodGet, "/ai/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var msgs []message
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "**bold** answer", msgs[1].Content)
	assert.Equal(t, "success", msgs[1].Status)
	assert.Empty(t, msgs[1].HTML)
	assert.LessOrEqual(t, msgs[0].Timestamp, msgs[1].Timestamp)

	w = s.do(http.MethodGet, "/ai/sessions/s1/messages?format=html", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msgs))
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[1].HTML, "<strong>bold</strong>")

	w = s.do(http.MethodGet, "/ai/sessions/unknown/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}

func TestHandleRenameSession(t *testing.T) {
	s := newTestServer(t, mockLLM{})

	w := s.do(http.MethodPost, "/ai/sessions", `{"sessionId":"s1"}`)
	require.Equal(t, http.StatusOK, w.Code)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
	}{
		{name: "Renames", path: "/ai/sessions/s1/rename", body: `{"name":"Trip plans"}`, wantStatus: http.StatusOK},
		{name: "Missing name", path: "/ai/sessions/s1/rename", body: `{"name":"  "}`, wantStatus: http.StatusBadRequest},
		{name: "Unknown session", path: "/ai/sessions/nope/rename", body: `{"name":"x"}`, wantStatus: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPut, tt.path, tt.body)
			assert.Equal(t, tt.wantStatus, w.Code, w.Body.String())
		})
	}

	session, err := s.store.Session(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Trip plans", session.Name)
}

func TestHandleDeleteAndClear(t *testing.T) {
	s := newTestServer(t, mockLLM{responses: []string{"ok"}})

	for _, id := range []string{"keep", "drop"} {
		w := s.do(http.MethodPost, "/ai/chat", fmt.Sprintf(`{"sessionId":%q,"message":"Hi"}`, id))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := s.do(http.MethodDelete, "/ai/history/keep", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs, err := s.store.Messages(context.Background(), "keep")
	require.NoError(t, err)
	assert.Empty(t, msgs)
	_, err = s.store.Session(context.Background(), "keep")
	require.NoError(t, err)

	w = s.do(http.MethodDelete, "/ai/sessions/drop", "")
	require.Equal(t, http.StatusOK, w.Code)
	_, err = s.store.Session(context.Background(), "drop")
	require.ErrorIs(t, err, models.ErrNotFound)

	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/ai/sessions/drop", "").Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodDelete, "/ai/history/drop", "").Code)
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, mockLLM{})

	w := s.do(http.MethodGet, "/ai/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "Hello World!")
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, mockLLM{})

	req := httptest.NewRequest(http.MethodOptions, "/ai/chat", nil)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), http.MethodPost)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, mockLLM{responses: []string{"ok"}})

	require.Equal(t, http.StatusOK, s.do(http.MethodPost, "/ai/chat", `{"message":"Hi"}`).Code)

	w := s.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `relaychat_relay_streams_total{status="completed"} 1`)
}

func TestSessionFeed(t *testing.T) {
	s := newTestServer(t, mockLLM{})
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/sessions", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The subscription is registered asynchronously, keep changing the session list until the feed
	// delivers.
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.do(http.MethodPost, "/ai/sessions", fmt.Sprintf(`{"sessionId":"feed-%d"}`, i))
			}
		}
	}()

	for ev, err := range sse.Read(resp.Body, nil) {
		require.NoError(t, err)
		if ev.Type != "sessions" {
			continue
		}
		var summaries []map[string]any
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &summaries))
		assert.NotEmpty(t, summaries)
		return
	}
	t.Fatal("session feed closed without an event")
}

func TestStaticClient(t *testing.T) {
	s := newTestServer(t, mockLLM{})
	s.router = s.main.Router("test", fstest.MapFS{
		"index.html": {Data: []byte("<title>Relay Chat</title>")},
		"chat.js":    {Data: []byte("'use strict';")},
	})

	w := s.do(http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<title>Relay Chat</title>")

	w = s.do(http.MethodGet, "/static/chat.js", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "'use strict';", w.Body.String())
}

// slowListStore blocks session listing until released.
type slowListStore struct {
	*services.Memory
	release chan struct{}
}

func (s slowListStore) Sessions(ctx context.Context) ([]models.Session, error) {
	<-s.release
	return s.Memory.Sessions(ctx)
}

func TestHandleChatDoesNotWaitForSessionFeed(t *testing.T) {
	gin.SetMode(gin.TestMode)

	store := slowListStore{Memory: services.NewMemory(0), release: make(chan struct{})}
	r := relay.New(store, mockLLM{responses: []string{"Hi"}}, relay.Options{})
	m := handlers.NewMain(r, store, nil, nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	defer close(store.release)
	router := m.Router("test", nil)

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/ai/chat", strings.NewReader(`{"sessionId":"s1","message":"Hello"}`))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		done <- w
	}()

	select {
	case w := <-done:
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `{"content":"Hi","done":false}`)
		assert.Contains(t, w.Body.String(), `{"done":true}`)
	case <-time.After(5 * time.Second):
		t.Fatal("chat response waited for the session list")
	}
}
