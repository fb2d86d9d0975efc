package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/models"
)

func requestWithOrigin(t *testing.T, origin string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://localhost/ws/citations", nil)
	require.NoError(t, err)
	if origin != "" {
		req.Header.Set("Origin", origin)
	}
	return req
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000", "https://app.example.com"})

	assert.True(t, check(requestWithOrigin(t, "")), "non-browser clients send no Origin")
	assert.True(t, check(requestWithOrigin(t, "http://localhost:3000")))
	assert.True(t, check(requestWithOrigin(t, "HTTP://LOCALHOST:3000")), "origin match is case-insensitive")
	assert.False(t, check(requestWithOrigin(t, "http://evil.example.com")))

	wildcard := originChecker([]string{"*"})
	assert.True(t, wildcard(requestWithOrigin(t, "http://anywhere.example.com")))
}

func TestConnectionManagerCounts(t *testing.T) {
	m := NewConnectionManager(60)

	a := &session{userID: "user-a"}
	b := &session{userID: "user-a"}
	c := &session{userID: "user-b"}

	m.add(a)
	m.add(b)
	m.add(c)
	assert.Equal(t, 3, m.ConnectionCount())

	m.remove(a)
	assert.Equal(t, 2, m.ConnectionCount())

	// Removing one of two sessions keeps the user accounted.
	m.mu.Lock()
	assert.Equal(t, 1, m.byUser["user-a"])
	assert.Equal(t, 1, m.byUser["user-b"])
	m.mu.Unlock()

	m.remove(b)
	m.remove(c)
	assert.Equal(t, 0, m.ConnectionCount())

	m.mu.Lock()
	assert.Empty(t, m.byUser)
	assert.Empty(t, m.requests)
	m.mu.Unlock()
}

func TestConnectionManagerRateLimit(t *testing.T) {
	t.Run("requests beyond the limit are rejected", func(t *testing.T) {
		m := NewConnectionManager(3)
		sess := &session{userID: "user-a"}
		m.add(sess)

		for i := 0; i < 3; i++ {
			assert.True(t, m.Allow(sess), "request %d should pass", i)
		}
		assert.False(t, m.Allow(sess))
	})

	t.Run("limits are per session", func(t *testing.T) {
		m := NewConnectionManager(1)
		a := &session{userID: "user-a"}
		b := &session{userID: "user-b"}
		m.add(a)
		m.add(b)

		assert.True(t, m.Allow(a))
		assert.False(t, m.Allow(a))
		assert.True(t, m.Allow(b), "another session has its own window")
	})

	t.Run("removing the session clears its window", func(t *testing.T) {
		m := NewConnectionManager(1)
		sess := &session{userID: "user-a"}
		m.add(sess)

		require.True(t, m.Allow(sess))
		require.False(t, m.Allow(sess))

		m.remove(sess)
		m.add(sess)
		assert.True(t, m.Allow(sess))
	})

	t.Run("zero limit falls back to the default", func(t *testing.T) {
		m := NewConnectionManager(0)
		assert.Equal(t, 60, m.limitPerMinute)
	})
}

// stubRetrieval records calls and answers with a single canned suggestion.
type stubRetrieval struct {
	mu            sync.Mutex
	baselineCalls int
	enhancedCalls int
	lastOpts      models.SuggestOptions
}

func (s *stubRetrieval) GetSuggestions(_ context.Context, _ string, _ *models.TextContext, _ string) ([]models.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselineCalls++
	return []models.Suggestion{{Title: "Baseline Paper", Confidence: 0.8}}, nil
}

func (s *stubRetrieval) GetSuggestionsEnhanced(_ context.Context, _ string, _ *models.TextContext, _ string, opts models.SuggestOptions) ([]models.Suggestion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enhancedCalls++
	s.lastOpts = opts
	return []models.Suggestion{{Title: "Enhanced Paper", Confidence: 0.9}}, nil
}

func (s *stubRetrieval) RefreshIndex() {}

type stubAnalysis struct{}

func (stubAnalysis) ExtractContext(text string, _ *models.EditorContext) *models.TextContext {
	return &models.TextContext{CurrentSentence: text}
}

func (stubAnalysis) ShouldUpdate(oldText, newText string) bool {
	return oldText != newText
}

func newSocketServer(t *testing.T, retrieval *stubRetrieval, rateLimit int) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	h := NewWebSocketHandlers(retrieval, stubAnalysis{}, config.WebSocketConfig{
		RateLimitPerMinute: rateLimit,
		SuggestTimeout:     5,
	}, []string{"*"})

	r := gin.New()
	r.GET("/ws/citations", h.HandleCitations)
	r.GET("/ws/citations/v2", h.HandleCitationsV2)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dialSocket(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]interface{}
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestSessionRequiresUserID(t *testing.T) {
	srv := newSocketServer(t, &stubRetrieval{}, 60)
	conn := dialSocket(t, srv, "/ws/citations")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()

	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
}

func TestSessionPingPong(t *testing.T) {
	srv := newSocketServer(t, &stubRetrieval{}, 60)
	conn := dialSocket(t, srv, "/ws/citations?user_id=u1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestSessionSuggestBaseline(t *testing.T) {
	retrieval := &stubRetrieval{}
	srv := newSocketServer(t, retrieval, 60)
	conn := dialSocket(t, srv, "/ws/citations?user_id=u1")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":    "suggest",
		"text":    "Recent work on attention mechanisms has shown strong results.",
		"context": map[string]interface{}{"cursorPosition": 20},
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "suggestions", frame["type"])
	assert.Equal(t, "vector", frame["searchStrategy"])
	assert.Equal(t, false, frame["usedReranking"])
	require.Len(t, frame["results"], 1)

	retrieval.mu.Lock()
	assert.Equal(t, 1, retrieval.baselineCalls)
	assert.Equal(t, 0, retrieval.enhancedCalls)
	retrieval.mu.Unlock()
}

func TestSessionShortTextDropped(t *testing.T) {
	retrieval := &stubRetrieval{}
	srv := newSocketServer(t, retrieval, 60)
	conn := dialSocket(t, srv, "/ws/citations?user_id=u1")

	// Nine characters are silently dropped; ten are processed.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "suggest", "text": "123456789"}))
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "suggest", "text": "1234567890"}))

	frame := readFrame(t, conn)
	assert.Equal(t, "suggestions", frame["type"])

	retrieval.mu.Lock()
	assert.Equal(t, 1, retrieval.baselineCalls)
	retrieval.mu.Unlock()
}

func TestSessionV2Defaults(t *testing.T) {
	retrieval := &stubRetrieval{}
	srv := newSocketServer(t, retrieval, 60)
	conn := dialSocket(t, srv, "/ws/citations/v2?user_id=u1")

	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "suggest",
		"text": "Dense retrieval has reshaped open-domain question answering.",
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "hybrid", frame["searchStrategy"])
	assert.Equal(t, true, frame["usedReranking"])

	retrieval.mu.Lock()
	assert.Equal(t, 1, retrieval.enhancedCalls)
	assert.True(t, retrieval.lastOpts.UseReranking)
	assert.Equal(t, models.SearchStrategyHybrid, retrieval.lastOpts.SearchStrategy)
	retrieval.mu.Unlock()
}

func TestSessionV2QueryParams(t *testing.T) {
	t.Run("strategy and reranking toggles", func(t *testing.T) {
		retrieval := &stubRetrieval{}
		srv := newSocketServer(t, retrieval, 60)
		conn := dialSocket(t, srv, "/ws/citations/v2?user_id=u1&use_reranking=false&search_strategy=bm25")

		require.NoError(t, conn.WriteJSON(map[string]string{
			"type": "suggest",
			"text": "Sparse lexical matching still wins on exact terminology.",
		}))

		frame := readFrame(t, conn)
		assert.Equal(t, "bm25", frame["searchStrategy"])
		assert.Equal(t, false, frame["usedReranking"])

		retrieval.mu.Lock()
		assert.False(t, retrieval.lastOpts.UseReranking)
		assert.Equal(t, models.SearchStrategyBM25, retrieval.lastOpts.SearchStrategy)
		retrieval.mu.Unlock()
	})

	t.Run("use_enhanced=false falls back to the baseline path", func(t *testing.T) {
		retrieval := &stubRetrieval{}
		srv := newSocketServer(t, retrieval, 60)
		conn := dialSocket(t, srv, "/ws/citations/v2?user_id=u1&use_enhanced=false")

		require.NoError(t, conn.WriteJSON(map[string]string{
			"type": "suggest",
			"text": "A query long enough to be taken seriously.",
		}))

		frame := readFrame(t, conn)
		assert.Equal(t, "vector", frame["searchStrategy"])
		assert.Equal(t, false, frame["usedReranking"])

		retrieval.mu.Lock()
		assert.Equal(t, 1, retrieval.baselineCalls)
		assert.Equal(t, 0, retrieval.enhancedCalls)
		retrieval.mu.Unlock()
	})
}

func TestSessionRepeatedTextReplaysLastAnswer(t *testing.T) {
	retrieval := &stubRetrieval{}
	srv := newSocketServer(t, retrieval, 60)
	conn := dialSocket(t, srv, "/ws/citations/v2?user_id=u1")

	text := "Recent advances in dense retrieval architectures."
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "suggest", "text": text}))
		frame := readFrame(t, conn)
		assert.Equal(t, "suggestions", frame["type"], "every accepted request gets an answer")
	}

	retrieval.mu.Lock()
	assert.Equal(t, 1, retrieval.enhancedCalls, "unchanged text must not re-run retrieval")
	retrieval.mu.Unlock()
}

func TestSessionRateLimit(t *testing.T) {
	retrieval := &stubRetrieval{}
	srv := newSocketServer(t, retrieval, 2)
	conn := dialSocket(t, srv, "/ws/citations?user_id=u1")

	texts := []string{
		"The first query about transformer models.",
		"The second query about retrieval systems.",
		"The third query about citation graphs.",
	}

	var suggestionFrames, errorFrames int
	for _, text := range texts {
		require.NoError(t, conn.WriteJSON(map[string]string{"type": "suggest", "text": text}))
		frame := readFrame(t, conn)
		switch frame["type"] {
		case "suggestions":
			suggestionFrames++
		case "error":
			errorFrames++
			assert.Contains(t, strings.ToLower(frame["message"].(string)), "rate limit")
		}
	}

	assert.Equal(t, 2, suggestionFrames)
	assert.Equal(t, 1, errorFrames)

	// The session survives the rejection.
	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	assert.Equal(t, "pong", readFrame(t, conn)["type"])
}

func TestSessionUpdatePreferences(t *testing.T) {
	retrieval := &stubRetrieval{}
	srv := newSocketServer(t, retrieval, 60)
	conn := dialSocket(t, srv, "/ws/citations/v2?user_id=u1")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":        "update_preferences",
		"preferences": map[string]interface{}{"search_strategy": "vector", "use_reranking": false},
	}))

	frame := readFrame(t, conn)
	require.Equal(t, "preferences_updated", frame["type"])
	prefs := frame["preferences"].(map[string]interface{})
	assert.Equal(t, "vector", prefs["search_strategy"])
	assert.Equal(t, false, prefs["use_reranking"])

	// The next suggest runs with the merged preferences.
	require.NoError(t, conn.WriteJSON(map[string]string{
		"type": "suggest",
		"text": "A much longer query about embedding models for science.",
	}))
	sugg := readFrame(t, conn)
	assert.Equal(t, "vector", sugg["searchStrategy"])
	assert.Equal(t, false, sugg["usedReranking"])
}

func TestSessionRejectsPreferencesOnV1(t *testing.T) {
	srv := newSocketServer(t, &stubRetrieval{}, 60)
	conn := dialSocket(t, srv, "/ws/citations?user_id=u1")

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":        "update_preferences",
		"preferences": map[string]interface{}{"use_reranking": true},
	}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
}

func TestSessionUnknownMessageType(t *testing.T) {
	srv := newSocketServer(t, &stubRetrieval{}, 60)
	conn := dialSocket(t, srv, "/ws/citations?user_id=u1")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "mystery"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame["type"])
}
