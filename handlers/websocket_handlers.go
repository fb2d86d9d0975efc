package handlers

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/scholarcite/citation-backend/config"
	"github.com/scholarcite/citation-backend/models"
	"github.com/scholarcite/citation-backend/services"
)

// Snapshots below this length are noise, not queries.
const minSuggestTextLen = 10

// WebSocketHandlers owns the live suggestion sessions. The v1 endpoint runs
// the baseline ranking; v2 adds strategy selection, reranking, and
// per-session preferences.
type WebSocketHandlers struct {
	retrieval services.RetrievalService
	analysis  services.TextAnalysisService
	upgrader  websocket.Upgrader
	manager   *ConnectionManager
	wsCfg     config.WebSocketConfig
}

func NewWebSocketHandlers(
	retrieval services.RetrievalService,
	analysis services.TextAnalysisService,
	wsCfg config.WebSocketConfig,
	allowedOrigins []string,
) *WebSocketHandlers {
	return &WebSocketHandlers{
		retrieval: retrieval,
		analysis:  analysis,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		manager: NewConnectionManager(wsCfg.RateLimitPerMinute),
		wsCfg:   wsCfg,
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// session is one live editor connection.
type session struct {
	conn   *websocket.Conn
	userID string

	mu          sync.Mutex
	preferences models.SessionPreferences
	lastText    string
	lastFrame   *models.WSSuggestions
	cancel      context.CancelFunc
}

// write serialises concurrent frame writes; gorilla allows one writer at a
// time.
func (s *session) write(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

// ConnectionManager tracks sessions per user and enforces the per-session
// sliding-window rate limit.
type ConnectionManager struct {
	mu             sync.Mutex
	sessions       map[*session]bool
	byUser         map[string]int
	requests       map[*session][]time.Time
	limitPerMinute int
}

func NewConnectionManager(limitPerMinute int) *ConnectionManager {
	if limitPerMinute <= 0 {
		limitPerMinute = 60
	}
	return &ConnectionManager{
		sessions:       make(map[*session]bool),
		byUser:         make(map[string]int),
		requests:       make(map[*session][]time.Time),
		limitPerMinute: limitPerMinute,
	}
}

func (m *ConnectionManager) add(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s] = true
	m.byUser[s.userID]++
}

func (m *ConnectionManager) remove(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, s)
	delete(m.requests, s)
	if m.byUser[s.userID] <= 1 {
		delete(m.byUser, s.userID)
	} else {
		m.byUser[s.userID]--
	}
}

// Allow records one suggest request and reports whether the session is still
// inside its one-minute window.
func (m *ConnectionManager) Allow(s *session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	window := m.requests[s]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= m.limitPerMinute {
		m.requests[s] = kept
		return false
	}
	m.requests[s] = append(kept, now)
	return true
}

// ConnectionCount reports live sessions, for the health endpoint.
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (h *WebSocketHandlers) Manager() *ConnectionManager {
	return h.manager
}

// HandleCitations serves the baseline endpoint.
func (h *WebSocketHandlers) HandleCitations(c *gin.Context) {
	h.serve(c, false)
}

// HandleCitationsV2 serves the enhanced endpoint with per-session
// preferences.
func (h *WebSocketHandlers) HandleCitationsV2(c *gin.Context) {
	h.serve(c, true)
}

func (h *WebSocketHandlers) serve(c *gin.Context, enhanced bool) {
	userID := c.Query("user_id")

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	// The session is useless without an identity; close with policy
	// violation so clients can distinguish it from transport trouble.
	if userID == "" {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user_id query parameter is required")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	prefs := models.SessionPreferences{}
	if enhanced {
		prefs = models.DefaultSessionPreferences()
		if v := c.Query("use_enhanced"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				prefs.UseEnhanced = b
			}
		}
		if v := c.Query("use_reranking"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				prefs.UseReranking = b
			}
		}
		if v := c.Query("search_strategy"); v != "" {
			prefs.SearchStrategy = models.ParseSearchStrategy(v)
		}
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	sess := &session{
		conn:        conn,
		userID:      userID,
		preferences: prefs,
		cancel:      cancel,
	}
	h.manager.add(sess)
	defer func() {
		cancel()
		h.manager.remove(sess)
		conn.Close()
	}()

	log.Printf("WebSocket session opened for user %s (enhanced=%t)", userID, enhanced)
	h.readLoop(ctx, sess, enhanced)
	log.Printf("WebSocket session closed for user %s", userID)
}

func (h *WebSocketHandlers) readLoop(ctx context.Context, sess *session, enhanced bool) {
	for {
		var inbound models.WSInbound
		if err := sess.conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("WebSocket read error for user %s: %v", sess.userID, err)
			}
			return
		}

		switch inbound.Type {
		case models.WSTypePing:
			sess.write(models.WSPong{Type: models.WSTypePong})

		case models.WSTypeSuggest:
			h.handleSuggest(ctx, sess, inbound, enhanced)

		case models.WSTypeUpdatePreferences:
			if !enhanced {
				h.sendError(sess, "preferences are only supported on the v2 endpoint")
				continue
			}
			h.handleUpdatePreferences(sess, inbound)

		default:
			h.sendError(sess, "unknown message type")
		}
	}
}

func (h *WebSocketHandlers) handleSuggest(ctx context.Context, sess *session, inbound models.WSInbound, enhanced bool) {
	text := inbound.Text
	if len(strings.TrimSpace(text)) < minSuggestTextLen {
		return // too short to mean anything, silently ignore
	}

	if !h.manager.Allow(sess) {
		h.sendError(sess, "rate limit exceeded, slow down")
		return
	}

	sess.mu.Lock()
	prefs := sess.preferences
	unchanged := sess.lastText != "" && !h.analysis.ShouldUpdate(sess.lastText, text)
	replay := sess.lastFrame
	sess.mu.Unlock()

	// An insignificant edit repeats the previous answer instead of re-running
	// retrieval.
	if unchanged && replay != nil {
		sess.write(*replay)
		return
	}

	timeout := time.Duration(h.wsCfg.SuggestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	textCtx := h.analysis.ExtractContext(text, inbound.Context)

	var suggestions []models.Suggestion
	var err error
	strategy := models.SearchStrategyVector
	usedReranking := false

	if enhanced && prefs.UseEnhanced {
		strategy = prefs.SearchStrategy
		if strategy == "" {
			strategy = models.SearchStrategyHybrid
		}
		usedReranking = prefs.UseReranking
		suggestions, err = h.retrieval.GetSuggestionsEnhanced(reqCtx, text, textCtx, sess.userID, models.SuggestOptions{
			UseReranking:   prefs.UseReranking,
			SearchStrategy: strategy,
			MaxResults:     prefs.MaxResults,
		})
	} else {
		suggestions, err = h.retrieval.GetSuggestions(reqCtx, text, textCtx, sess.userID)
	}
	if err != nil {
		log.Printf("Suggestion retrieval failed for user %s: %v", sess.userID, err)
		h.sendError(sess, "suggestion retrieval failed")
		return
	}

	if suggestions == nil {
		suggestions = []models.Suggestion{}
	}
	frame := models.WSSuggestions{
		Type:           models.WSTypeSuggestions,
		SearchStrategy: string(strategy),
		UsedReranking:  usedReranking,
		Results:        suggestions,
	}

	sess.mu.Lock()
	sess.lastText = text
	sess.lastFrame = &frame
	sess.mu.Unlock()

	sess.write(frame)
}

// handleUpdatePreferences merges the supplied fields into the session
// preferences atomically; the next suggest sees the merged set.
func (h *WebSocketHandlers) handleUpdatePreferences(sess *session, inbound models.WSInbound) {
	if len(inbound.Preferences) == 0 {
		h.sendError(sess, "preferences payload is required")
		return
	}

	sess.mu.Lock()
	merged := sess.preferences
	err := json.Unmarshal(inbound.Preferences, &merged)
	if err == nil {
		merged.SearchStrategy = models.ParseSearchStrategy(string(merged.SearchStrategy))
		sess.preferences = merged
	}
	sess.mu.Unlock()

	if err != nil {
		h.sendError(sess, "invalid preferences payload")
		return
	}
	sess.write(models.WSPreferencesUpdated{
		Type:        models.WSTypePreferencesUpdated,
		Preferences: merged,
	})
}

func (h *WebSocketHandlers) sendError(sess *session, message string) {
	sess.write(models.WSError{Type: models.WSTypeError, Message: message})
}
