package models

import "encoding/json"

// SearchStrategy selects the candidate-generation path for retrieval.
type SearchStrategy string

const (
	SearchStrategyVector SearchStrategy = "vector"
	SearchStrategyBM25   SearchStrategy = "bm25"
	SearchStrategyHybrid SearchStrategy = "hybrid"
)

// ParseSearchStrategy maps a query-parameter value to a strategy, defaulting
// to hybrid for unknown values.
func ParseSearchStrategy(s string) SearchStrategy {
	switch SearchStrategy(s) {
	case SearchStrategyVector, SearchStrategyBM25, SearchStrategyHybrid:
		return SearchStrategy(s)
	default:
		return SearchStrategyHybrid
	}
}

// TextContext is the sentence neighbourhood extracted from an editor snapshot.
type TextContext struct {
	CurrentSentence  string `json:"current_sentence"`
	PreviousSentence string `json:"previous_sentence,omitempty"`
	NextSentence     string `json:"next_sentence,omitempty"`
	Paragraph        string `json:"paragraph,omitempty"`
	Section          string `json:"section,omitempty"`
	CursorOffset     int    `json:"cursor_offset"`
}

// EditorContext is the editor-supplied context object accompanying a
// suggestion request. The editor's node tree never crosses this boundary;
// only plain text plus a cursor offset arrive here.
type EditorContext struct {
	CursorPosition int    `json:"cursorPosition"`
	Section        string `json:"section,omitempty"`
	DocumentID     string `json:"documentId,omitempty"`
}

// SuggestionScores exposes per-stage retrieval scores for a suggestion.
type SuggestionScores struct {
	Dense      float64 `json:"dense"`
	BM25       float64 `json:"bm25"`
	Hybrid     float64 `json:"hybrid"`
	Rerank     float64 `json:"rerank"`
	Confidence float64 `json:"confidence"`
}

// Suggestion is one ranked citation candidate. IDs are serialised as strings.
type Suggestion struct {
	PaperID  string   `json:"paperId"`
	Title    string   `json:"title"`
	Authors  []string `json:"authors"`
	Year     *int     `json:"year,omitempty"`
	Abstract string   `json:"abstract,omitempty"`

	Confidence    float64 `json:"confidence"`
	CitationStyle string  `json:"citationStyle"`
	DisplayText   string  `json:"displayText"`

	ChunkText    string    `json:"chunkText,omitempty"`
	ChunkIndex   int       `json:"chunkIndex"`
	ChunkID      string    `json:"chunkId,omitempty"`
	SectionTitle string    `json:"sectionTitle,omitempty"`
	ChunkType    ChunkType `json:"chunkType,omitempty"`

	PageStart      *int           `json:"pageStart,omitempty"`
	PageEnd        *int           `json:"pageEnd,omitempty"`
	PageBoundaries []PageBoundary `json:"pageBoundaries,omitempty"`

	Scores   SuggestionScores       `json:"scores"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// SuggestOptions tunes one retrieval invocation.
type SuggestOptions struct {
	UseReranking   bool           `json:"use_reranking"`
	SearchStrategy SearchStrategy `json:"search_strategy"`
	MaxResults     int            `json:"max_results,omitempty"`
	YearFrom       *int           `json:"year_from,omitempty"`
	YearTo         *int           `json:"year_to,omitempty"`
}

// SessionPreferences carries per-session tuning applied atomically before the
// next suggest.
type SessionPreferences struct {
	UseEnhanced    bool           `json:"use_enhanced"`
	UseReranking   bool           `json:"use_reranking"`
	SearchStrategy SearchStrategy `json:"search_strategy"`
	MaxResults     int            `json:"max_results,omitempty"`
	CitationStyle  string         `json:"citation_style,omitempty"`
}

// DefaultSessionPreferences mirror the v2 endpoint defaults.
func DefaultSessionPreferences() SessionPreferences {
	return SessionPreferences{
		UseEnhanced:    true,
		UseReranking:   true,
		SearchStrategy: SearchStrategyHybrid,
	}
}

// Stream message taxonomy. All frames are JSON objects with a "type" field.

type WSMessageType string

const (
	WSTypeSuggest            WSMessageType = "suggest"
	WSTypePing               WSMessageType = "ping"
	WSTypePong               WSMessageType = "pong"
	WSTypeSuggestions        WSMessageType = "suggestions"
	WSTypeError              WSMessageType = "error"
	WSTypeUpdatePreferences  WSMessageType = "update_preferences"
	WSTypePreferencesUpdated WSMessageType = "preferences_updated"
)

// WSInbound is a frame read from the session's read half.
type WSInbound struct {
	Type        WSMessageType   `json:"type"`
	Text        string          `json:"text,omitempty"`
	Context     *EditorContext  `json:"context,omitempty"`
	Preferences json.RawMessage `json:"preferences,omitempty"`
}

// WSSuggestions is the ranked-results frame emitted for a suggest request.
type WSSuggestions struct {
	Type           WSMessageType `json:"type"`
	SearchStrategy string        `json:"searchStrategy"`
	UsedReranking  bool          `json:"usedReranking"`
	Results        []Suggestion  `json:"results"`
}

// WSError is emitted on retrieval failure or rate limiting; the session
// stays open.
type WSError struct {
	Type    WSMessageType `json:"type"`
	Message string        `json:"message"`
}

// WSPong answers a ping.
type WSPong struct {
	Type WSMessageType `json:"type"`
}

// WSPreferencesUpdated confirms a preference merge.
type WSPreferencesUpdated struct {
	Type        WSMessageType      `json:"type"`
	Preferences SessionPreferences `json:"preferences"`
}
