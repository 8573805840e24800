package domain

import "time"

// Role values for chat messages. Ordering within an exchange is significant:
// system first, history oldest to newest, the new user message last.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Account is the platform user as seen by the gateway. The account itself is
// owned by the auth/profile collaborators; the gateway only reads identity
// and decrements credits.
type Account struct {
	ID        string
	Email     string
	TokenHash string
	Credits   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session and StoredMessage are owned by the session-history collaborator.
// The gateway reads the most recent N messages and appends exactly two per
// completed turn.
type Session struct {
	ID        string
	AccountID string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type StoredMessage struct {
	ID        string
	SessionID string
	Role      string
	Content   string
	Model     string
	CreatedAt time.Time
}

// OwnKey is a caller-supplied upstream credential. Requests carrying one
// bypass the shared credit ledger and are served by a transient,
// request-scoped model descriptor.
type OwnKey struct {
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	APIKey   string `json:"api_key"`
}

type ChatRequest struct {
	Message   string    `json:"message"`
	Model     string    `json:"model,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	WebSearch bool      `json:"web_search,omitempty"`
	OwnKey    *OwnKey   `json:"own_key,omitempty"`
	History   []Message `json:"history,omitempty"`
}

type ChatResponse struct {
	Reply            string `json:"reply"`
	Model            string `json:"model"`
	Provider         string `json:"provider"`
	CreditsRemaining *int64 `json:"credits_remaining"`
}

// StreamEvent is one SSE payload. Delta carries an incremental text
// fragment; the terminal event sets Done and, on failure, Error. The
// transport status is committed before the upstream call, so failures after
// that point travel in-band.
type StreamEvent struct {
	Delta string `json:"delta,omitempty"`
	Done  bool   `json:"done,omitempty"`
	Error string `json:"error,omitempty"`
}

type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
}

type ModelsResponse struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

const (
	// MaxMessageLen bounds user message and ad-hoc history entry length.
	MaxMessageLen = 8000
	// MaxAdHocHistory bounds caller-supplied history entries.
	MaxAdHocHistory = 40
	// TitleMaxLen is the session auto-title truncation point.
	TitleMaxLen = 30
)
