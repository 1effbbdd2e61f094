package models

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser   Role = "user"
	RoleAgent  Role = "agent"
	RoleSystem Role = "system"
)

// SessionStatus is the state-machine position of a session.
type SessionStatus string

const (
	StatusInit         SessionStatus = "INIT"
	StatusClassifying  SessionStatus = "CLASSIFYING"
	StatusResponding   SessionStatus = "RESPONDING"
	StatusAwaitingHITL SessionStatus = "AWAITING_HITL"
	StatusResolved     SessionStatus = "RESOLVED"
)

// HITLDecision is the tri-state outcome of a human review.
type HITLDecision string

const (
	DecisionUnset    HITLDecision = ""
	DecisionApproved HITLDecision = "approved"
	DecisionRejected HITLDecision = "rejected"
)

// Message is one entry in a session's conversation buffer.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionState is the per-(user,thread) state owned by the conversation
// state machine. Messages is append-only for the session's lifetime;
// trimming for generation context happens on read via Recent.
type SessionState struct {
	UserID       string         `json:"user_id"`
	ThreadID     string         `json:"thread_id"`
	Status       SessionStatus  `json:"status"`
	Messages     []Message      `json:"messages"`
	RequiresHITL bool           `json:"requires_hitl"`
	HITLDecision HITLDecision   `json:"hitl_decision"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Key returns the session's storage key.
func (s *SessionState) Key() string {
	return SessionKey(s.UserID, s.ThreadID)
}

// SessionKey builds the canonical (user,thread) key.
func SessionKey(userID, threadID string) string {
	return userID + ":" + threadID
}

// Terminal reports whether the session can accept no further messages
// without being restarted.
func (s *SessionState) Terminal() bool {
	return s.Status == StatusResolved
}

// Append adds a message to the session buffer. The buffer is never
// trimmed in place; Recent provides the bounded view.
func (s *SessionState) Append(msg Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.Timestamp
}

// Recent returns the last n messages in original order without mutating
// the stored history.
func (s *SessionState) Recent(n int) []Message {
	if n <= 0 || len(s.Messages) == 0 {
		return nil
	}
	if len(s.Messages) <= n {
		out := make([]Message, len(s.Messages))
		copy(out, s.Messages)
		return out
	}
	out := make([]Message, n)
	copy(out, s.Messages[len(s.Messages)-n:])
	return out
}

// MergeMetadata merges keys into the session metadata without silently
// overwriting existing values; an existing key wins.
func (s *SessionState) MergeMetadata(extra map[string]any) {
	if len(extra) == 0 {
		return
	}
	if s.Metadata == nil {
		s.Metadata = make(map[string]any, len(extra))
	}
	for k, v := range extra {
		if _, exists := s.Metadata[k]; !exists {
			s.Metadata[k] = v
		}
	}
}

// NewSession creates a session in INIT for the given identifiers.
func NewSession(userID, threadID string) *SessionState {
	now := time.Now()
	return &SessionState{
		UserID:   userID,
		ThreadID: threadID,
		Status:   StatusInit,
		Metadata: map[string]any{
			"created_at": now.Format(time.RFC3339),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HistoryEntry is one resolved interaction in a user's durable history.
type HistoryEntry struct {
	Query      string         `json:"query"`
	Resolution string         `json:"resolution"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// LongTermRecord is the durable, cross-session record for one user.
// Field names are part of the persisted-format compatibility contract.
type LongTermRecord struct {
	UserID      string         `json:"user_id"`
	UserHistory []HistoryEntry `json:"user_history"`
	Metadata    map[string]any `json:"metadata"`
	LastUpdated time.Time      `json:"last_updated"`
}

// NewLongTermRecord creates an empty record for a user.
func NewLongTermRecord(userID string) *LongTermRecord {
	return &LongTermRecord{
		UserID:   userID,
		Metadata: make(map[string]any),
	}
}

// EscalationItem is a pending human-review request for a session.
type EscalationItem struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	ThreadID  string         `json:"thread_id"`
	Query     string         `json:"query"`
	Intent    string         `json:"intent"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Key returns the session key the item belongs to.
func (e *EscalationItem) Key() string {
	return SessionKey(e.UserID, e.ThreadID)
}
