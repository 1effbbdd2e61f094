package storage

import (
	"context"

	"github.com/techtrend/support-agent/internal/models"
)

// Storage is the durable persistence contract for the pipeline. Any
// backend failure is reported wrapping models.ErrStorageUnavailable so
// the state machine can apply its degradation policy.
type Storage interface {
	// LoadRecord returns the long-term record for a user, or (nil, nil)
	// when the user has no record yet.
	LoadRecord(ctx context.Context, userID string) (*models.LongTermRecord, error)
	SaveRecord(ctx context.Context, record *models.LongTermRecord) error
	// AppendInteraction appends one resolved interaction and advances
	// last_updated atomically; a partial write is a contract violation.
	AppendInteraction(ctx context.Context, userID string, entry models.HistoryEntry) error
	// RecentInteractions returns up to limit entries, most recent first.
	RecentInteractions(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error)
	// SearchHistory returns entries whose query or resolution contains
	// the keyword, oldest first.
	SearchHistory(ctx context.Context, userID, keyword string) ([]models.HistoryEntry, error)
	Close() error

	SessionStorage
	EscalationStorage
}

// SessionStorage persists session state so a session suspended in
// AWAITING_HITL survives process restarts.
type SessionStorage interface {
	// LoadSession returns (nil, nil) when no session exists for the key.
	LoadSession(ctx context.Context, userID, threadID string) (*models.SessionState, error)
	SaveSession(ctx context.Context, session *models.SessionState) error
	DeleteSession(ctx context.Context, userID, threadID string) error
}

// EscalationStorage persists pending review items for the queue.
type EscalationStorage interface {
	SaveEscalation(ctx context.Context, item *models.EscalationItem) error
	// DeleteEscalation removes and returns the item for the key, or
	// (nil, nil) when none is pending.
	DeleteEscalation(ctx context.Context, userID, threadID string) (*models.EscalationItem, error)
	// ListEscalations returns pending items ordered by creation time.
	ListEscalations(ctx context.Context) ([]*models.EscalationItem, error)
}
