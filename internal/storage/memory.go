package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/techtrend/support-agent/internal/models"
)

// MemoryStorage is an in-process Storage used for development and tests.
type MemoryStorage struct {
	mu          sync.RWMutex
	records     map[string]*models.LongTermRecord
	sessions    map[string]*models.SessionState
	escalations map[string]*models.EscalationItem
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records:     make(map[string]*models.LongTermRecord),
		sessions:    make(map[string]*models.SessionState),
		escalations: make(map[string]*models.EscalationItem),
	}
}

func (s *MemoryStorage) LoadRecord(ctx context.Context, userID string) (*models.LongTermRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[userID]
	if !exists {
		return nil, nil
	}
	return cloneRecord(record), nil
}

func (s *MemoryStorage) SaveRecord(ctx context.Context, record *models.LongTermRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneRecord(record)
	stored.LastUpdated = time.Now()
	s.records[record.UserID] = stored
	return nil
}

func (s *MemoryStorage) AppendInteraction(ctx context.Context, userID string, entry models.HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.records[userID]
	if !exists {
		record = models.NewLongTermRecord(userID)
		s.records[userID] = record
	}
	record.UserHistory = append(record.UserHistory, entry)
	record.LastUpdated = entry.Timestamp
	return nil
}

func (s *MemoryStorage) RecentInteractions(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[userID]
	if !exists || limit <= 0 {
		return nil, nil
	}

	history := record.UserHistory
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	// Most recent first.
	out := make([]models.HistoryEntry, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

func (s *MemoryStorage) SearchHistory(ctx context.Context, userID, keyword string) ([]models.HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, exists := s.records[userID]
	if !exists {
		return nil, nil
	}

	needle := strings.ToLower(keyword)
	var out []models.HistoryEntry
	for _, entry := range record.UserHistory {
		if strings.Contains(strings.ToLower(entry.Query), needle) ||
			strings.Contains(strings.ToLower(entry.Resolution), needle) {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *MemoryStorage) LoadSession(ctx context.Context, userID, threadID string) (*models.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[models.SessionKey(userID, threadID)]
	if !exists {
		return nil, nil
	}
	return cloneSession(session), nil
}

func (s *MemoryStorage) SaveSession(ctx context.Context, session *models.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[session.Key()] = cloneSession(session)
	return nil
}

func (s *MemoryStorage) DeleteSession(ctx context.Context, userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, models.SessionKey(userID, threadID))
	return nil
}

func (s *MemoryStorage) SaveEscalation(ctx context.Context, item *models.EscalationItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *item
	s.escalations[item.Key()] = &clone
	return nil
}

func (s *MemoryStorage) DeleteEscalation(ctx context.Context, userID, threadID string) (*models.EscalationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.SessionKey(userID, threadID)
	item, exists := s.escalations[key]
	if !exists {
		return nil, nil
	}
	delete(s.escalations, key)
	return item, nil
}

func (s *MemoryStorage) ListEscalations(ctx context.Context) ([]*models.EscalationItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.EscalationItem, 0, len(s.escalations))
	for _, item := range s.escalations {
		clone := *item
		out = append(out, &clone)
	}
	// Creation order for reviewer display.
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func cloneRecord(record *models.LongTermRecord) *models.LongTermRecord {
	clone := *record
	clone.UserHistory = append([]models.HistoryEntry(nil), record.UserHistory...)
	clone.Metadata = make(map[string]any, len(record.Metadata))
	for k, v := range record.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

func cloneSession(session *models.SessionState) *models.SessionState {
	clone := *session
	clone.Messages = append([]models.Message(nil), session.Messages...)
	clone.Metadata = make(map[string]any, len(session.Metadata))
	for k, v := range session.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}
