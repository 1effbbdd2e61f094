package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/techtrend/support-agent/internal/models"
	"go.uber.org/zap"
)

//go:embed migrations.sql
var migrations embed.FS

type DatabaseConfig struct {
	Host        string
	Port        int
	User        string
	Password    string
	DBName      string
	SSLMode     string
	UseInMemory bool
}

// PostgresStorage is the production Storage backed by PostgreSQL.
type PostgresStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStorage(config DatabaseConfig, logger *zap.Logger) (*PostgresStorage, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.User, config.Password, config.DBName, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	storage := &PostgresStorage{db: db, logger: logger}

	// Initialize database schema
	if err := storage.initializeSchema(); err != nil {
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) initializeSchema() error {
	migrationSQL, err := migrations.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("error reading migrations file: %w", err)
	}

	if _, err := s.db.Exec(string(migrationSQL)); err != nil {
		return fmt.Errorf("error executing migrations: %w", err)
	}

	return nil
}

func (s *PostgresStorage) LoadRecord(ctx context.Context, userID string) (*models.LongTermRecord, error) {
	record := models.NewLongTermRecord(userID)

	var metadataRaw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT metadata, last_updated FROM users WHERE user_id = $1`,
		userID,
	).Scan(&metadataRaw, &record.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading record: %v", models.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(metadataRaw, &record.Metadata); err != nil {
		return nil, fmt.Errorf("%w: decoding record metadata: %v", models.ErrStorageUnavailable, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT query, resolution, metadata, created_at
		 FROM interactions
		 WHERE user_id = $1
		 ORDER BY created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: loading history: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		record.UserHistory = append(record.UserHistory, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating history: %v", models.ErrStorageUnavailable, err)
	}

	return record, nil
}

func (s *PostgresStorage) SaveRecord(ctx context.Context, record *models.LongTermRecord) error {
	metadata, err := json.Marshal(record.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding record metadata: %v", models.ErrStorageUnavailable, err)
	}

	// History mutations go through AppendInteraction only; SaveRecord
	// owns the user row.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, metadata, last_updated)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id)
		 DO UPDATE SET metadata = $2, last_updated = NOW()`,
		record.UserID, metadata,
	)
	if err != nil {
		return fmt.Errorf("%w: saving record: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStorage) AppendInteraction(ctx context.Context, userID string, entry models.HistoryEntry) error {
	metadata, err := json.Marshal(entry.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding interaction metadata: %v", models.ErrStorageUnavailable, err)
	}

	// Interaction insert and last_updated advance must land together.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: beginning transaction: %v", models.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO users (user_id, last_updated) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET last_updated = $2`,
		userID, entry.Timestamp,
	); err != nil {
		return fmt.Errorf("%w: updating user: %v", models.ErrStorageUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO interactions (user_id, query, resolution, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		userID, entry.Query, entry.Resolution, metadata, entry.Timestamp,
	); err != nil {
		return fmt.Errorf("%w: inserting interaction: %v", models.ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: committing interaction: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStorage) RecentInteractions(ctx context.Context, userID string, limit int) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query, resolution, metadata, created_at
		 FROM interactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: querying interactions: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating interactions: %v", models.ErrStorageUnavailable, err)
	}
	return entries, nil
}

func (s *PostgresStorage) SearchHistory(ctx context.Context, userID, keyword string) ([]models.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT query, resolution, metadata, created_at
		 FROM interactions
		 WHERE user_id = $1 AND (query ILIKE '%' || $2 || '%' OR resolution ILIKE '%' || $2 || '%')
		 ORDER BY created_at ASC, id ASC`,
		userID, keyword,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: searching history: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		entry, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating search results: %v", models.ErrStorageUnavailable, err)
	}
	return entries, nil
}

func (s *PostgresStorage) LoadSession(ctx context.Context, userID, threadID string) (*models.SessionState, error) {
	session := &models.SessionState{UserID: userID, ThreadID: threadID}

	var messagesRaw, metadataRaw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT status, requires_hitl, hitl_decision, messages, metadata, created_at, updated_at
		 FROM sessions WHERE user_id = $1 AND thread_id = $2`,
		userID, threadID,
	).Scan(&session.Status, &session.RequiresHITL, &session.HITLDecision,
		&messagesRaw, &metadataRaw, &session.CreatedAt, &session.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading session: %v", models.ErrStorageUnavailable, err)
	}

	if err := json.Unmarshal(messagesRaw, &session.Messages); err != nil {
		return nil, fmt.Errorf("%w: decoding session messages: %v", models.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(metadataRaw, &session.Metadata); err != nil {
		return nil, fmt.Errorf("%w: decoding session metadata: %v", models.ErrStorageUnavailable, err)
	}
	return session, nil
}

func (s *PostgresStorage) SaveSession(ctx context.Context, session *models.SessionState) error {
	messages, err := json.Marshal(session.Messages)
	if err != nil {
		return fmt.Errorf("%w: encoding session messages: %v", models.ErrStorageUnavailable, err)
	}
	metadata, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding session metadata: %v", models.ErrStorageUnavailable, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, thread_id, status, requires_hitl, hitl_decision, messages, metadata, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, thread_id)
		 DO UPDATE SET status = $3, requires_hitl = $4, hitl_decision = $5,
		               messages = $6, metadata = $7, updated_at = $9`,
		session.UserID, session.ThreadID, session.Status, session.RequiresHITL,
		session.HITLDecision, messages, metadata, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: saving session: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStorage) DeleteSession(ctx context.Context, userID, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE user_id = $1 AND thread_id = $2`,
		userID, threadID,
	)
	if err != nil {
		return fmt.Errorf("%w: deleting session: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStorage) SaveEscalation(ctx context.Context, item *models.EscalationItem) error {
	metadata, err := json.Marshal(item.Metadata)
	if err != nil {
		return fmt.Errorf("%w: encoding escalation metadata: %v", models.ErrStorageUnavailable, err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO escalations (id, user_id, thread_id, query, intent, reason, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (user_id, thread_id) DO NOTHING`,
		item.ID, item.UserID, item.ThreadID, item.Query, item.Intent, item.Reason, metadata, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: saving escalation: %v", models.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *PostgresStorage) DeleteEscalation(ctx context.Context, userID, threadID string) (*models.EscalationItem, error) {
	item := &models.EscalationItem{UserID: userID, ThreadID: threadID}

	var metadataRaw []byte
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM escalations WHERE user_id = $1 AND thread_id = $2
		 RETURNING id, query, intent, reason, metadata, created_at`,
		userID, threadID,
	).Scan(&item.ID, &item.Query, &item.Intent, &item.Reason, &metadataRaw, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: deleting escalation: %v", models.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(metadataRaw, &item.Metadata); err != nil {
		return nil, fmt.Errorf("%w: decoding escalation metadata: %v", models.ErrStorageUnavailable, err)
	}
	return item, nil
}

func (s *PostgresStorage) ListEscalations(ctx context.Context) ([]*models.EscalationItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, thread_id, query, intent, reason, metadata, created_at
		 FROM escalations
		 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: listing escalations: %v", models.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var items []*models.EscalationItem
	for rows.Next() {
		item := &models.EscalationItem{}
		var metadataRaw []byte
		if err := rows.Scan(&item.ID, &item.UserID, &item.ThreadID, &item.Query,
			&item.Intent, &item.Reason, &metadataRaw, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scanning escalation: %v", models.ErrStorageUnavailable, err)
		}
		if err := json.Unmarshal(metadataRaw, &item.Metadata); err != nil {
			return nil, fmt.Errorf("%w: decoding escalation metadata: %v", models.ErrStorageUnavailable, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating escalations: %v", models.ErrStorageUnavailable, err)
	}
	return items, nil
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryEntry(row rowScanner) (models.HistoryEntry, error) {
	var entry models.HistoryEntry
	var metadataRaw []byte
	if err := row.Scan(&entry.Query, &entry.Resolution, &metadataRaw, &entry.Timestamp); err != nil {
		return entry, fmt.Errorf("%w: scanning interaction: %v", models.ErrStorageUnavailable, err)
	}
	if err := json.Unmarshal(metadataRaw, &entry.Metadata); err != nil {
		return entry, fmt.Errorf("%w: decoding interaction metadata: %v", models.ErrStorageUnavailable, err)
	}
	return entry, nil
}
