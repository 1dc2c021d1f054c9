package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/funnel-relay/internal/domain"
	"github.com/ashureev/funnel-relay/internal/shared"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const (
	conflictRetries   = 3
	conflictBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers off the writer's back; busy_timeout absorbs short write contention.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		phone TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		current_stage TEXT NOT NULL,
		current_step_key TEXT,
		last_interaction_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS conversations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		contact_id TEXT NOT NULL REFERENCES contacts(id),
		sender TEXT NOT NULL,
		message TEXT NOT NULL,
		wa_message_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_wa_message_id
		ON conversations(wa_message_id) WHERE wa_message_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_conversations_contact ON conversations(contact_id, seq);

	CREATE TABLE IF NOT EXISTS funnel_steps (
		step_key TEXT PRIMARY KEY,
		text_response TEXT NOT NULL DEFAULT '',
		media_path TEXT NOT NULL DEFAULT '',
		media_kind TEXT NOT NULL DEFAULT '',
		next_step TEXT,
		burst INTEGER NOT NULL DEFAULT 0,
		position INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audio_assets (
		audio_key TEXT PRIMARY KEY,
		media_id TEXT NOT NULL,
		mime_type TEXT NOT NULL,
		file_size_bytes INTEGER NOT NULL,
		source_path TEXT NOT NULL DEFAULT '',
		uploaded_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// storageErr marks a driver failure as fatal for the current event.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// FindContactByPhone retrieves a contact by channel address.
func (s *SQLiteStore) FindContactByPhone(ctx context.Context, phone string) (*domain.Contact, error) {
	query := `
		SELECT id, phone, name, current_stage, current_step_key,
		       last_interaction_at, created_at, updated_at
		FROM contacts WHERE phone = ?`

	row := s.db.QueryRowContext(ctx, query, phone)

	var c domain.Contact
	var stage string
	var stepKey sql.NullString
	var lastInteraction, createdAt, updatedAt int64

	err := row.Scan(&c.ID, &c.Phone, &c.Name, &stage, &stepKey, &lastInteraction, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan contact row", err)
	}

	c.Stage = domain.Stage(stage)
	c.CurrentStepKey = stringPtr(stepKey)
	c.LastInteractionAt = time.UnixMilli(lastInteraction)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)

	return &c, nil
}

// CreateContact inserts a contact or returns the row another writer created first.
func (s *SQLiteStore) CreateContact(ctx context.Context, contact *domain.Contact) (*domain.Contact, error) {
	if contact.Phone == "" {
		return nil, fmt.Errorf("create contact: %w: phone is required", domain.ErrValidation)
	}

	now := s.now()
	if contact.ID == "" {
		contact.ID = uuid.NewString()
	}
	if contact.Stage == "" {
		contact.Stage = domain.StageLead
	}
	if contact.Name == "" {
		contact.Name = contact.Phone
	}
	if contact.LastInteractionAt.IsZero() {
		contact.LastInteractionAt = now
	}

	query := `
	INSERT INTO contacts (id, phone, name, current_stage, current_step_key, last_interaction_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(phone) DO NOTHING`

	err := shared.RetryOnConflict(ctx, "insert contact", conflictRetries, conflictBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			contact.ID, contact.Phone, contact.Name, string(contact.Stage),
			nullString(contact.CurrentStepKey), contact.LastInteractionAt.UnixMilli(),
			now.UnixMilli(), now.UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		return nil, storageErr("create contact", err)
	}

	created, err := s.FindContactByPhone(ctx, contact.Phone)
	if err != nil {
		return nil, err
	}
	if created == nil {
		return nil, storageErr("create contact", fmt.Errorf("contact %s missing after insert", contact.Phone))
	}
	return created, nil
}

// UpdateContact applies a partial update to a contact.
func (s *SQLiteStore) UpdateContact(ctx context.Context, contactID string, update domain.ContactUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Stage != nil {
		sets = append(sets, "current_stage = ?")
		args = append(args, string(*update.Stage))
	}
	switch {
	case update.CurrentStepKey != nil:
		sets = append(sets, "current_step_key = ?")
		args = append(args, *update.CurrentStepKey)
	case update.ClearStep:
		sets = append(sets, "current_step_key = NULL")
	}
	if update.LastInteractionAt != nil {
		sets = append(sets, "last_interaction_at = MAX(last_interaction_at, ?)")
		args = append(args, update.LastInteractionAt.UnixMilli())
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now().UnixMilli(), contactID)

	query := `UPDATE contacts SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	var rows int64
	err := shared.RetryOnConflict(ctx, "update contact", conflictRetries, conflictBaseDelay, func() error {
		result, execErr := s.db.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		n, rowsErr := result.RowsAffected()
		if rowsErr != nil {
			return rowsErr
		}
		rows = n
		return nil
	})
	if err != nil {
		return storageErr("update contact", err)
	}
	if rows == 0 {
		slog.Warn("UpdateContact affected 0 rows", "contact_id", contactID)
		return fmt.Errorf("update contact %s: %w", contactID, domain.ErrNotFound)
	}
	return nil
}

// AppendConversationEntry appends an entry to the conversation log.
func (s *SQLiteStore) AppendConversationEntry(ctx context.Context, entry *domain.ConversationEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}

	query := `
	INSERT INTO conversations (id, contact_id, sender, message, wa_message_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	err := shared.RetryOnConflict(ctx, "append conversation entry", conflictRetries, conflictBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			entry.ID, entry.ContactID, string(entry.Sender), entry.Text,
			nullString(entry.ExternalMessageID), entry.CreatedAt.UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		if shared.IsSQLiteUniqueError(err) {
			return fmt.Errorf("append conversation entry: %w", domain.ErrDuplicateEvent)
		}
		return storageErr("append conversation entry", err)
	}
	return nil
}

// DeleteConversationEntry removes one entry. It undoes the inbound marker of
// an event that failed before its state was persisted.
func (s *SQLiteStore) DeleteConversationEntry(ctx context.Context, id string) error {
	err := shared.RetryOnConflict(ctx, "delete conversation entry", conflictRetries, conflictBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
		return execErr
	})
	if err != nil {
		return storageErr("delete conversation entry", err)
	}
	return nil
}

// ExistsByExternalMessageID reports whether an entry exists for the external message id.
func (s *SQLiteStore) ExistsByExternalMessageID(ctx context.Context, externalID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM conversations WHERE wa_message_id = ? LIMIT 1`, externalID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check external message id", err)
	}
	return true, nil
}

// ListConversation returns the last limit entries for a contact in creation order.
func (s *SQLiteStore) ListConversation(ctx context.Context, contactID string, limit int) ([]domain.ConversationEntry, error) {
	query := `
		SELECT id, contact_id, sender, message, wa_message_id, created_at FROM (
			SELECT seq, id, contact_id, sender, message, wa_message_id, created_at
			FROM conversations WHERE contact_id = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, contactID, limit)
	if err != nil {
		return nil, storageErr("query conversation", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var entries []domain.ConversationEntry
	for rows.Next() {
		var e domain.ConversationEntry
		var sender string
		var externalID sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ContactID, &sender, &e.Text, &externalID, &createdAt); err != nil {
			return nil, storageErr("scan conversation row", err)
		}
		e.Sender = domain.Sender(sender)
		e.ExternalMessageID = stringPtr(externalID)
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate conversation", err)
	}
	return entries, nil
}

// GetFunnelStep retrieves a funnel step by key.
func (s *SQLiteStore) GetFunnelStep(ctx context.Context, key string) (*domain.FunnelStep, error) {
	query := `
		SELECT step_key, text_response, media_path, media_kind, next_step, burst, position
		FROM funnel_steps WHERE step_key = ?`

	step, err := scanFunnelStep(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan funnel step", err)
	}
	return step, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFunnelStep(row rowScanner) (*domain.FunnelStep, error) {
	var step domain.FunnelStep
	var kind string
	var next sql.NullString
	var burst int
	if err := row.Scan(&step.Key, &step.TextResponse, &step.MediaPath, &kind, &next, &burst, &step.Position); err != nil {
		return nil, err
	}
	step.MediaKind = domain.MediaKind(kind)
	step.NextStep = stringPtr(next)
	step.Burst = burst != 0
	return &step, nil
}

// ListFunnelSteps returns every funnel step ordered by position.
func (s *SQLiteStore) ListFunnelSteps(ctx context.Context) ([]domain.FunnelStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_key, text_response, media_path, media_kind, next_step, burst, position
		FROM funnel_steps ORDER BY position ASC, created_at ASC, step_key ASC`)
	if err != nil {
		return nil, storageErr("query funnel steps", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close funnel step rows", "error", closeErr)
		}
	}()

	var steps []domain.FunnelStep
	for rows.Next() {
		step, err := scanFunnelStep(rows)
		if err != nil {
			return nil, storageErr("scan funnel step", err)
		}
		steps = append(steps, *step)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate funnel steps", err)
	}
	return steps, nil
}

// UpsertFunnelStep creates or replaces a funnel step.
func (s *SQLiteStore) UpsertFunnelStep(ctx context.Context, step *domain.FunnelStep) error {
	query := `
	INSERT INTO funnel_steps (step_key, text_response, media_path, media_kind, next_step, burst, position, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(step_key) DO UPDATE SET
		text_response = excluded.text_response,
		media_path = excluded.media_path,
		media_kind = excluded.media_kind,
		next_step = excluded.next_step,
		burst = excluded.burst,
		position = excluded.position,
		updated_at = excluded.updated_at`

	burst := 0
	if step.Burst {
		burst = 1
	}
	now := s.now().UnixMilli()

	err := shared.RetryOnConflict(ctx, "upsert funnel step", conflictRetries, conflictBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			step.Key, step.TextResponse, step.MediaPath, string(step.MediaKind),
			nullString(step.NextStep), burst, step.Position, now, now,
		)
		return execErr
	})
	if err != nil {
		return storageErr("upsert funnel step", err)
	}
	return nil
}

// GetAudioAsset retrieves a media asset by logical key.
func (s *SQLiteStore) GetAudioAsset(ctx context.Context, key string) (*domain.AudioAsset, error) {
	query := `
		SELECT audio_key, media_id, mime_type, file_size_bytes, source_path, uploaded_at, updated_at
		FROM audio_assets WHERE audio_key = ?`

	asset, err := scanAudioAsset(s.db.QueryRowContext(ctx, query, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("scan audio asset", err)
	}
	return asset, nil
}

func scanAudioAsset(row rowScanner) (*domain.AudioAsset, error) {
	var a domain.AudioAsset
	var uploadedAt, updatedAt int64
	if err := row.Scan(&a.AudioKey, &a.MediaHandle, &a.MimeType, &a.SizeBytes, &a.SourcePath, &uploadedAt, &updatedAt); err != nil {
		return nil, err
	}
	a.UploadedAt = time.UnixMilli(uploadedAt)
	a.UpdatedAt = time.UnixMilli(updatedAt)
	return &a, nil
}

// UpsertAudioAsset creates or updates the row for asset.AudioKey.
// The original uploaded_at is preserved on update.
func (s *SQLiteStore) UpsertAudioAsset(ctx context.Context, asset *domain.AudioAsset) error {
	query := `
	INSERT INTO audio_assets (audio_key, media_id, mime_type, file_size_bytes, source_path, uploaded_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(audio_key) DO UPDATE SET
		media_id = excluded.media_id,
		mime_type = excluded.mime_type,
		file_size_bytes = excluded.file_size_bytes,
		source_path = CASE WHEN excluded.source_path = '' THEN audio_assets.source_path ELSE excluded.source_path END,
		updated_at = excluded.updated_at`

	now := s.now()
	if asset.UpdatedAt.IsZero() {
		asset.UpdatedAt = now
	}
	if asset.UploadedAt.IsZero() {
		asset.UploadedAt = asset.UpdatedAt
	}

	err := shared.RetryOnConflict(ctx, "upsert audio asset", conflictRetries, conflictBaseDelay, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			asset.AudioKey, asset.MediaHandle, asset.MimeType, asset.SizeBytes, asset.SourcePath,
			asset.UploadedAt.UnixMilli(), asset.UpdatedAt.UnixMilli(),
		)
		return execErr
	})
	if err != nil {
		return storageErr("upsert audio asset", err)
	}
	return nil
}

// ListAudioAssets returns every media asset ordered by key.
func (s *SQLiteStore) ListAudioAssets(ctx context.Context) ([]domain.AudioAsset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT audio_key, media_id, mime_type, file_size_bytes, source_path, uploaded_at, updated_at
		FROM audio_assets ORDER BY audio_key`)
	if err != nil {
		return nil, storageErr("query audio assets", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close audio asset rows", "error", closeErr)
		}
	}()

	var assets []domain.AudioAsset
	for rows.Next() {
		asset, err := scanAudioAsset(rows)
		if err != nil {
			return nil, storageErr("scan audio asset", err)
		}
		assets = append(assets, *asset)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate audio assets", err)
	}
	return assets, nil
}

var _ Repository = (*SQLiteStore)(nil)
