// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/funnel-relay/internal/domain"
)

// ContactStore persists contact records.
type ContactStore interface {
	// FindContactByPhone returns the contact for a channel address, or nil if absent.
	FindContactByPhone(ctx context.Context, phone string) (*domain.Contact, error)

	// CreateContact inserts a contact. If another writer created the same phone
	// concurrently, the existing row is returned instead.
	CreateContact(ctx context.Context, contact *domain.Contact) (*domain.Contact, error)

	// UpdateContact applies a partial update. LastInteractionAt never moves backwards.
	UpdateContact(ctx context.Context, contactID string, update domain.ContactUpdate) error
}

// ConversationStore persists the append-only conversation log.
type ConversationStore interface {
	// AppendConversationEntry appends an entry. A repeated external message id
	// fails with domain.ErrDuplicateEvent.
	AppendConversationEntry(ctx context.Context, entry *domain.ConversationEntry) error

	// DeleteConversationEntry removes an entry by id. Deleting a missing entry is not an error.
	DeleteConversationEntry(ctx context.Context, id string) error

	// ExistsByExternalMessageID reports whether an inbound entry was recorded for id.
	ExistsByExternalMessageID(ctx context.Context, externalID string) (bool, error)

	// ListConversation returns the last limit entries for a contact in creation order.
	// A limit <= 0 returns every entry.
	ListConversation(ctx context.Context, contactID string, limit int) ([]domain.ConversationEntry, error)
}

// FunnelStore persists funnel step definitions.
type FunnelStore interface {
	// GetFunnelStep returns a step by key, or nil if absent.
	GetFunnelStep(ctx context.Context, key string) (*domain.FunnelStep, error)

	// ListFunnelSteps returns every step ordered by position.
	ListFunnelSteps(ctx context.Context) ([]domain.FunnelStep, error)

	// UpsertFunnelStep creates or replaces a step.
	UpsertFunnelStep(ctx context.Context, step *domain.FunnelStep) error
}

// AssetStore persists provider media handles.
type AssetStore interface {
	// GetAudioAsset returns the asset for a logical key, or nil if absent.
	GetAudioAsset(ctx context.Context, key string) (*domain.AudioAsset, error)

	// UpsertAudioAsset creates or updates the single row for asset.AudioKey.
	UpsertAudioAsset(ctx context.Context, asset *domain.AudioAsset) error

	// ListAudioAssets returns every asset ordered by key.
	ListAudioAssets(ctx context.Context) ([]domain.AudioAsset, error)
}

// Repository is the full persistence surface.
type Repository interface {
	ContactStore
	ConversationStore
	FunnelStore
	AssetStore

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
