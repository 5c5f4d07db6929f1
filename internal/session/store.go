package session

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrMetadataNotFound = errors.New("metadata key not found")
)

// Store persists sessions and small cross-session key-value metadata.
type Store interface {
	GetAll(ctx context.Context) ([]Session, error)
	Get(ctx context.Context, id string) (Session, error)
	PutSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	GetMetadata(ctx context.Context, key string) ([]byte, error)
	SetMetadata(ctx context.Context, key string, value []byte) error
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
