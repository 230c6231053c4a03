package storage

import "context"

// SessionStore resolves session ids to user ids. Sessions are issued by an
// external identity service; this module only validates them.
// Implementations: redis.Client, memory.Client (for -dev without Redis).
type SessionStore interface {
	SetSession(ctx context.Context, sessionID, userID string) error
	GetSession(ctx context.Context, sessionID string) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
	Close() error
}
