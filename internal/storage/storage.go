package storage

import (
	"context"
	"errors"
	"time"

	"binance-userstream-supervisor/internal/domain"
)

// ErrNotFound is returned when the requested document does not exist.
var ErrNotFound = errors.New("storage: not found")

// Storage is the document-store boundary the supervision core depends on.
//
// UpsertOperation has merge semantics: only the fields carried by the
// record change, a record for a new (user, order) pair is inserted, and
// retries are idempotent.
type Storage interface {
	PutCredential(ctx context.Context, cred domain.Credential) error
	GetCredential(ctx context.Context, userID string) (domain.Credential, error)
	DeleteCredential(ctx context.Context, userID string) error

	SetConnected(ctx context.Context, userID string, connected bool) error
	SetTokenIssuedAt(ctx context.Context, userID string, issuedAt time.Time) error
	GetConnectionFlag(ctx context.Context, userID string) (domain.ConnectionFlag, error)
	ListConnected(ctx context.Context) ([]string, error)

	UpsertOperation(ctx context.Context, userID string, rec domain.OperationRecord) error

	// Ping reports backend reachability for the readiness probe.
	Ping(ctx context.Context) error
	Close() error
}
