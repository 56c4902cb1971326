package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/model"
)

var ErrUserNotFound = errors.New("datastore: user not found")

type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
}

type DataStoreTx interface {
	DataStore
	Rollback() error
	Commit() error
}

// DataStore defines the persistence interface for ByteSwap users and their
// matching preferences. Implementations include the default SQLite store and
// an in-memory store for tests.
type DataStore interface {
	ConfigReadProvider

	UserReadProvider
	UserWriteProvider

	PreferenceReadProvider
	PreferenceWriteProvider
}

// Compile-time checks.
var _ DataProviderFactory = (*ProviderFactory)(nil)
var _ DataProviderFactory = (*MemoryStore)(nil)

type ConfigReadProvider interface {
	ZeroTime() time.Time
	Close() error
}

type UserReadProvider interface {
	// GetUser returns ErrUserNotFound when id is unknown.
	GetUser(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

type UserWriteProvider interface {
	// CreateUser assigns a new UUID to the user.
	CreateUser(ctx context.Context, name, tokenHash string) (*model.User, error)
	// EnsureUser returns the user with id, creating it with name id when absent.
	EnsureUser(ctx context.Context, id string) (*model.User, error)
	TouchLogin(ctx context.Context, id string, at time.Time) error
	// SetActive hides (false) or restores (true) a user in the candidate pool.
	SetActive(ctx context.Context, id string, active bool) error
}

type PreferenceReadProvider interface {
	// FetchCandidatePool returns active users other than excludingUserID that
	// have a nonempty skill set and a last matching attempt at or after
	// freshSince.
	FetchCandidatePool(ctx context.Context, excludingUserID string, freshSince time.Time) ([]model.User, error)
}

type PreferenceWriteProvider interface {
	PersistPreferences(ctx context.Context, userID string, teach, learn []string, at time.Time) error
	// ClearPreferences empties both skill sets and resets the timestamp.
	ClearPreferences(ctx context.Context, userID string) error
}

// ClearIfNonEmpty clears the user's preferences inside one transaction when
// either skill set is nonempty. It reports whether anything was cleared.
func ClearIfNonEmpty(ctx context.Context, f DataProviderFactory, userID string) (bool, error) {
	tx, err := f.Tx(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	u, err := tx.GetUser(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !u.HasSkills() {
		return false, nil
	}
	if err := tx.ClearPreferences(ctx, userID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
