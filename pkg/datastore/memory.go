package datastore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NicolasHaas/byteswap/pkg/model"
)

// MemoryStore provides an in-memory DataProviderFactory for tests.
// It mirrors SQLite behavior for validation, timestamps and error handling.
// Transactions write through; Rollback does not undo earlier writes.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	usersByID map[string]*model.User
}

// NewMemory creates a MemoryStore using time.Now().UTC().
func NewMemory() *MemoryStore {
	return NewMemoryWithClock(func() time.Time { return time.Now().UTC() })
}

// NewMemoryWithClock creates a MemoryStore with a custom clock.
func NewMemoryWithClock(now func() time.Time) *MemoryStore {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		now:       now,
		usersByID: make(map[string]*model.User),
	}
}

func (s *MemoryStore) NonTx() DataStore {
	return s
}

func (s *MemoryStore) Tx(ctx context.Context) (DataStoreTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}
	return &memoryTx{MemoryStore: s}, nil
}

type memoryTx struct {
	*MemoryStore
}

func (t *memoryTx) Commit() error   { return nil }
func (t *memoryTx) Rollback() error { return nil }

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

// ZeroTime returns the zero time value.
func (s *MemoryStore) ZeroTime() time.Time {
	return time.Time{}
}

func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

func cloneUser(u *model.User) model.User {
	c := *u
	c.TeachSkills = slices.Clone(u.TeachSkills)
	c.LearnSkills = slices.Clone(u.LearnSkills)
	if c.TeachSkills == nil {
		c.TeachSkills = []string{}
	}
	if c.LearnSkills == nil {
		c.LearnSkills = []string{}
	}
	return c
}

// CreateUser creates a new user with a random UUID.
func (s *MemoryStore) CreateUser(ctx context.Context, name, tokenHash string) (*model.User, error) {
	if err := model.ValidateName(name); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(uuid.NewString(), strings.TrimSpace(name), tokenHash)
}

// EnsureUser returns the user with id, creating a token-less user if absent.
func (s *MemoryStore) EnsureUser(ctx context.Context, id string) (*model.User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("datastore: ensure user: %w", model.ErrUserIDEmpty)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.usersByID[id]; ok {
		c := cloneUser(u)
		return &c, nil
	}
	name := id
	if len([]rune(name)) > model.MaxNameLength {
		name = string([]rune(name)[:model.MaxNameLength])
	}
	return s.insertLocked(id, name, "")
}

func (s *MemoryStore) insertLocked(id, name, tokenHash string) (*model.User, error) {
	if _, exists := s.usersByID[id]; exists {
		return nil, fmt.Errorf("datastore: create user: constraint failed: UNIQUE constraint failed: users.id")
	}
	u := &model.User{
		ID:          id,
		Name:        name,
		TokenHash:   tokenHash,
		TeachSkills: []string{},
		LearnSkills: []string{},
		Active:      true,
		CreatedAt:   dbTime(s.now()),
	}
	s.usersByID[id] = u
	c := cloneUser(u)
	return &c, nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.usersByID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := cloneUser(u)
	return &c, nil
}

// ListUsers returns all users ordered by creation time.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]model.User, 0, len(s.usersByID))
	for _, u := range s.usersByID {
		users = append(users, cloneUser(u))
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return users[i].ID < users[j].ID
	})
	return users, nil
}

// TouchLogin records a successful authentication.
func (s *MemoryStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.update("touch login", id, func(u *model.User) {
		u.LastLogin = dbTime(at)
	})
}

// PersistPreferences stores the user's skill sets and matching timestamp.
func (s *MemoryStore) PersistPreferences(ctx context.Context, userID string, teach, learn []string, at time.Time) error {
	return s.update("persist preferences", userID, func(u *model.User) {
		u.TeachSkills = slices.Clone(teach)
		u.LearnSkills = slices.Clone(learn)
		if at.IsZero() {
			u.LastMatchingAttempt = time.Time{}
		} else {
			u.LastMatchingAttempt = dbTime(at)
		}
	})
}

// ClearPreferences empties both skill sets.
func (s *MemoryStore) ClearPreferences(ctx context.Context, userID string) error {
	return s.update("clear preferences", userID, func(u *model.User) {
		u.TeachSkills = []string{}
		u.LearnSkills = []string{}
		u.LastMatchingAttempt = time.Time{}
	})
}

// FetchCandidatePool lists fresh, active users with at least one skill.
func (s *MemoryStore) FetchCandidatePool(ctx context.Context, excludingUserID string, freshSince time.Time) ([]model.User, error) {
	cutoff := dbTime(freshSince)
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := []model.User{}
	for id, u := range s.usersByID {
		if id == excludingUserID || !u.Active || !u.HasSkills() || !u.FreshSince(cutoff) {
			continue
		}
		pool = append(pool, cloneUser(u))
	}
	sort.Slice(pool, func(i, j int) bool {
		if !pool[i].LastMatchingAttempt.Equal(pool[j].LastMatchingAttempt) {
			return pool[i].LastMatchingAttempt.After(pool[j].LastMatchingAttempt)
		}
		return pool[i].ID < pool[j].ID
	})
	return pool, nil
}

// SetActive toggles the active flag.
func (s *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	return s.update("set active", id, func(u *model.User) {
		u.Active = active
	})
}

func (s *MemoryStore) update(op, id string, fn func(u *model.User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[id]
	if !ok {
		return fmt.Errorf("datastore: %s: %w", op, ErrUserNotFound)
	}
	fn(u)
	return nil
}
