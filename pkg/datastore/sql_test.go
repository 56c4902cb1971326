package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/datastore"
	"github.com/NicolasHaas/byteswap/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("store_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

// withFactories runs fn against the SQLite and the in-memory implementation.
func withFactories(t *testing.T, fn func(t *testing.T, f datastore.DataProviderFactory)) {
	t.Helper()

	t.Run("sqlite", func(t *testing.T) {
		st, err := NewTestSqlConn(t)
		if err != nil {
			t.Fatalf("failed to open test connection: %v", err)
		}
		fn(t, st)
	})
	t.Run("memory", func(t *testing.T) {
		fn(t, datastore.NewMemory())
	})
}

var ignoreTimes = cmpopts.IgnoreFields(model.User{}, "ID", "CreatedAt", "LastLogin", "LastMatchingAttempt")

func TestZeroTime(t *testing.T) {
	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	if diff := cmp.Diff(time.Time{}, store.NonTx().ZeroTime()); diff != "" {
		t.Errorf("store.NonTx().ZeroTime mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateUser(t *testing.T) {
	type tcase struct {
		name      string
		wantName  string
		expectErr bool
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			name:     "johndoe",
			wantName: "johndoe",
		},
		"quoted_name": { // stored verbatim via placeholders
			name:     "' OR '1'='1",
			wantName: "' OR '1'='1",
		},
		"padded_name": {
			name:     "  ada  ",
			wantName: "ada",
		},
		"empty_name": {
			name:      "",
			expectErr: true,
		},
		"long_name": {
			name:      strings.Repeat("n", model.MaxNameLength+1),
			expectErr: true,
		},
	}

	withFactories(t, func(t *testing.T, f datastore.DataProviderFactory) {
		for name, tc := range tcases {
			t.Run(name, func(t *testing.T) {
				ctx := context.Background()
				got, err := f.NonTx().CreateUser(ctx, tc.name, "hash")
				if tc.expectErr {
					if err == nil {
						t.Fatalf("CreateUser: expected error, got nil")
					}
					return
				}
				if err != nil {
					t.Fatalf("CreateUser: unexpected error: %v", err)
				}
				if got.ID == "" {
					t.Fatalf("CreateUser: expected an id")
				}

				want := &model.User{
					Name:        tc.wantName,
					TokenHash:   "hash",
					TeachSkills: []string{},
					LearnSkills: []string{},
					Active:      true,
				}
				if diff := cmp.Diff(want, got, ignoreTimes); diff != "" {
					t.Errorf("CreateUser mismatch (-want +got):\n%s", diff)
				}

				fetched, err := f.NonTx().GetUser(ctx, got.ID)
				if err != nil {
					t.Fatalf("GetUser: unexpected error: %v", err)
				}
				if diff := cmp.Diff(got, fetched); diff != "" {
					t.Errorf("GetUser mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})
}

func TestGetUserNotFound(t *testing.T) {
	withFactories(t, func(t *testing.T, f datastore.DataProviderFactory) {
		_, err := f.NonTx().GetUser(context.Background(), "nobody")
		if !errors.Is(err, datastore.ErrUserNotFound) {
			t.Fatalf("GetUser: want ErrUserNotFound got %v", err)
		}
		err = f.NonTx().ClearPreferences(context.Background(), "nobody")
		if !errors.Is(err, datastore.ErrUserNotFound) {
			t.Fatalf("ClearPreferences: want ErrUserNotFound got %v", err)
		}
	})
}

func TestEnsureUser(t *testing.T) {
	withFactories(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()

		u, err := st.EnsureUser(ctx, "user-1")
		if err != nil {
			t.Fatalf("EnsureUser: unexpected error: %v", err)
		}
		if u.ID != "user-1" || u.Name != "user-1" {
			t.Fatalf("EnsureUser: want user-1 got %+v", u)
		}
		if err := st.PersistPreferences(ctx, "user-1", []string{"Go"}, nil, time.Now()); err != nil {
			t.Fatalf("PersistPreferences: unexpected error: %v", err)
		}
		again, err := st.EnsureUser(ctx, "user-1")
		if err != nil {
			t.Fatalf("EnsureUser: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"Go"}, again.TeachSkills); diff != "" {
			t.Fatalf("EnsureUser: existing user overwritten (-want +got):\n%s", diff)
		}

		if _, err := st.EnsureUser(ctx, " "); !errors.Is(err, model.ErrUserIDEmpty) {
			t.Fatalf("EnsureUser: want ErrUserIDEmpty got %v", err)
		}
	})
}

func TestPreferencesRoundTrip(t *testing.T) {
	withFactories(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()
		u, err := st.CreateUser(ctx, "alice", "")
		if err != nil {
			t.Fatalf("CreateUser: unexpected error: %v", err)
		}

		at := time.Date(2026, 3, 1, 10, 30, 0, 123_000_000, time.UTC)
		if err := st.PersistPreferences(ctx, u.ID, []string{"Go", "SQL"}, []string{"Rust"}, at); err != nil {
			t.Fatalf("PersistPreferences: unexpected error: %v", err)
		}
		got, err := st.GetUser(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetUser: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"Go", "SQL"}, got.TeachSkills); diff != "" {
			t.Errorf("TeachSkills mismatch (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"Rust"}, got.LearnSkills); diff != "" {
			t.Errorf("LearnSkills mismatch (-want +got):\n%s", diff)
		}
		if !got.LastMatchingAttempt.Equal(at) {
			t.Errorf("LastMatchingAttempt: want=%v got=%v", at, got.LastMatchingAttempt)
		}

		if err := st.ClearPreferences(ctx, u.ID); err != nil {
			t.Fatalf("ClearPreferences: unexpected error: %v", err)
		}
		got, err = st.GetUser(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetUser: unexpected error: %v", err)
		}
		if got.HasSkills() || !got.LastMatchingAttempt.IsZero() {
			t.Errorf("ClearPreferences: user still has preferences: %+v", got)
		}
	})
}

func TestFetchCandidatePool(t *testing.T) {
	withFactories(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		cutoff := now.Add(-5 * time.Minute)

		mk := func(name string) string {
			t.Helper()
			u, err := st.CreateUser(ctx, name, "")
			if err != nil {
				t.Fatalf("CreateUser(%s): unexpected error: %v", name, err)
			}
			return u.ID
		}
		requester := mk("requester")
		fresh := mk("fresh")
		edge := mk("edge")
		stale := mk("stale")
		empty := mk("empty")
		inactive := mk("inactive")
		mk("never")

		persist := func(id string, teach []string, at time.Time) {
			t.Helper()
			if err := st.PersistPreferences(ctx, id, teach, nil, at); err != nil {
				t.Fatalf("PersistPreferences: unexpected error: %v", err)
			}
		}
		persist(requester, []string{"Go"}, now)
		persist(fresh, []string{"Rust"}, now.Add(-time.Minute))
		persist(edge, []string{"Rust"}, cutoff)
		persist(stale, []string{"Rust"}, cutoff.Add(-time.Second))
		persist(empty, []string{}, now)
		persist(inactive, []string{"Rust"}, now)
		if err := st.SetActive(ctx, inactive, false); err != nil {
			t.Fatalf("SetActive: unexpected error: %v", err)
		}

		pool, err := st.FetchCandidatePool(ctx, requester, cutoff)
		if err != nil {
			t.Fatalf("FetchCandidatePool: unexpected error: %v", err)
		}
		var got []string
		for _, u := range pool {
			got = append(got, u.ID)
		}
		if diff := cmp.Diff([]string{fresh, edge}, got); diff != "" {
			t.Errorf("FetchCandidatePool mismatch (-want +got):\n%s", diff)
		}
	})
}

func TestClearIfNonEmpty(t *testing.T) {
	withFactories(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		u, err := f.NonTx().CreateUser(ctx, "bob", "")
		if err != nil {
			t.Fatalf("CreateUser: unexpected error: %v", err)
		}

		cleared, err := datastore.ClearIfNonEmpty(ctx, f, u.ID)
		if err != nil || cleared {
			t.Fatalf("ClearIfNonEmpty: want=false,nil got=%v,%v", cleared, err)
		}

		if err := f.NonTx().PersistPreferences(ctx, u.ID, nil, []string{"Go"}, time.Now()); err != nil {
			t.Fatalf("PersistPreferences: unexpected error: %v", err)
		}
		cleared, err = datastore.ClearIfNonEmpty(ctx, f, u.ID)
		if err != nil || !cleared {
			t.Fatalf("ClearIfNonEmpty: want=true,nil got=%v,%v", cleared, err)
		}
		got, err := f.NonTx().GetUser(ctx, u.ID)
		if err != nil {
			t.Fatalf("GetUser: unexpected error: %v", err)
		}
		if got.HasSkills() {
			t.Fatalf("ClearIfNonEmpty: skills remain: %+v", got)
		}

		cleared, err = datastore.ClearIfNonEmpty(ctx, f, "missing")
		if err != nil || cleared {
			t.Fatalf("ClearIfNonEmpty(missing): want=false,nil got=%v,%v", cleared, err)
		}
	})
}

func TestListUsersAndTouchLogin(t *testing.T) {
	withFactories(t, func(t *testing.T, f datastore.DataProviderFactory) {
		ctx := context.Background()
		st := f.NonTx()
		users, err := st.ListUsers(ctx)
		if err != nil {
			t.Fatalf("ListUsers: unexpected error: %v", err)
		}
		if len(users) != 0 {
			t.Fatalf("ListUsers: want=0 got=%d", len(users))
		}

		a, err := st.CreateUser(ctx, "a", "")
		if err != nil {
			t.Fatalf("CreateUser: unexpected error: %v", err)
		}
		if _, err := st.CreateUser(ctx, "b", ""); err != nil {
			t.Fatalf("CreateUser: unexpected error: %v", err)
		}
		at := time.Date(2026, 5, 5, 5, 5, 5, 0, time.UTC)
		if err := st.TouchLogin(ctx, a.ID, at); err != nil {
			t.Fatalf("TouchLogin: unexpected error: %v", err)
		}
		if err := st.TouchLogin(ctx, "missing", at); !errors.Is(err, datastore.ErrUserNotFound) {
			t.Fatalf("TouchLogin(missing): want ErrUserNotFound got %v", err)
		}

		users, err = st.ListUsers(ctx)
		if err != nil {
			t.Fatalf("ListUsers: unexpected error: %v", err)
		}
		if len(users) != 2 {
			t.Fatalf("ListUsers: want=2 got=%d", len(users))
		}
		for _, u := range users {
			if u.ID == a.ID && !u.LastLogin.Equal(at) {
				t.Fatalf("TouchLogin: want=%v got=%v", at, u.LastLogin)
			}
		}
	})
}

func TestTxCommitAndRollback(t *testing.T) {
	st, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	ctx := context.Background()

	tx, err := st.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: unexpected error: %v", err)
	}
	u, err := tx.CreateUser(ctx, "rolled", "")
	if err != nil {
		t.Fatalf("CreateUser: unexpected error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: unexpected error: %v", err)
	}
	if _, err := st.NonTx().GetUser(ctx, u.ID); !errors.Is(err, datastore.ErrUserNotFound) {
		t.Fatalf("GetUser after rollback: want ErrUserNotFound got %v", err)
	}

	tx, err = st.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: unexpected error: %v", err)
	}
	u, err = tx.CreateUser(ctx, "committed", "")
	if err != nil {
		t.Fatalf("CreateUser: unexpected error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: unexpected error: %v", err)
	}
	if _, err := st.NonTx().GetUser(ctx, u.ID); err != nil {
		t.Fatalf("GetUser after commit: unexpected error: %v", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.db")
	first, err := datastore.NewProviderFactory(path)
	if err != nil {
		t.Fatalf("NewProviderFactory: unexpected error: %v", err)
	}
	u, err := first.NonTx().CreateUser(context.Background(), "persisted", "")
	if err != nil {
		t.Fatalf("CreateUser: unexpected error: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: unexpected error: %v", err)
	}

	second, err := datastore.NewProviderFactory(path)
	if err != nil {
		t.Fatalf("NewProviderFactory (reopen): unexpected error: %v", err)
	}
	defer func() { _ = second.Close() }()
	if _, err := second.NonTx().GetUser(context.Background(), u.ID); err != nil {
		t.Fatalf("GetUser after reopen: unexpected error: %v", err)
	}
}
