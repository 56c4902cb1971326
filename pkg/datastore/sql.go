package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/NicolasHaas/byteswap/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
	now func() time.Time
}

func (p *baseProvider) ZeroTime() time.Time {
	return time.Time{}
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides SQLite-backed access to users and preferences.
type ProviderFactory struct {
	DB  *sql.DB
	now func() time.Time
}

func (sf *ProviderFactory) base(db DB) baseProvider {
	return baseProvider{DB: db, now: sf.now}
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{baseProvider: sf.base(sf.DB)}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("datastore: begin tx: %w", err)
	}

	return &txProvider{
		baseProvider: sf.base(tx),
		tx:           tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *ProviderFactory) Close() error {
	return s.DB.Close()
}

func (s *ProviderFactory) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS users (
		id                    TEXT    PRIMARY KEY,
		name                  TEXT    NOT NULL CHECK(length(name) > 0),
		token_hash            TEXT    NOT NULL DEFAULT '',
		teach_skills          TEXT    NOT NULL DEFAULT '[]',
		learn_skills          TEXT    NOT NULL DEFAULT '[]',
		last_matching_attempt TEXT,
		is_active             INTEGER NOT NULL DEFAULT 1,
		last_login            TEXT,
		created_at            TEXT    NOT NULL
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"CREATE INDEX IF NOT EXISTS idx_users_matching ON users(last_matching_attempt) WHERE is_active = 1",
			},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// nullableTime maps the zero time to SQL NULL.
func nullableTime(t time.Time) *string {
	if t.IsZero() {
		return nil
	}
	s := formatDBTime(t)
	return &s
}

func encodeSkills(skills []string) (string, error) {
	if skills == nil {
		skills = []string{}
	}
	b, err := json.Marshal(skills)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSkills(raw string) ([]string, error) {
	var skills []string
	if err := json.Unmarshal([]byte(raw), &skills); err != nil {
		return nil, err
	}
	if skills == nil {
		skills = []string{}
	}
	return skills, nil
}

const userColumns = "id, name, token_hash, teach_skills, learn_skills, last_matching_attempt, is_active, last_login, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	var (
		u                  model.User
		teach, learn       string
		lastMatch, lastLog sql.NullString
		active             int
		createdAt          string
	)
	if err := row.Scan(&u.ID, &u.Name, &u.TokenHash, &teach, &learn, &lastMatch, &active, &lastLog, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if u.TeachSkills, err = decodeSkills(teach); err != nil {
		return nil, fmt.Errorf("decode teach skills: %w", err)
	}
	if u.LearnSkills, err = decodeSkills(learn); err != nil {
		return nil, fmt.Errorf("decode learn skills: %w", err)
	}
	if lastMatch.Valid {
		if u.LastMatchingAttempt, err = parseDBTime(lastMatch.String); err != nil {
			return nil, err
		}
	}
	if lastLog.Valid {
		if u.LastLogin, err = parseDBTime(lastLog.String); err != nil {
			return nil, err
		}
	}
	if u.CreatedAt, err = parseDBTime(createdAt); err != nil {
		return nil, err
	}
	u.Active = active != 0
	return &u, nil
}

// ---- Users ----

// CreateUser creates a new user with a random UUID.
func (s *baseProvider) CreateUser(ctx context.Context, name, tokenHash string) (*model.User, error) {
	if err := model.ValidateName(name); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	return s.insertUser(ctx, uuid.NewString(), strings.TrimSpace(name), tokenHash)
}

// EnsureUser returns the user with id, creating a token-less user if absent.
func (s *baseProvider) EnsureUser(ctx context.Context, id string) (*model.User, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("datastore: ensure user: %w", model.ErrUserIDEmpty)
	}
	u, err := s.GetUser(ctx, id)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	name := id
	if len([]rune(name)) > model.MaxNameLength {
		name = string([]rune(name)[:model.MaxNameLength])
	}
	return s.insertUser(ctx, id, name, "")
}

func (s *baseProvider) insertUser(ctx context.Context, id, name, tokenHash string) (*model.User, error) {
	createdAt := s.now()
	_, err := s.ExecContext(ctx,
		"INSERT INTO users (id, name, token_hash, created_at) VALUES (?, ?, ?, ?)",
		id, name, tokenHash, formatDBTime(createdAt))
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	return &model.User{
		ID:          id,
		Name:        name,
		TokenHash:   tokenHash,
		TeachSkills: []string{},
		LearnSkills: []string{},
		Active:      true,
		CreatedAt:   createdAt.Truncate(time.Millisecond),
	}, nil
}

// GetUser retrieves a user by ID.
func (s *baseProvider) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	return u, nil
}

// ListUsers returns all users ordered by creation time.
func (s *baseProvider) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.QueryContext(ctx, "SELECT "+userColumns+" FROM users ORDER BY created_at, id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// TouchLogin records a successful authentication.
func (s *baseProvider) TouchLogin(ctx context.Context, id string, at time.Time) error {
	return s.updateUser(ctx, "touch login", "UPDATE users SET last_login = ? WHERE id = ?", formatDBTime(at), id)
}

// SetActive toggles the active flag.
func (s *baseProvider) SetActive(ctx context.Context, id string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	return s.updateUser(ctx, "set active", "UPDATE users SET is_active = ? WHERE id = ?", v, id)
}

// ---- Preferences ----

// PersistPreferences stores the user's skill sets and matching timestamp.
func (s *baseProvider) PersistPreferences(ctx context.Context, userID string, teach, learn []string, at time.Time) error {
	teachJSON, err := encodeSkills(teach)
	if err != nil {
		return fmt.Errorf("datastore: persist preferences: %w", err)
	}
	learnJSON, err := encodeSkills(learn)
	if err != nil {
		return fmt.Errorf("datastore: persist preferences: %w", err)
	}
	return s.updateUser(ctx, "persist preferences",
		"UPDATE users SET teach_skills = ?, learn_skills = ?, last_matching_attempt = ? WHERE id = ?",
		teachJSON, learnJSON, nullableTime(at), userID)
}

// ClearPreferences empties both skill sets.
func (s *baseProvider) ClearPreferences(ctx context.Context, userID string) error {
	return s.updateUser(ctx, "clear preferences",
		"UPDATE users SET teach_skills = '[]', learn_skills = '[]', last_matching_attempt = NULL WHERE id = ?",
		userID)
}

// FetchCandidatePool lists fresh, active users with at least one skill.
func (s *baseProvider) FetchCandidatePool(ctx context.Context, excludingUserID string, freshSince time.Time) ([]model.User, error) {
	rows, err := s.QueryContext(ctx,
		"SELECT "+userColumns+` FROM users
		WHERE id <> ?
		AND is_active = 1
		AND last_matching_attempt IS NOT NULL
		AND last_matching_attempt >= ?
		AND (teach_skills <> '[]' OR learn_skills <> '[]')
		ORDER BY last_matching_attempt DESC, id`,
		excludingUserID, formatDBTime(freshSince))
	if err != nil {
		return nil, fmt.Errorf("datastore: fetch candidate pool: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pool := []model.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan candidate: %w", err)
		}
		pool = append(pool, *u)
	}
	return pool, rows.Err()
}

func (s *baseProvider) updateUser(ctx context.Context, op, query string, args ...any) error {
	res, err := s.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("datastore: %s: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("datastore: %s: %w", op, ErrUserNotFound)
	}
	return nil
}
