package store

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	_ "github.com/lib/pq"

	"github.com/micropub-rocks/conformance/internal/cache"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = fmt.Errorf("not found")

// Store provides Postgres persistence for subjects, tokens, tests and
// results. Test reference rows are immutable, so lookups go through an
// in-process TTL cache.
type Store struct {
	db        *sql.DB
	testCache *cache.TTLCache
}

// NewStoreFromEnv opens the database from DATABASE_URL and initializes the
// schema.
func NewStoreFromEnv() (*Store, error) {
	connString := os.Getenv("DATABASE_URL")
	if connString == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(parseEnvInt("DB_MAX_OPEN_CONNS", 10))
	db.SetMaxIdleConns(parseEnvInt("DB_MAX_IDLE_CONNS", 2))
	db.SetConnMaxLifetime(parseEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &Store{
		db:        db,
		testCache: cache.NewTTLCache(),
	}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping() error {
	return s.db.Ping()
}

// GetSubjectByToken resolves a subject by its opaque routing token.
func (s *Store) GetSubjectByToken(token string) (*Subject, error) {
	query := `
		SELECT id, user_id, name, token, redirect_uri, last_viewed_test, created_at
		FROM subjects
		WHERE token = $1
	`

	var subject Subject
	var redirectURI sql.NullString
	var lastViewed sql.NullInt64
	err := s.db.QueryRow(query, token).Scan(
		&subject.ID,
		&subject.UserID,
		&subject.Name,
		&subject.Token,
		&redirectURI,
		&lastViewed,
		&subject.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	subject.RedirectURI = redirectURI.String
	subject.LastViewedTest = int(lastViewed.Int64)
	return &subject, nil
}

// CreateSubject inserts a new subject.
func (s *Store) CreateSubject(subject *Subject) error {
	query := `
		INSERT INTO subjects (user_id, name, token, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`
	if subject.CreatedAt.IsZero() {
		subject.CreatedAt = time.Now()
	}
	return s.db.QueryRow(query, subject.UserID, subject.Name, subject.Token, subject.CreatedAt).
		Scan(&subject.ID)
}

// SetSubjectRedirectURI persists the redirect URI remembered from a token
// exchange.
func (s *Store) SetSubjectRedirectURI(subjectID int64, redirectURI string) error {
	_, err := s.db.Exec(`UPDATE subjects SET redirect_uri = $1 WHERE id = $2`, redirectURI, subjectID)
	return err
}

// SetSubjectLastViewedTest records the test number the subject last opened.
func (s *Store) SetSubjectLastViewedTest(subjectID int64, number int) error {
	_, err := s.db.Exec(`UPDATE subjects SET last_viewed_test = $1 WHERE id = $2`, number, subjectID)
	return err
}

// CreateAccessToken mints a new access token row for a subject.
func (s *Store) CreateAccessToken(token *AccessToken) error {
	query := `
		INSERT INTO access_tokens (subject_id, token, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}
	return s.db.QueryRow(query, token.SubjectID, token.Token, token.CreatedAt).Scan(&token.ID)
}

// GetAccessToken looks up a token scoped to one subject.
func (s *Store) GetAccessToken(subjectID int64, token string) (*AccessToken, error) {
	query := `
		SELECT id, subject_id, token, created_at, last_used
		FROM access_tokens
		WHERE subject_id = $1 AND token = $2
	`
	var record AccessToken
	var lastUsed sql.NullTime
	err := s.db.QueryRow(query, subjectID, token).Scan(
		&record.ID,
		&record.SubjectID,
		&record.Token,
		&record.CreatedAt,
		&lastUsed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	record.LastUsed = lastUsed.Time
	return &record, nil
}

// TouchAccessToken updates last_used on an authenticated call.
func (s *Store) TouchAccessToken(id int64) error {
	_, err := s.db.Exec(`UPDATE access_tokens SET last_used = $1 WHERE id = $2`, time.Now(), id)
	return err
}

// GetTestByNumber fetches one test from the immutable catalogue.
func (s *Store) GetTestByNumber(group string, number int) (*Test, error) {
	cacheKey := fmt.Sprintf("%s:%d", group, number)
	if cached, ok := s.testCache.Get(cacheKey); ok {
		return cached.(*Test), nil
	}

	query := `SELECT id, test_group, number, name FROM tests WHERE test_group = $1 AND number = $2`
	var test Test
	err := s.db.QueryRow(query, group, number).Scan(&test.ID, &test.Group, &test.Number, &test.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	s.testCache.Set(cacheKey, &test, time.Hour)
	return &test, nil
}

// ListTests returns the catalogue for one group ordered by number.
func (s *Store) ListTests(group string) ([]Test, error) {
	rows, err := s.db.Query(
		`SELECT id, test_group, number, name FROM tests WHERE test_group = $1 ORDER BY number`, group)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tests []Test
	for rows.Next() {
		var test Test
		if err := rows.Scan(&test.ID, &test.Group, &test.Number, &test.Name); err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	return tests, rows.Err()
}

// SeedTests inserts catalogue rows, skipping numbers that already exist.
func (s *Store) SeedTests(tests []Test) error {
	query := `
		INSERT INTO tests (test_group, number, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (test_group, number) DO NOTHING
	`
	for _, test := range tests {
		if _, err := s.db.Exec(query, test.Group, test.Number, test.Name); err != nil {
			return err
		}
	}
	return nil
}

// UpsertTestResult writes exactly one result row per (subject, test):
// created on first run, overwritten on re-runs. created_at is set once.
func (s *Store) UpsertTestResult(subjectID, testID int64, passed bool, response string) error {
	query := `
		INSERT INTO test_results (subject_id, test_id, passed, response, created_at, last_result_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (subject_id, test_id)
		DO UPDATE SET
			passed = EXCLUDED.passed,
			response = EXCLUDED.response,
			last_result_at = EXCLUDED.last_result_at
	`
	_, err := s.db.Exec(query, subjectID, testID, passed, response, time.Now())
	return err
}

// GetFeatureResult fetches the stored result for one (subject, feature)
// pair, or ErrNotFound.
func (s *Store) GetFeatureResult(subjectID int64, featureNum int) (*FeatureResult, error) {
	query := `
		SELECT id, subject_id, feature_num, implements, source_test_id, created_at, updated_at
		FROM feature_results
		WHERE subject_id = $1 AND feature_num = $2
	`
	var result FeatureResult
	err := s.db.QueryRow(query, subjectID, featureNum).Scan(
		&result.ID,
		&result.SubjectID,
		&result.FeatureNum,
		&result.Implements,
		&result.SourceTestID,
		&result.CreatedAt,
		&result.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// SaveFeatureResult upserts one (subject, feature) row with the values the
// caller decided on.
func (s *Store) SaveFeatureResult(result *FeatureResult) error {
	query := `
		INSERT INTO feature_results
			(subject_id, feature_num, implements, source_test_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (subject_id, feature_num)
		DO UPDATE SET
			implements = EXCLUDED.implements,
			source_test_id = EXCLUDED.source_test_id,
			updated_at = EXCLUDED.updated_at
	`
	now := time.Now()
	if result.CreatedAt.IsZero() {
		result.CreatedAt = now
	}
	result.UpdatedAt = now

	_, err := s.db.Exec(
		query,
		result.SubjectID,
		result.FeatureNum,
		result.Implements,
		result.SourceTestID,
		result.CreatedAt,
		result.UpdatedAt,
	)
	return err
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS subjects (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL,
		token VARCHAR(255) NOT NULL UNIQUE,
		redirect_uri TEXT,
		last_viewed_test INTEGER,
		created_at TIMESTAMP NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS access_tokens (
		id BIGSERIAL PRIMARY KEY,
		subject_id BIGINT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		token TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		last_used TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS tests (
		id BIGSERIAL PRIMARY KEY,
		test_group VARCHAR(20) NOT NULL,
		number INTEGER NOT NULL,
		name TEXT NOT NULL,
		UNIQUE (test_group, number)
	);

	CREATE TABLE IF NOT EXISTS test_results (
		id BIGSERIAL PRIMARY KEY,
		subject_id BIGINT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		test_id BIGINT NOT NULL REFERENCES tests(id),
		passed BOOLEAN NOT NULL,
		response TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		last_result_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE (subject_id, test_id)
	);

	CREATE TABLE IF NOT EXISTS feature_results (
		id BIGSERIAL PRIMARY KEY,
		subject_id BIGINT NOT NULL REFERENCES subjects(id) ON DELETE CASCADE,
		feature_num INTEGER NOT NULL,
		implements BOOLEAN NOT NULL,
		source_test_id BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		UNIQUE (subject_id, feature_num)
	);

	CREATE INDEX IF NOT EXISTS idx_access_tokens_subject ON access_tokens(subject_id, token);
	CREATE INDEX IF NOT EXISTS idx_test_results_subject ON test_results(subject_id);
	CREATE INDEX IF NOT EXISTS idx_feature_results_subject ON feature_results(subject_id);
	`

	_, err := s.db.Exec(query)
	return err
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
