package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/safeops/internal/domain"
	"github.com/ashureev/safeops/internal/shared"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Repository on database/sql. SQLite is the default
// backend; a postgres:// DSN selects PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	writeMu sync.Mutex // Serializes assessment writes to prevent SQLITE_BUSY
}

// Open creates a repository for the given DSN. Anything that is not a
// postgres:// or postgresql:// URL is treated as a SQLite file path.
func Open(dsn string) (Repository, error) {
	if isPostgresDSN(dsn) {
		return NewPostgres(dsn)
	}
	return NewSQLite(dsn)
}

func isPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := newSQLStore(db, dialectSQLite)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// NewPostgres creates a new PostgreSQL-backed repository.
func NewPostgres(dsn string) (Repository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := newSQLStore(db, dialectPostgres)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newSQLStore(db *sql.DB, d dialect) (*SQLStore, error) {
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLStore{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS subjects (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		scope_key TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		classification_global TEXT NOT NULL,
		classification_local TEXT NOT NULL,
		responsible_id TEXT,
		status TEXT NOT NULL,
		reported_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subjects_scope ON subjects(scope_key);

	CREATE TABLE IF NOT EXISTS classifications (
		id TEXT PRIMARY KEY,
		scope_key TEXT NOT NULL,
		label TEXT NOT NULL,
		pair_global TEXT NOT NULL,
		pair_local TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_classifications_scope ON classifications(scope_key);

	CREATE TABLE IF NOT EXISTS responsibles (
		id TEXT PRIMARY KEY,
		scope_key TEXT NOT NULL,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_responsibles_scope ON responsibles(scope_key);

	CREATE TABLE IF NOT EXISTS assessments (
		id TEXT PRIMARY KEY,
		subject_id TEXT NOT NULL,
		operator_id TEXT NOT NULL DEFAULT '',
		responsible_id TEXT NOT NULL,
		action_description TEXT NOT NULL,
		client_responsibility INTEGER NOT NULL,
		classification_global TEXT NOT NULL,
		classification_local TEXT NOT NULL,
		created_at BIGINT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_assessments_subject ON assessments(subject_id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into the $n form PostgreSQL expects.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const subjectColumns = `id, code, title, description, scope_key, location,
	classification_global, classification_local, responsible_id, status,
	reported_at, updated_at`

func scanSubject(row rowScanner) (*domain.Subject, error) {
	var subject domain.Subject
	var responsibleID sql.NullString
	var status string
	var reportedAt, updatedAt int64

	err := row.Scan(
		&subject.ID, &subject.Code, &subject.Title, &subject.Description,
		&subject.ScopeKey, &subject.Location,
		&subject.Classification.Global, &subject.Classification.Local,
		&responsibleID, &status, &reportedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	subject.ResponsibleID = responsibleID.String
	subject.Status = domain.SubjectStatus(status)
	subject.ReportedAt = time.Unix(reportedAt, 0)
	subject.UpdatedAt = time.Unix(updatedAt, 0)
	return &subject, nil
}

// GetSubject retrieves an incident by id.
func (s *SQLStore) GetSubject(ctx context.Context, id string) (*domain.Subject, error) {
	return s.getSubject(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) getSubject(ctx context.Context, q queryer, id string) (*domain.Subject, error) {
	query := s.rebind(`SELECT ` + subjectColumns + ` FROM subjects WHERE id = ?`)

	subject, err := scanSubject(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("subject %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan subject row: %w", err)
	}
	return subject, nil
}

// UpsertSubject creates or updates an incident.
func (s *SQLStore) UpsertSubject(ctx context.Context, subject *domain.Subject) error {
	query := s.rebind(`
	INSERT INTO subjects (` + subjectColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		code = excluded.code,
		title = excluded.title,
		description = excluded.description,
		scope_key = excluded.scope_key,
		location = excluded.location,
		classification_global = excluded.classification_global,
		classification_local = excluded.classification_local,
		responsible_id = excluded.responsible_id,
		status = excluded.status,
		updated_at = excluded.updated_at`)

	var responsibleID any
	if subject.ResponsibleID != "" {
		responsibleID = subject.ResponsibleID
	}
	status := subject.Status
	if status == "" {
		status = domain.SubjectStatusReported
	}
	reportedAt := subject.ReportedAt
	if reportedAt.IsZero() {
		reportedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, query,
		subject.ID, subject.Code, subject.Title, subject.Description,
		subject.ScopeKey, subject.Location,
		subject.Classification.Global, subject.Classification.Local,
		responsibleID, string(status), reportedAt.Unix(), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert subject: %w", err)
	}
	return nil
}

// ListClassifications returns the classification catalog of a scope,
// including the entries shared by every scope.
func (s *SQLStore) ListClassifications(ctx context.Context, scopeKey string) ([]domain.ClassificationEntry, error) {
	query := `SELECT id, scope_key, label, pair_global, pair_local FROM classifications`
	var args []any
	if scopeKey != "" {
		query += ` WHERE scope_key = ? OR scope_key = ''`
		args = append(args, scopeKey)
	}
	query += ` ORDER BY label, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query classifications: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close classification rows", "error", closeErr)
		}
	}()

	var entries []domain.ClassificationEntry
	for rows.Next() {
		var e domain.ClassificationEntry
		if err := rows.Scan(&e.ID, &e.ScopeKey, &e.Label, &e.Pair.Global, &e.Pair.Local); err != nil {
			return nil, fmt.Errorf("scan classification row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate classifications: %w", err)
	}
	return entries, nil
}

// UpsertClassification creates or updates a catalog entry.
func (s *SQLStore) UpsertClassification(ctx context.Context, entry domain.ClassificationEntry) error {
	query := s.rebind(`
	INSERT INTO classifications (id, scope_key, label, pair_global, pair_local)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		scope_key = excluded.scope_key,
		label = excluded.label,
		pair_global = excluded.pair_global,
		pair_local = excluded.pair_local`)

	if _, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.ScopeKey, entry.DisplayLabel(), entry.Pair.Global, entry.Pair.Local,
	); err != nil {
		return fmt.Errorf("upsert classification: %w", err)
	}
	return nil
}

// ListResponsibles returns the responsible-party directory of a scope,
// including the entries shared by every scope.
func (s *SQLStore) ListResponsibles(ctx context.Context, scopeKey string) ([]domain.ResponsibleEntry, error) {
	query := `SELECT id, scope_key, name, role FROM responsibles`
	var args []any
	if scopeKey != "" {
		query += ` WHERE scope_key = ? OR scope_key = ''`
		args = append(args, scopeKey)
	}
	query += ` ORDER BY name, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query responsibles: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close responsible rows", "error", closeErr)
		}
	}()

	var entries []domain.ResponsibleEntry
	for rows.Next() {
		var e domain.ResponsibleEntry
		if err := rows.Scan(&e.ID, &e.ScopeKey, &e.Name, &e.Role); err != nil {
			return nil, fmt.Errorf("scan responsible row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responsibles: %w", err)
	}
	return entries, nil
}

// UpsertResponsible creates or updates a directory entry.
func (s *SQLStore) UpsertResponsible(ctx context.Context, entry domain.ResponsibleEntry) error {
	query := s.rebind(`
	INSERT INTO responsibles (id, scope_key, name, role)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		scope_key = excluded.scope_key,
		name = excluded.name,
		role = excluded.role`)

	if _, err := s.db.ExecContext(ctx, query, entry.ID, entry.ScopeKey, entry.Name, entry.Role); err != nil {
		return fmt.Errorf("upsert responsible: %w", err)
	}
	return nil
}

// SaveAssessment stores the assessment and applies it to the subject.
// Implements retry logic with exponential backoff to handle SQLITE_BUSY errors.
func (s *SQLStore) SaveAssessment(ctx context.Context, assessment *domain.Assessment) (*domain.Subject, error) {
	if assessment.ID == "" {
		assessment.ID = uuid.NewString()
	}
	if assessment.CreatedAt.IsZero() {
		assessment.CreatedAt = time.Now()
	}

	maxRetries := 3
	baseDelay := 100 * time.Millisecond

	for i := 0; i < maxRetries; i++ {
		subject, err := s.saveAssessmentOnce(ctx, assessment)
		if err == nil {
			return subject, nil
		}

		if shared.IsSQLiteConflictError(err) && i < maxRetries-1 {
			delay := baseDelay * time.Duration(1<<i) // exponential backoff: 100ms, 200ms, 400ms
			slog.Debug("SaveAssessment failed with SQLITE_BUSY, retrying",
				"subject_id", assessment.SubjectID,
				"attempt", i+1,
				"delay", delay)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		return nil, err
	}

	return nil, fmt.Errorf("save assessment for %s: retries exhausted", assessment.SubjectID)
}

func (s *SQLStore) saveAssessmentOnce(ctx context.Context, a *domain.Assessment) (*domain.Subject, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.Warn("failed to roll back assessment transaction", "error", rbErr)
		}
	}()

	subject, err := s.getSubject(ctx, tx, a.SubjectID)
	if err != nil {
		return nil, err
	}
	if subject.IsAssessed() {
		return nil, fmt.Errorf("subject %s: %w", a.SubjectID, ErrAlreadyAssessed)
	}

	insert := s.rebind(`
	INSERT INTO assessments (
		id, subject_id, operator_id, responsible_id, action_description,
		client_responsibility, classification_global, classification_local, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	p := a.Payload
	if _, err := tx.ExecContext(ctx, insert,
		a.ID, a.SubjectID, a.OperatorID, p.ResponsiblePartyID, p.ActionDescription,
		boolToInt(p.IsClientResponsibility), p.Classification.Global, p.Classification.Local,
		a.CreatedAt.Unix(),
	); err != nil {
		return nil, fmt.Errorf("insert assessment: %w", err)
	}

	update := s.rebind(`
	UPDATE subjects SET
		classification_global = ?,
		classification_local = ?,
		responsible_id = ?,
		status = ?,
		updated_at = ?
	WHERE id = ?`)

	if _, err := tx.ExecContext(ctx, update,
		p.Classification.Global, p.Classification.Local, p.ResponsiblePartyID,
		string(domain.SubjectStatusAssessed), time.Now().Unix(), a.SubjectID,
	); err != nil {
		return nil, fmt.Errorf("update subject: %w", err)
	}

	updated, err := s.getSubject(ctx, tx, a.SubjectID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit assessment: %w", err)
	}
	return updated, nil
}

// ListAssessments returns the assessments registered for a subject.
func (s *SQLStore) ListAssessments(ctx context.Context, subjectID string) ([]domain.Assessment, error) {
	query := s.rebind(`
		SELECT id, subject_id, operator_id, responsible_id, action_description,
		       client_responsibility, classification_global, classification_local, created_at
		FROM assessments WHERE subject_id = ? ORDER BY created_at, id`)

	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close assessment rows", "error", closeErr)
		}
	}()

	var out []domain.Assessment
	for rows.Next() {
		var a domain.Assessment
		var client int
		var createdAt int64
		if err := rows.Scan(
			&a.ID, &a.SubjectID, &a.OperatorID, &a.Payload.ResponsiblePartyID,
			&a.Payload.ActionDescription, &client,
			&a.Payload.Classification.Global, &a.Payload.Classification.Local, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan assessment row: %w", err)
		}
		a.Payload.IsClientResponsibility = client != 0
		a.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessments: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
