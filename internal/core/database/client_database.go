package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/markdave123-py/Sleuth/internal/core"
	"github.com/markdave123-py/Sleuth/internal/models"
)

type dialect struct {
	name            string
	driver          string
	script          string
	metaExistsQuery string
	// messageOrder breaks created_at ties by insertion order.
	messageOrder string
	// localNotify is true when the database cannot push change notifications itself.
	localNotify bool
}

var (
	postgresDialect = dialect{
		name:            "postgres",
		driver:          "pgx",
		script:          "scripts/postgres.sql",
		metaExistsQuery: `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'sleuth_meta')`,
		messageOrder:    "created_at ASC, seq ASC",
	}
	sqliteDialect = dialect{
		name:            "sqlite",
		driver:          "sqlite",
		script:          "scripts/sqlite.sql",
		metaExistsQuery: `SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'sleuth_meta')`,
		messageOrder:    "created_at ASC, rowid ASC",
		localNotify:     true,
	}
)

// DatabaseClient implements core.Store on top of database/sql.
type DatabaseClient struct {
	db      *sql.DB
	dialect dialect
	publish func(models.Change)
	now     func() time.Time
}

// NewPostgresClient connects through the pgx stdlib driver. Change
// notifications come from database triggers, see Listener.
func NewPostgresClient(ctx context.Context, databaseURL, sslCertPath string) (*DatabaseClient, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is empty")
	}

	dsn := databaseURL
	if sslCertPath != "" {
		if _, err := os.Stat(sslCertPath); err != nil {
			return nil, fmt.Errorf("ssl cert not accessible at %q: %w", sslCertPath, err)
		}
		u, err := url.Parse(databaseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
		}
		q := u.Query()
		q.Set("sslmode", "verify-ca")
		q.Set("sslrootcert", sslCertPath)
		u.RawQuery = q.Encode()
		dsn = u.String()
	}

	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	return open(ctx, db, postgresDialect, nil)
}

// NewSQLiteClient opens a file-backed (or ":memory:") SQLite database for
// local mode. publish receives a Change after each committed write.
func NewSQLiteClient(ctx context.Context, path string, publish func(models.Change)) (*DatabaseClient, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if path == ":memory:" {
		path = "file::memory:"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection: an in-memory database lives and dies with its connection
	db.SetMaxOpenConns(1)

	return open(ctx, db, sqliteDialect, publish)
}

func open(ctx context.Context, db *sql.DB, d dialect, publish func(models.Change)) (*DatabaseClient, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, d); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	if !d.localNotify || publish == nil {
		publish = func(models.Change) {}
	}
	return &DatabaseClient{db: db, dialect: d, publish: publish, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Dialect reports "postgres" or "sqlite".
func (c *DatabaseClient) Dialect() string { return c.dialect.name }

func (c *DatabaseClient) notify(ch models.Change) {
	ch.At = c.now()
	c.publish(ch)
}

// Sessions

func (c *DatabaseClient) CreateSession(ctx context.Context, s *models.Session) error {
	if s == nil {
		return errors.New("nil session")
	}
	const q = `
		INSERT INTO sessions (id, user_id, title, status, created_at, updated_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	if _, err := c.db.ExecContext(ctx, q,
		s.ID, s.UserID, s.Title, string(s.Status), s.CreatedAt.UTC(), s.UpdatedAt.UTC(), s.LastActivityAt.UTC()); err != nil {
		return err
	}
	c.notify(models.Change{Table: models.TableSessions, Op: models.OpInsert, ID: s.ID, SessionID: s.ID})
	return nil
}

const sessionColumns = `id, user_id, title, status, created_at, updated_at, last_activity_at`

func scanSession(row interface{ Scan(...any) error }) (*models.Session, error) {
	var s models.Session
	var status string
	if err := row.Scan(&s.ID, &s.UserID, &s.Title, &status, &s.CreatedAt, &s.UpdatedAt, &s.LastActivityAt); err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	s.LastActivityAt = s.LastActivityAt.UTC()
	return &s, nil
}

func (c *DatabaseClient) GetSession(ctx context.Context, id string) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return s, err
}

func (c *DatabaseClient) ListSessionsByUser(ctx context.Context, userID string, includeArchived bool) ([]models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE user_id = $1`
	args := []any{userID}
	if !includeArchived {
		q += ` AND status = $2`
		args = append(args, string(models.SessionActive))
	}
	q += ` ORDER BY last_activity_at DESC`

	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) CountActiveSessions(ctx context.Context, userID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = $1 AND status = $2`,
		userID, string(models.SessionActive)).Scan(&n)
	return n, err
}

func (c *DatabaseClient) UpdateSession(ctx context.Context, s *models.Session) error {
	const q = `
		UPDATE sessions
		SET title = $2, status = $3, updated_at = $4, last_activity_at = $5
		WHERE id = $1
	`
	res, err := c.db.ExecContext(ctx, q, s.ID, s.Title, string(s.Status), s.UpdatedAt.UTC(), s.LastActivityAt.UTC())
	if err != nil {
		return err
	}
	if err := expectRow(res); err != nil {
		return err
	}
	c.notify(models.Change{Table: models.TableSessions, Op: models.OpUpdate, ID: s.ID, SessionID: s.ID})
	return nil
}

func (c *DatabaseClient) TouchSession(ctx context.Context, id string, at time.Time) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = $2, updated_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (c *DatabaseClient) DeleteSession(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if err := expectRow(res); err != nil {
		return err
	}
	c.notify(models.Change{Table: models.TableSessions, Op: models.OpDelete, ID: id, SessionID: id})
	return nil
}

// Messages

func (c *DatabaseClient) InsertMessage(ctx context.Context, m *models.Message) error {
	if m == nil {
		return errors.New("nil message")
	}
	meta, err := encodeMetadata(m.Metadata)
	if err != nil {
		return err
	}
	const q = `
		INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	if _, err := c.db.ExecContext(ctx, q, m.ID, m.SessionID, string(m.Role), m.Content, meta, m.CreatedAt.UTC()); err != nil {
		return err
	}
	c.notify(models.Change{Table: models.TableMessages, Op: models.OpInsert, ID: m.ID, SessionID: m.SessionID, Role: m.Role})
	return nil
}

func (c *DatabaseClient) ListMessages(ctx context.Context, sessionID string) ([]models.Message, error) {
	q := `
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages
		WHERE session_id = $1
		ORDER BY ` + c.dialect.messageOrder

	rows, err := c.db.QueryContext(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.Message{}
	for rows.Next() {
		var (
			m    models.Message
			role string
			meta []byte
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &role, &m.Content, &meta, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for message %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *DatabaseClient) UpdateMessageContent(ctx context.Context, id, content string) error {
	var sessionID, role string
	err := c.db.QueryRowContext(ctx,
		`UPDATE messages SET content = $2 WHERE id = $1 RETURNING session_id, role`, id, content).Scan(&sessionID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}
	c.notify(models.Change{Table: models.TableMessages, Op: models.OpUpdate, ID: id, SessionID: sessionID, Role: models.Role(role)})
	return nil
}

// Task runs

const taskRunColumns = `id, session_id, run_id, status, last_event_id, brief, result, completed_at, reconciled_at, created_at, updated_at`

func scanTaskRun(row interface{ Scan(...any) error }) (*models.TaskRun, error) {
	var (
		r           models.TaskRun
		status      string
		lastEventID sql.NullString
		brief       sql.NullString
		result      []byte
		completedAt sql.NullTime
		reconciled  sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.SessionID, &r.RunID, &status, &lastEventID, &brief, &result,
		&completedAt, &reconciled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = models.TaskStatus(status)
	r.LastEventID = lastEventID.String
	r.Brief = brief.String
	if len(result) > 0 {
		r.Result = json.RawMessage(result)
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		r.CompletedAt = &t
	}
	if reconciled.Valid {
		t := reconciled.Time.UTC()
		r.ReconciledAt = &t
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func (c *DatabaseClient) CreateTaskRun(ctx context.Context, r *models.TaskRun) error {
	if r == nil {
		return errors.New("nil task run")
	}
	const q = `
		INSERT INTO task_runs (id, session_id, run_id, status, last_event_id, brief, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := c.db.ExecContext(ctx, q, r.ID, r.SessionID, r.RunID, string(r.Status),
		nullString(r.LastEventID), nullString(r.Brief), r.CreatedAt.UTC(), r.UpdatedAt.UTC()); err != nil {
		return err
	}
	c.notify(models.Change{Table: models.TableTaskRuns, Op: models.OpInsert, ID: r.ID, SessionID: r.SessionID, RunID: r.RunID, Status: r.Status})
	return nil
}

func (c *DatabaseClient) GetTaskRun(ctx context.Context, runID string) (*models.TaskRun, error) {
	q := `SELECT ` + taskRunColumns + ` FROM task_runs WHERE run_id = $1`
	r, err := scanTaskRun(c.db.QueryRowContext(ctx, q, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	return r, err
}

func (c *DatabaseClient) ListTaskRunsBySession(ctx context.Context, sessionID string) ([]models.TaskRun, error) {
	q := `SELECT ` + taskRunColumns + ` FROM task_runs WHERE session_id = $1 ORDER BY created_at ASC`
	return c.queryTaskRuns(ctx, q, sessionID)
}

func (c *DatabaseClient) queryTaskRuns(ctx context.Context, q string, args ...any) ([]models.TaskRun, error) {
	rows, err := c.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []models.TaskRun{}
	for rows.Next() {
		r, err := scanTaskRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// terminalList renders the terminal statuses as a SQL literal list.
func terminalList() string {
	parts := make([]string, len(models.TerminalStatuses))
	for i, s := range models.TerminalStatuses {
		parts[i] = "'" + string(s) + "'"
	}
	return strings.Join(parts, ", ")
}

func (c *DatabaseClient) UpdateTaskRunStatus(ctx context.Context, runID string, status models.TaskStatus) (bool, error) {
	q := `
		UPDATE task_runs
		SET status = $2, updated_at = $3
		WHERE run_id = $1 AND status <> $2 AND status NOT IN (` + terminalList() + `)
		RETURNING id, session_id
	`
	var id, sessionID string
	err := c.db.QueryRowContext(ctx, q, runID, string(status), c.now()).Scan(&id, &sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := c.GetTaskRun(ctx, runID); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.notify(models.Change{Table: models.TableTaskRuns, Op: models.OpUpdate, ID: id, SessionID: sessionID, RunID: runID, Status: status})
	return true, nil
}

func (c *DatabaseClient) UpdateTaskRunCursor(ctx context.Context, runID, lastEventID string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE task_runs SET last_event_id = $2 WHERE run_id = $1`, runID, lastEventID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (c *DatabaseClient) SaveTaskRunResult(ctx context.Context, runID string, result []byte, completedAt time.Time) error {
	const q = `
		UPDATE task_runs
		SET result = $2, completed_at = $3, updated_at = $4
		WHERE run_id = $1
		RETURNING id, session_id, status
	`
	var id, sessionID, status string
	err := c.db.QueryRowContext(ctx, q, runID, nullString(string(result)), completedAt.UTC(), c.now()).Scan(&id, &sessionID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return core.ErrNotFound
	}
	if err != nil {
		return err
	}
	c.notify(models.Change{Table: models.TableTaskRuns, Op: models.OpUpdate, ID: id, SessionID: sessionID, RunID: runID, Status: models.TaskStatus(status)})
	return nil
}

func (c *DatabaseClient) ClaimReconciliation(ctx context.Context, runID string, at time.Time) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE task_runs SET reconciled_at = $2 WHERE run_id = $1 AND reconciled_at IS NULL`, runID, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := c.GetTaskRun(ctx, runID); err != nil {
		return false, err
	}
	return false, nil
}

func (c *DatabaseClient) ReleaseReconciliation(ctx context.Context, runID string) error {
	res, err := c.db.ExecContext(ctx, `UPDATE task_runs SET reconciled_at = NULL WHERE run_id = $1`, runID)
	if err != nil {
		return err
	}
	return expectRow(res)
}

func (c *DatabaseClient) ListStaleTaskRuns(ctx context.Context, updatedBefore time.Time, limit int) ([]models.TaskRun, error) {
	q := `SELECT ` + taskRunColumns + `
		FROM task_runs
		WHERE status NOT IN (` + terminalList() + `) AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2`
	if limit <= 0 {
		limit = 100
	}
	return c.queryTaskRuns(ctx, q, updatedBefore.UTC(), limit)
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

func encodeMetadata(m models.Metadata) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ core.Store = (*DatabaseClient)(nil)
