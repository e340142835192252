package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type dialect struct {
	driver   string
	numbered bool // $1, $2 placeholders instead of ?
	schema   []string
	// syncRequestIDs moves the request id generator past ids inserted
	// explicitly. Empty when the generator already tracks them.
	syncRequestIDs string
}

var sqliteDialect = dialect{
	driver: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			has_secret BOOLEAN NOT NULL DEFAULT 0,
			secret TEXT NOT NULL DEFAULT '',
			last_request_at INTEGER,
			is_active BOOLEAN NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			received_at INTEGER NOT NULL,
			method TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			query_string TEXT NOT NULL DEFAULT '',
			headers TEXT NOT NULL DEFAULT '{}',
			content_type TEXT NOT NULL DEFAULT '',
			client_address TEXT NOT NULL DEFAULT '',
			body TEXT,
			is_body_base64 BOOLEAN NOT NULL DEFAULT 0,
			is_body_truncated BOOLEAN NOT NULL DEFAULT 0,
			status_code_returned INTEGER NOT NULL DEFAULT 200
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_endpoint_id ON requests(endpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_received_at ON requests(received_at)`,
	},
}

var postgresDialect = dialect{
	driver:   "pgx",
	numbered: true,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			created_at BIGINT NOT NULL,
			description VARCHAR(200) NOT NULL DEFAULT '',
			has_secret BOOLEAN NOT NULL DEFAULT FALSE,
			secret TEXT NOT NULL DEFAULT '',
			last_request_at BIGINT,
			is_active BOOLEAN NOT NULL DEFAULT TRUE
		)`,
		`CREATE TABLE IF NOT EXISTS requests (
			id BIGSERIAL PRIMARY KEY,
			endpoint_id TEXT NOT NULL REFERENCES endpoints(id) ON DELETE CASCADE,
			received_at BIGINT NOT NULL,
			method VARCHAR(16) NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			query_string TEXT NOT NULL DEFAULT '',
			headers TEXT NOT NULL DEFAULT '{}',
			content_type TEXT NOT NULL DEFAULT '',
			client_address TEXT NOT NULL DEFAULT '',
			body TEXT,
			is_body_base64 BOOLEAN NOT NULL DEFAULT FALSE,
			is_body_truncated BOOLEAN NOT NULL DEFAULT FALSE,
			status_code_returned INTEGER NOT NULL DEFAULT 200
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_endpoint_id ON requests(endpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_received_at ON requests(received_at)`,
	},
	syncRequestIDs: `SELECT setval(pg_get_serial_sequence('requests', 'id'), (SELECT MAX(id) FROM requests))`,
}

// isUniqueViolation reports whether err is a primary key or unique
// constraint failure from either driver.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

// rebind rewrites ? placeholders for drivers that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
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

// SQLStore is the relational Store. Request ids come from the database's
// auto-increment column and endpoint deletion cascades in one transaction.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"

// NewSQLiteStore opens (and migrates) a SQLite database at path.
func NewSQLiteStore(path string) (*SQLStore, error) {
	dsn := path
	if strings.Contains(dsn, "?") {
		dsn += "&" + sqlitePragmas
	} else {
		dsn += "?" + sqlitePragmas
	}
	return openSQL(sqliteDialect, dsn, func(db *sql.DB) {
		// One writer at a time avoids SQLITE_BUSY under concurrent captures.
		db.SetMaxOpenConns(1)
	})
}

// NewPostgresStore opens (and migrates) a PostgreSQL database.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	return openSQL(postgresDialect, dsn, func(db *sql.DB) {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	})
}

func openSQL(d dialect, dsn string, tune func(*sql.DB)) (*SQLStore, error) {
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, wrap("open", err)
	}
	tune(db)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, wrap("ping", err)
	}

	s := &SQLStore{db: db, dialect: d}
	if err := s.init(); err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}
	return s, nil
}

func (s *SQLStore) init() error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) CascadesRequests() bool { return true }

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func (s *SQLStore) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		INSERT INTO endpoints (id, created_at, description, has_secret, secret, last_request_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, toNanos(e.CreatedAt), e.Description, e.HasSecret, e.Secret, nullableNanos(e.LastRequestAt), e.IsActive)
	if err != nil {
		return wrap("create endpoint", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("endpoint %s: %w", e.ID, ErrConflict)
	}
	return nil
}

const endpointColumns = `id, created_at, description, has_secret, secret, last_request_at, is_active`

type scanner interface {
	Scan(dest ...any) error
}

func scanEndpoint(row scanner) (*Endpoint, error) {
	var (
		e           Endpoint
		createdAt   int64
		lastRequest sql.NullInt64
	)
	if err := row.Scan(&e.ID, &createdAt, &e.Description, &e.HasSecret, &e.Secret, &lastRequest, &e.IsActive); err != nil {
		return nil, err
	}
	e.CreatedAt = fromNanos(createdAt)
	if lastRequest.Valid {
		t := fromNanos(lastRequest.Int64)
		e.LastRequestAt = &t
	}
	return &e, nil
}

func (s *SQLStore) GetEndpoint(ctx context.Context, id string) (*Endpoint, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`), id)
	e, err := scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("endpoint %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get endpoint", err)
	}
	return e, nil
}

func (s *SQLStore) ListEndpoints(ctx context.Context) ([]*Endpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM endpoints ORDER BY created_at DESC`)
	if err != nil {
		return nil, wrap("list endpoints", err)
	}
	defer rows.Close()

	endpoints := []*Endpoint{}
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, wrap("list endpoints", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, wrap("list endpoints", rows.Err())
}

func (s *SQLStore) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	if err := e.Validate(); err != nil {
		return err
	}
	res, err := s.exec(ctx, `
		UPDATE endpoints
		SET description = ?, has_secret = ?, secret = ?, last_request_at = ?, is_active = ?
		WHERE id = ?
	`, e.Description, e.HasSecret, e.Secret, nullableNanos(e.LastRequestAt), e.IsActive, e.ID)
	if err != nil {
		return wrap("update endpoint", err)
	}
	return affected(res, "endpoint "+e.ID)
}

func (s *SQLStore) DeleteEndpoint(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("delete endpoint", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM requests WHERE endpoint_id = ?`), id); err != nil {
		return wrap("delete endpoint", err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM endpoints WHERE id = ?`), id)
	if err != nil {
		return wrap("delete endpoint", err)
	}
	if err := affected(res, "endpoint "+id); err != nil {
		return err
	}
	return wrap("delete endpoint", tx.Commit())
}

func (s *SQLStore) AppendRequest(ctx context.Context, req *Request) (int64, error) {
	headers, err := json.Marshal(req.Headers)
	if err != nil {
		return 0, wrap("append request", err)
	}

	var body sql.NullString
	if req.Body != nil {
		body = sql.NullString{String: *req.Body, Valid: true}
	}

	args := []any{
		req.EndpointID, toNanos(req.ReceivedAt), req.Method, req.Path, req.QueryString,
		string(headers), req.ContentType, req.ClientAddress, body,
		req.IsBodyBase64, req.IsBodyTruncated, req.StatusCodeReturned,
	}
	columns := `endpoint_id, received_at, method, path, query_string, headers, content_type, client_address, body, is_body_base64, is_body_truncated, status_code_returned`
	placeholders := `?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?`
	if req.ID != 0 {
		columns = "id, " + columns
		placeholders = "?, " + placeholders
		args = append([]any{req.ID}, args...)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("append request", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO requests (`+columns+`) VALUES (`+placeholders+`) RETURNING id`,
	), args...).Scan(&id)
	if isUniqueViolation(err) {
		return 0, fmt.Errorf("request %s/%d: %w", req.EndpointID, req.ID, ErrConflict)
	}
	if err != nil {
		return 0, wrap("append request", err)
	}
	if req.ID != 0 && s.dialect.syncRequestIDs != "" {
		if _, err := tx.ExecContext(ctx, s.dialect.syncRequestIDs); err != nil {
			return 0, wrap("append request", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, wrap("append request", err)
	}
	req.ID = id
	return id, nil
}

const requestColumns = `id, endpoint_id, received_at, method, path, query_string, headers, content_type, client_address, body, is_body_base64, is_body_truncated, status_code_returned`

func scanRequest(row scanner) (*Request, error) {
	var (
		r          Request
		receivedAt int64
		headers    string
		body       sql.NullString
	)
	err := row.Scan(&r.ID, &r.EndpointID, &receivedAt, &r.Method, &r.Path, &r.QueryString, &headers,
		&r.ContentType, &r.ClientAddress, &body, &r.IsBodyBase64, &r.IsBodyTruncated, &r.StatusCodeReturned)
	if err != nil {
		return nil, err
	}
	r.ReceivedAt = fromNanos(receivedAt)
	if err := json.Unmarshal([]byte(headers), &r.Headers); err != nil {
		return nil, fmt.Errorf("decode headers of request %d: %w", r.ID, err)
	}
	if body.Valid {
		b := body.String
		r.Body = &b
	}
	return &r, nil
}

func (s *SQLStore) GetRequest(ctx context.Context, endpointID string, id int64) (*Request, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`SELECT `+requestColumns+` FROM requests WHERE endpoint_id = ? AND id = ?`,
	), endpointID, id)
	r, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("request %s/%d: %w", endpointID, id, ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get request", err)
	}
	return r, nil
}

func (s *SQLStore) ListRequests(ctx context.Context, endpointID string) ([]*Request, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(`
		SELECT `+requestColumns+`
		FROM requests
		WHERE endpoint_id = ?
		ORDER BY received_at DESC, id DESC
	`), endpointID)
	if err != nil {
		return nil, wrap("list requests", err)
	}
	defer rows.Close()

	reqs := []*Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, wrap("list requests", err)
		}
		reqs = append(reqs, r)
	}
	return reqs, wrap("list requests", rows.Err())
}

// DeleteRequestsForEndpoint removes every request of one endpoint in a
// single statement.
func (s *SQLStore) DeleteRequestsForEndpoint(ctx context.Context, endpointID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM requests WHERE endpoint_id = ?`, endpointID)
	if err != nil {
		return 0, wrap("clear requests", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("clear requests", err)
}

func (s *SQLStore) DeleteRequest(ctx context.Context, endpointID string, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM requests WHERE endpoint_id = ? AND id = ?`, endpointID, id)
	if err != nil {
		return wrap("delete request", err)
	}
	return affected(res, fmt.Sprintf("request %s/%d", endpointID, id))
}

// DeleteRequestsOlderThan removes requests by their own received_at.
func (s *SQLStore) DeleteRequestsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM requests WHERE received_at < ?`, toNanos(cutoff))
	if err != nil {
		return 0, wrap("delete old requests", err)
	}
	n, err := res.RowsAffected()
	return n, wrap("delete old requests", err)
}

// DeleteEndpointsOlderThan removes endpoints created before cutoff together
// with all of their requests.
func (s *SQLStore) DeleteEndpointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrap("delete old endpoints", err)
	}
	defer tx.Rollback()

	c := toNanos(cutoff)
	if _, err := tx.ExecContext(ctx, s.dialect.rebind(
		`DELETE FROM requests WHERE endpoint_id IN (SELECT id FROM endpoints WHERE created_at < ?)`,
	), c); err != nil {
		return 0, wrap("delete old endpoints", err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM endpoints WHERE created_at < ?`), c)
	if err != nil {
		return 0, wrap("delete old endpoints", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap("delete old endpoints", err)
	}
	return n, wrap("delete old endpoints", tx.Commit())
}

func nullableNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func affected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrap("rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
