package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Open opens a DB and ensures schema exists.
func Open(ctx context.Context, driver Driver, dsn string) (*sql.DB, error) {
	var drvName string
	switch driver {
	case DriverSQLite:
		drvName = "sqlite" // modernc driver
		if dsn == "" {
			dsn = "file:livelearn.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
		}
	case DriverPostgres:
		drvName = "pgx" // pgx stdlib driver
		if dsn == "" {
			dsn = "postgres://localhost:5432/livelearn?sslmode=disable"
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", driver)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// single writer; shared-cache memory DBs also need the one connection kept alive
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if err := ensureSchema(ctx, db, driver); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB, driver Driver) error {
	schema := schemaSQLite
	if driver == DriverPostgres {
		schema = schemaPostgres
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		// some drivers reject multi-statement scripts
		for _, stmt := range strings.Split(schema, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, e := db.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("schema: %w", e)
			}
		}
	}
	return nil
}

const schemaSQLite = `
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS consumers (
  domain TEXT PRIMARY KEY,
  base_url TEXT NOT NULL,
  issuer TEXT NOT NULL DEFAULT '',
  client_id TEXT NOT NULL,
  client_secret TEXT NOT NULL,
  lti_client_id TEXT NOT NULL DEFAULT '',
  deployment_id TEXT NOT NULL DEFAULT '',
  key_id TEXT NOT NULL DEFAULT '',
  private_key TEXT NOT NULL DEFAULT '',
  auth_url TEXT NOT NULL DEFAULT '',
  jwks_url TEXT NOT NULL DEFAULT '',
  token_url TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS courses (
  id TEXT PRIMARY KEY,
  local_course_id TEXT NOT NULL,
  domain TEXT NOT NULL,
  access_token TEXT NOT NULL DEFAULT '',
  refresh_token TEXT NOT NULL DEFAULT '',
  ags_token TEXT NOT NULL DEFAULT '',
  instructors_json TEXT NOT NULL DEFAULT '[]',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS polls (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  title TEXT NOT NULL,
  points REAL NOT NULL DEFAULT 0,
  questions_json TEXT NOT NULL,
  assignment_id TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS scores (
  poll_id TEXT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
  uid TEXT NOT NULL,
  points REAL NOT NULL DEFAULT 0,
  questions_json TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  PRIMARY KEY (poll_id, uid)
);

CREATE TABLE IF NOT EXISTS sessions (
  course_id TEXT PRIMARY KEY,
  poll_id TEXT NOT NULL,
  question_index INTEGER NOT NULL DEFAULT 0,
  show_answer INTEGER NOT NULL DEFAULT 0,
  active_users_json TEXT NOT NULL DEFAULT '[]',
  user_answered_json TEXT NOT NULL DEFAULT '[]',
  version INTEGER NOT NULL DEFAULT 0,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS temp (
  state TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  nonce TEXT NOT NULL DEFAULT '',
  domain TEXT NOT NULL DEFAULT '',
  course_id TEXT NOT NULL DEFAULT '',
  local_course_id TEXT NOT NULL DEFAULT '',
  uid TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  expires_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at INTEGER NOT NULL
);
`

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS consumers (
  domain TEXT PRIMARY KEY,
  base_url TEXT NOT NULL,
  issuer TEXT NOT NULL DEFAULT '',
  client_id TEXT NOT NULL,
  client_secret TEXT NOT NULL,
  lti_client_id TEXT NOT NULL DEFAULT '',
  deployment_id TEXT NOT NULL DEFAULT '',
  key_id TEXT NOT NULL DEFAULT '',
  private_key TEXT NOT NULL DEFAULT '',
  auth_url TEXT NOT NULL DEFAULT '',
  jwks_url TEXT NOT NULL DEFAULT '',
  token_url TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS courses (
  id TEXT PRIMARY KEY,
  local_course_id TEXT NOT NULL,
  domain TEXT NOT NULL,
  access_token TEXT NOT NULL DEFAULT '',
  refresh_token TEXT NOT NULL DEFAULT '',
  ags_token TEXT NOT NULL DEFAULT '',
  instructors_json TEXT NOT NULL DEFAULT '[]',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS polls (
  id TEXT PRIMARY KEY,
  course_id TEXT NOT NULL REFERENCES courses(id) ON DELETE CASCADE,
  title TEXT NOT NULL,
  points DOUBLE PRECISION NOT NULL DEFAULT 0,
  questions_json TEXT NOT NULL,
  assignment_id TEXT NOT NULL DEFAULT '',
  created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS scores (
  poll_id TEXT NOT NULL REFERENCES polls(id) ON DELETE CASCADE,
  uid TEXT NOT NULL,
  points DOUBLE PRECISION NOT NULL DEFAULT 0,
  questions_json TEXT NOT NULL,
  updated_at BIGINT NOT NULL,
  PRIMARY KEY (poll_id, uid)
);

CREATE TABLE IF NOT EXISTS sessions (
  course_id TEXT PRIMARY KEY,
  poll_id TEXT NOT NULL,
  question_index INTEGER NOT NULL DEFAULT 0,
  show_answer INTEGER NOT NULL DEFAULT 0,
  active_users_json TEXT NOT NULL DEFAULT '[]',
  user_answered_json TEXT NOT NULL DEFAULT '[]',
  version BIGINT NOT NULL DEFAULT 0,
  updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS temp (
  state TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  nonce TEXT NOT NULL DEFAULT '',
  domain TEXT NOT NULL DEFAULT '',
  course_id TEXT NOT NULL DEFAULT '',
  local_course_id TEXT NOT NULL DEFAULT '',
  uid TEXT NOT NULL DEFAULT '',
  name TEXT NOT NULL DEFAULT '',
  expires_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS event_log (
  seq BIGSERIAL PRIMARY KEY,
  typ TEXT NOT NULL,
  key TEXT NOT NULL,
  data TEXT NOT NULL,
  created_at BIGINT NOT NULL
);
`
