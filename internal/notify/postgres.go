package notify

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var tableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]{0,62}$`)

// PostgresBackend appends events to a table with the event name and object
// key broken out for querying.
type PostgresBackend struct {
	connStr string
	table   string
	db      *sql.DB
	mu      sync.Mutex
}

func NewPostgresBackend(connStr, table string) (*PostgresBackend, error) {
	if table == "" {
		table = "gallery_events"
	}
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}
	return &PostgresBackend{connStr: connStr, table: table}, nil
}

func (p *PostgresBackend) Name() string {
	return "postgres"
}

func (p *PostgresBackend) conn(ctx context.Context) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db, nil
	}
	db, err := sql.Open("postgres", p.connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if _, err := db.ExecContext(ctx, p.createSQL()); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres create table: %w", err)
	}
	p.db = db
	return db, nil
}

func (p *PostgresBackend) createSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		event_time TIMESTAMPTZ DEFAULT NOW(),
		event_name TEXT NOT NULL,
		object_key TEXT NOT NULL,
		payload JSONB NOT NULL
	)`, p.table)
}

func (p *PostgresBackend) insertSQL() string {
	return fmt.Sprintf("INSERT INTO %s (event_name, object_key, payload) VALUES ($1, $2, $3)", p.table)
}

func (p *PostgresBackend) Publish(ctx context.Context, msg Message) error {
	db, err := p.conn(ctx)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, p.insertSQL(), msg.EventName, msg.Key, string(msg.Payload))
	return err
}

func (p *PostgresBackend) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
