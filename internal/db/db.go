package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"taskgen/internal/migrate"
)

type Config struct {
	Path         string
	BusyTimeout  time.Duration
	MaxOpenConns int
}

func dsn(cfg Config) string {
	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)",
		cfg.Path, busy.Milliseconds())
}

// Open opens the SQLite database, creating its directory if missing.
func Open(cfg Config) (*sql.DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite", dsn(cfg))
	if err != nil {
		return nil, err
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	conn.SetMaxOpenConns(maxOpen)
	return conn, nil
}

const pingTimeout = 5 * time.Second

// Pool is the process-scoped database handle shared by every scan invocation.
// The connection is opened and migrated on first use and reopened when a ping fails.
type Pool struct {
	cfg Config

	mu   sync.Mutex
	conn *sql.DB
}

func NewPool(cfg Config) *Pool {
	return &Pool{cfg: cfg}
}

// Conn returns a live, migrated handle.
func (p *Pool) Conn(ctx context.Context) (*sql.DB, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		// The handle is shared, so only its own failure may close it, never
		// the caller giving up.
		pingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
		err := p.conn.PingContext(pingCtx)
		cancel()
		if err == nil {
			return p.conn, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		p.conn.Close()
		p.conn = nil
	}
	conn, err := Open(p.cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping %s: %w", p.cfg.Path, err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

// Close releases the handle; a later Conn reopens it.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
