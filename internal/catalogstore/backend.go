package catalogstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	backendOpenTimeout = 5 * time.Second
	sqliteParams       = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
)

// rebind rewrites ? placeholders to $N for postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		if c == '\'' {
			inQuote = !inQuote
		}
		if c == '?' && !inQuote {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// Backend is an opened database plus what Open needs to drive it.
type Backend struct {
	DB      *sql.DB
	Dialect Dialect
	Cleanup func() error
}

type BackendFactory func(ctx context.Context, dsn string) (Backend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

func lookupBackendFactory(scheme string) (BackendFactory, bool) {
	scheme = normalizeScheme(scheme)
	backendRegistry.mu.RLock()
	defer backendRegistry.mu.RUnlock()
	factory, ok := backendRegistry.factories[scheme]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// openBackend picks a database by DSN scheme. Bare paths and file:// or sqlite://
// URLs open an embedded SQLite file; memory:// opens SQLite in a throwaway
// directory; postgres:// uses lib/pq.
func openBackend(ctx context.Context, dsn string) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return Backend{}, ErrInvalidDSN
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		// Windows-style or otherwise unparsable paths are treated as files.
		return openSQLite(ctx, dsn)
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupBackendFactory(scheme); ok {
		return factory(ctx, dsn)
	}
	switch scheme {
	case "", "file", "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return Backend{}, pathErr
		}
		return openSQLite(ctx, path)
	case "memory", "mem", "inmem":
		dir, err := os.MkdirTemp("", "catalogd-store-*")
		if err != nil {
			return Backend{}, err
		}
		backend, err := openSQLite(ctx, filepath.Join(dir, "catalog.db"))
		if err != nil {
			_ = os.RemoveAll(dir)
			return Backend{}, err
		}
		backend.Cleanup = func() error { return os.RemoveAll(dir) }
		return backend, nil
	case "postgres", "postgresql":
		return openPostgres(ctx, dsn)
	case "mysql", "cockroach", "cockroachdb":
		return Backend{}, fmt.Errorf("%w: catalog store backend %s", ErrNotImplemented, scheme)
	default:
		return Backend{}, fmt.Errorf("unsupported catalog store scheme: %s", scheme)
	}
}

func openSQLite(ctx context.Context, path string) (Backend, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Backend{}, fmt.Errorf("ensure store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+sqliteParams)
	if err != nil {
		return Backend{}, err
	}
	if err := pingWithTimeout(ctx, db); err != nil {
		_ = db.Close()
		return Backend{}, err
	}
	return Backend{DB: db, Dialect: DialectSQLite}, nil
}

func openPostgres(ctx context.Context, dsn string) (Backend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Backend{}, err
	}
	if err := pingWithTimeout(ctx, db); err != nil {
		_ = db.Close()
		return Backend{}, err
	}
	return Backend{DB: db, Dialect: DialectPostgres}, nil
}

func pingWithTimeout(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, backendOpenTimeout)
	defer cancel()
	return db.PingContext(ctx)
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidDSN
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidDSN
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	} else if host := strings.TrimSpace(parsed.Host); host != "" {
		// sqlite://data/catalog.db parses "data" as the host.
		path = filepath.Join(host, path)
	}
	if path == "" {
		return "", ErrInvalidDSN
	}
	return path, nil
}
