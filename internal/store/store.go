package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/shardline/shardline/internal/config"
)

const (
	driverSQLite = "sqlite"
	driverLibsql = "libsql"
)

// libsqlAvailable is set by the cgo build, which links go-libsql.
var libsqlAvailable bool

// Store wraps the incident database.
type Store struct {
	DB     *sql.DB
	driver string
}

// Open connects to the database described by cfg and applies the local
// pragmas. Callers run Migrate before use.
func Open(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	driver := strings.TrimSpace(cfg.Driver)
	if driver == "" {
		driver = driverSQLite
	}

	var (
		dsn   string
		err   error
		local bool
	)
	switch driver {
	case driverSQLite:
		dsn, err = buildSQLiteDSN(cfg)
		local = true
	case driverLibsql:
		if !libsqlAvailable {
			return nil, errors.New("libsql driver requires a cgo build; use driver sqlite")
		}
		dsn, err = buildLibsqlDSN(cfg)
		local = strings.TrimSpace(cfg.URL) == ""
	default:
		return nil, fmt.Errorf("unsupported store driver: %s", driver)
	}
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}
	if local {
		// One connection keeps the pragmas in force and serializes writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}

	s := &Store{DB: db, driver: driver}
	if local {
		if err := s.configureLocal(ctx, dsn); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) configureLocal(ctx context.Context, dsn string) error {
	pragmas := []string{"PRAGMA busy_timeout = 5000"}
	if dsn != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		// journal_mode answers with a row, so use a query.
		rows, err := s.DB.QueryContext(ctx, p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		_ = rows.Close()
	}
	return nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// Driver returns the configured store driver.
func (s *Store) Driver() string {
	if s == nil {
		return ""
	}
	return s.driver
}

func buildSQLiteDSN(cfg config.StoreConfig) (string, error) {
	if strings.TrimSpace(cfg.URL) != "" {
		return "", errors.New("store url needs the libsql driver")
	}
	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("store path is required")
	case path == ":memory:":
		return path, nil
	case strings.HasPrefix(path, "file:"):
		local, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		return path, ensureStoreDir(local)
	}
	path = filepath.Clean(path)
	return path, ensureStoreDir(path)
}

func buildLibsqlDSN(cfg config.StoreConfig) (string, error) {
	if dsn := strings.TrimSpace(cfg.URL); dsn != "" {
		return addAuthToken(dsn, cfg.AuthToken)
	}

	path := strings.TrimSpace(cfg.Path)
	switch {
	case path == "":
		return "", errors.New("store path or url is required")
	case path == ":memory:", strings.HasPrefix(path, "libsql:"):
		return path, nil
	case strings.HasPrefix(path, "file:"):
		local, err := extractFilePath(path)
		if err != nil {
			return "", err
		}
		return path, ensureStoreDir(local)
	}
	if err := ensureStoreDir(path); err != nil {
		return "", err
	}
	return "file:" + filepath.Clean(path), nil
}

func addAuthToken(dsn string, token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return dsn, nil
	}

	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store url: %w", err)
	}

	query := parsed.Query()
	if query.Get("authToken") == "" {
		query.Set("authToken", token)
		parsed.RawQuery = query.Encode()
	}
	return parsed.String(), nil
}

func extractFilePath(dsn string) (string, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("invalid store path: %w", err)
	}
	if parsed.Path != "" {
		return strings.TrimPrefix(parsed.Path, "//"), nil
	}
	return strings.TrimPrefix(parsed.Opaque, "//"), nil
}

func ensureStoreDir(path string) error {
	if strings.TrimSpace(path) == "" || path == ":memory:" {
		return nil
	}

	dir := filepath.Dir(filepath.Clean(path))
	if dir == "." || dir == string(filepath.Separator) {
		return nil
	}

	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	return nil
}
