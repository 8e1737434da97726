package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/harrier/internal/domain"
	_ "modernc.org/sqlite"
)

const (
	defaultSQLitePath   = "./harrier.db"
	defaultPostgresHost = "localhost"
	defaultPostgresPort = 5432
	defaultPostgresDB   = "harrier"

	pingTimeout = 5 * time.Second
)

// sqlitePragmas are applied on every connection. Events are append-heavy,
// so WAL with NORMAL sync keeps triage latency flat.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// dataSource returns the database/sql driver name and DSN for cfg.
func dataSource(cfg domain.RepositoryConfig) (driverName, dsn string, err error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		q := make([]string, len(sqlitePragmas))
		for i, p := range sqlitePragmas {
			q[i] = "_pragma=" + p
		}
		return "sqlite", "file:" + path + "?" + strings.Join(q, "&"), nil

	case "postgres":
		if cfg.PostgresURL != "" {
			u, err := url.Parse(cfg.PostgresURL)
			if err != nil {
				return "", "", fmt.Errorf("invalid postgres url: %w", err)
			}
			if u.Scheme != "postgres" && u.Scheme != "postgresql" {
				return "", "", fmt.Errorf("invalid postgres url scheme %q", u.Scheme)
			}
			return "postgres", cfg.PostgresURL, nil
		}
		return "postgres", postgresURL(cfg).String(), nil

	default:
		return "", "", fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}
}

// postgresURL builds a lib/pq connection URL. Credentials are escaped, so
// passwords may contain any character.
func postgresURL(cfg domain.RepositoryConfig) *url.URL {
	host := cfg.PostgresHost
	if host == "" {
		host = defaultPostgresHost
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = defaultPostgresPort
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = defaultPostgresDB
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host, strconv.Itoa(port)),
		Path:   "/" + dbname,
		RawQuery: url.Values{
			"sslmode":          {sslmode},
			"application_name": {"harrier"},
		}.Encode(),
	}
	switch {
	case cfg.PostgresUser != "" && cfg.PostgresPassword != "":
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	case cfg.PostgresUser != "":
		u.User = url.User(cfg.PostgresUser)
	}
	return u
}

// openDB opens and pings the configured database and applies the pool
// settings.
func openDB(cfg domain.RepositoryConfig) (*sql.DB, error) {
	driverName, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Driver == "sqlite" {
		path := cfg.SQLitePath
		if path == "" {
			path = defaultSQLitePath
		}
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", cfg.Driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", cfg.Driver, err)
	}
	return db, nil
}
