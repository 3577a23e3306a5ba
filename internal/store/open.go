package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend names a supported database engine.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendSQLite   Backend = "sqlite"
)

// BackendFor picks the engine from the DSN scheme: postgres:// and
// postgresql:// select Postgres, sqlite:// and file: select SQLite.
func BackendFor(dsn string) (Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return BackendPostgres, nil
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "file:"):
		return BackendSQLite, nil
	}
	return "", fmt.Errorf("unsupported database url scheme in %q", redact(dsn))
}

// DB is a Store that also seeds the directory and owns its connections.
type DB interface {
	Store
	Registrar
	Close()
}

// Open migrates the database at dsn and connects to it.
func Open(ctx context.Context, dsn string) (DB, error) {
	backend, err := BackendFor(dsn)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}
	if backend == BackendPostgres {
		pg, err := NewPostgres(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := NewSQLite(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return lite, nil
}

var (
	_ DB    = (*Postgres)(nil)
	_ DB    = (*SQLite)(nil)
	_ Store = (*CachedStore)(nil)
)

// redact hides the password of a URL-style DSN for error messages.
func redact(dsn string) string {
	at := strings.Index(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	userinfo := dsn[scheme+3 : at]
	if i := strings.Index(userinfo, ":"); i >= 0 {
		return dsn[:scheme+3] + userinfo[:i] + ":***" + dsn[at:]
	}
	return dsn
}
