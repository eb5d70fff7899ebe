package catalog

import (
	"context"
	"database/sql"
	"errors"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/observability"
)

// Migrate applies the catalog schema migrations located at migrationsDir to
// the Postgres instance reachable via dsn.
func Migrate(ctx context.Context, dsn, migrationsDir string, log observability.Logger) error {
	if log == nil {
		log = observability.Log()
	}
	dir, err := filepath.Abs(strings.TrimSpace(migrationsDir))
	if err != nil || migrationsDir == "" {
		return errs.New("catalog/migrate", errs.CodeInvalid,
			errs.WithMessage("migrations directory required"), errs.WithCause(err))
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("catalog/migrate", errs.CodeUnavailable,
			errs.WithMessage("open migrations connection"), errs.WithCause(err))
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return errs.New("catalog/migrate", errs.CodeUnavailable,
			errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	var driverConfig pgxv5.Config
	driver, err := pgxv5.WithInstance(db, &driverConfig)
	if err != nil {
		return errs.New("catalog/migrate", errs.CodeUnavailable,
			errs.WithMessage("initialise migrate driver"), errs.WithCause(err))
	}

	m, err := migrate.NewWithDatabaseInstance(fileURL(dir), "pgx5", driver)
	if err != nil {
		return errs.New("catalog/migrate", errs.CodeUnavailable,
			errs.WithMessage("initialise migrate instance"), errs.WithCause(err))
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("catalog schema up to date", observability.F("dir", dir))
			return nil
		}
		return errs.New("catalog/migrate", errs.CodeUnavailable,
			errs.WithMessage("apply catalog migrations"), errs.WithCause(err))
	}
	log.Info("catalog migrations applied", observability.F("dir", dir))
	return nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}
