package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	hooks "github.com/goliatone/go-hooks"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	sourceLabel  = "go-hooks"
	postgresPath = "data/sql/migrations"
	sqlitePath   = postgresPath + "/sqlite"
)

// FilesystemSpec is one dialect's migration directory.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel string
	Dialects    []string
	Filesystems []FilesystemSpec
}

// RegisterFunc hands a dialect filesystem to the migrator. The persistence
// client records applied versions, so registering an applied tree is a no-op.
type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

// WithValidationTargets restricts registration to the given dialects.
func WithValidationTargets(targets ...string) Option {
	return func(r *Registration) {
		var dialects []string
		for _, target := range targets {
			target = strings.ToLower(strings.TrimSpace(target))
			if target != "" && !slices.Contains(dialects, target) {
				dialects = append(dialects, target)
			}
		}
		if len(dialects) > 0 {
			r.Dialects = dialects
		}
	}
}

// DialectForDriver maps a database/sql driver name to a migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Filesystems returns the embedded postgres tree and its sqlite sibling.
// Each must carry at least one *.up.sql file.
func Filesystems() ([]FilesystemSpec, error) {
	root := hooks.MigrationsFS()
	var filesystems []FilesystemSpec
	for _, spec := range []FilesystemSpec{
		{Dialect: DialectPostgres, Path: postgresPath},
		{Dialect: DialectSQLite, Path: sqlitePath},
	} {
		sub, err := fs.Sub(root, spec.Path)
		if err != nil {
			return nil, fmt.Errorf("migrations: resolve %s filesystem: %w", spec.Dialect, err)
		}
		matches, err := fs.Glob(sub, "*.up.sql")
		if err != nil {
			return nil, fmt.Errorf("migrations: glob %s: %w", spec.Path, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("migrations: %s filesystem %q has no *.up.sql files", spec.Dialect, spec.Path)
		}
		spec.FS = sub
		filesystems = append(filesystems, spec)
	}
	return filesystems, nil
}

// Versions lists the up migration names of a dialect in apply order.
func Versions(dialect string) ([]string, error) {
	filesystems, err := Filesystems()
	if err != nil {
		return nil, err
	}
	dialect = strings.TrimSpace(strings.ToLower(dialect))
	idx := slices.IndexFunc(filesystems, func(spec FilesystemSpec) bool { return spec.Dialect == dialect })
	if idx < 0 {
		return nil, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
	matches, err := fs.Glob(filesystems[idx].FS, "*.up.sql")
	if err != nil {
		return nil, err
	}
	slices.Sort(matches)
	for i, match := range matches {
		matches[i] = strings.TrimSuffix(match, ".up.sql")
	}
	return matches, nil
}

// Register passes every targeted dialect tree to registerFn. Both dialects
// are targeted unless WithValidationTargets narrows them.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel: sourceLabel,
		Dialects:    []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems()
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems
	for _, spec := range filesystems {
		if !slices.Contains(reg.Dialects, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	return reg, nil
}
