package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"slices"
	"strings"

	persistence "github.com/goliatone/go-persistence-bun"
	workqueue "github.com/goliatone/go-workqueue"
	"github.com/goliatone/go-workqueue/core"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	rootPath = "data/sql/migrations"
	upSuffix = ".up.sql"
)

// Target binds a configured driver name to its database/sql driver, bun
// dialect and migration tree.
type Target struct {
	Dialect   string
	SQLDriver string
	Bun       schema.Dialect
}

// ResolveDriver maps database.driver values to a Target. Postgres accepts
// postgres, postgresql and pg; SQLite accepts sqlite and sqlite3.
func ResolveDriver(driver string) (Target, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "postgresql", "pg":
		return Target{Dialect: DialectPostgres, SQLDriver: "postgres", Bun: pgdialect.New()}, nil
	case "sqlite", "sqlite3":
		return Target{Dialect: DialectSQLite, SQLDriver: "sqlite3", Bun: sqlitedialect.New()}, nil
	default:
		return Target{}, core.BadInputError(
			fmt.Sprintf("migrations: unsupported database driver %q", driver),
			map[string]any{"driver": driver},
		)
	}
}

// Tree is one dialect's migration directory.
type Tree struct {
	Dialect  string
	Path     string
	FS       fs.FS
	Versions []string
}

// Trees returns the postgres and sqlite trees under root, or the embedded
// schema when root is nil. Every up file needs a down file, and both dialects
// must carry the same versions.
func Trees(root fs.FS) ([]Tree, error) {
	if root == nil {
		root = workqueue.GetMigrationsFS()
	}
	if info, err := fs.Stat(root, rootPath); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("migrations: %s not found", rootPath)
	}

	trees := make([]Tree, 0, 2)
	for _, spec := range []struct{ dialect, path string }{
		{DialectPostgres, rootPath},
		{DialectSQLite, rootPath + "/sqlite"},
	} {
		sub, err := fs.Sub(root, spec.path)
		if err != nil {
			return nil, fmt.Errorf("migrations: resolve %s tree: %w", spec.dialect, err)
		}
		versions, err := versionsOf(sub, spec.path)
		if err != nil {
			return nil, err
		}
		trees = append(trees, Tree{Dialect: spec.dialect, Path: spec.path, FS: sub, Versions: versions})
	}

	if !slices.Equal(trees[0].Versions, trees[1].Versions) {
		return nil, fmt.Errorf(
			"migrations: dialect trees diverge: postgres %v, sqlite %v",
			trees[0].Versions, trees[1].Versions,
		)
	}
	return trees, nil
}

// TreeFor returns the tree for one dialect.
func TreeFor(root fs.FS, dialect string) (Tree, error) {
	trees, err := Trees(root)
	if err != nil {
		return Tree{}, err
	}
	for _, tree := range trees {
		if tree.Dialect == dialect {
			return tree, nil
		}
	}
	return Tree{}, fmt.Errorf("migrations: no tree for dialect %q", dialect)
}

// Apply registers the dialect's tree on client and runs pending migrations.
func Apply(ctx context.Context, client *persistence.Client, dialect string) error {
	if client == nil {
		return fmt.Errorf("migrations: persistence client is required")
	}
	tree, err := TreeFor(nil, dialect)
	if err != nil {
		return err
	}
	client.RegisterSQLMigrations(tree.FS)
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrations: apply %s (%s): %w", dialect, tree.Path, err)
	}
	return nil
}

func versionsOf(fsys fs.FS, path string) ([]string, error) {
	ups, err := fs.Glob(fsys, "*"+upSuffix)
	if err != nil {
		return nil, fmt.Errorf("migrations: glob %s: %w", path, err)
	}
	if len(ups) == 0 {
		return nil, fmt.Errorf("migrations: %s has no *%s files", path, upSuffix)
	}
	versions := make([]string, 0, len(ups))
	for _, up := range ups {
		version := strings.TrimSuffix(up, upSuffix)
		if _, err := fs.Stat(fsys, version+".down.sql"); err != nil {
			return nil, fmt.Errorf("migrations: %s/%s has no down migration", path, up)
		}
		versions = append(versions, version)
	}
	slices.Sort(versions)
	return versions, nil
}
