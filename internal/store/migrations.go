package store

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// Migration is one ordered, forward-only schema change. Statements are
// separated by semicolons and must not contain literal semicolons.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

// The DDL sticks to the subset SQLite and PostgreSQL share: TEXT ids,
// TIMESTAMP columns written in UTC, ON CONFLICT upserts.
var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		UpSQL: `
CREATE TABLE IF NOT EXISTS tenants (
    id TEXT PRIMARY KEY,
    slug TEXT NOT NULL UNIQUE,
    name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
    slug TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    UNIQUE (tenant_id, slug)
);

CREATE INDEX IF NOT EXISTS idx_projects_slug ON projects (slug);

CREATE TABLE IF NOT EXISTS pages (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    slug TEXT NOT NULL,
    html TEXT NOT NULL DEFAULT '',
    css TEXT NOT NULL DEFAULT '',
    components TEXT NOT NULL DEFAULT 'null',
    styles TEXT NOT NULL DEFAULT 'null',
    seo_title TEXT NOT NULL DEFAULT '',
    seo_description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (project_id, slug)
);

CREATE TABLE IF NOT EXISTS publications (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    page_slug TEXT NOT NULL,
    html TEXT NOT NULL,
    css TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    size_bytes BIGINT NOT NULL,
    deployment_path TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_publications_project_page ON publications (project_id, page_slug, created_at)
`,
	},
	{
		Version: 2,
		Name:    "domains",
		UpSQL: `
CREATE TABLE IF NOT EXISTS domains (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    hostname TEXT NOT NULL UNIQUE,
    status TEXT NOT NULL DEFAULT 'pending',
    verification_token TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    verified_at TIMESTAMP NULL
);

CREATE INDEX IF NOT EXISTS idx_domains_project ON domains (project_id)
`,
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
)`); err != nil {
		return xerrors.Wrap(err, "create schema_migrations")
	}

	var applied []int
	if err := s.db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return xerrors.Wrap(err, "read schema_migrations")
	}
	done := make(map[int]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		err := s.withTx(ctx, func(tx *sqlx.Tx) error {
			for _, stmt := range splitStatements(m.UpSQL) {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return xerrors.Wrapf(err, "migration %03d_%s", m.Version, m.Name)
				}
			}
			_, err := tx.ExecContext(ctx,
				tx.Rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
				m.Version, m.Name, s.now())
			return xerrors.Wrapf(err, "record migration %03d", m.Version)
		})
		if err != nil {
			return err
		}
		s.logger.Info(ctx, "applied migration", "version", m.Version, "name", m.Name)
	}
	return nil
}

func splitStatements(sql string) []string {
	var out []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
