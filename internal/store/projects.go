package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

const projectColumns = `p.id, p.tenant_id, t.slug AS tenant_slug, p.slug, p.name, p.created_at`

// CreateOrGetTenant inserts the tenant if absent and returns the stored
// row. Concurrent first use converges on one row.
func (s *Store) CreateOrGetTenant(ctx context.Context, slug string) (*Tenant, error) {
	if err := ValidateSlug("tenant", slug); err != nil {
		return nil, err
	}
	var t *Tenant
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		t, err = s.ensureTenant(ctx, tx, slug)
		return err
	})
	return t, err
}

func (s *Store) ensureTenant(ctx context.Context, q queryer, slug string) (*Tenant, error) {
	_, err := q.ExecContext(ctx, q.Rebind(
		`INSERT INTO tenants (id, slug, name, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (slug) DO NOTHING`),
		newID(), slug, slug, s.now())
	if err != nil {
		return nil, mapErr(err, "tenant %q", slug)
	}
	var t Tenant
	if err := q.GetContext(ctx, &t, q.Rebind(
		`SELECT id, slug, name, created_at FROM tenants WHERE slug = ?`), slug); err != nil {
		return nil, notFound(err, "tenant %q", slug)
	}
	return &t, nil
}

// CreateProject creates a project, creating its tenant first when missing.
// An existing (tenant, project) pair is a Conflict.
func (s *Store) CreateProject(ctx context.Context, ref ProjectRef, name string) (*Project, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	var p *Project
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		t, err := s.ensureTenant(ctx, tx, ref.Tenant)
		if err != nil {
			return err
		}
		p, err = s.insertProject(ctx, tx, t, ref.Project, name)
		return err
	})
	return p, err
}

// EnsureProject returns the project, creating it (and its tenant) when it
// does not exist. created reports whether a row was inserted.
func (s *Store) EnsureProject(ctx context.Context, ref ProjectRef, name string) (p *Project, created bool, err error) {
	if err := ref.Validate(); err != nil {
		return nil, false, err
	}
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		p, created, err = s.ensureProject(ctx, tx, ref, name)
		return err
	})
	return p, created, err
}

func (s *Store) ensureProject(ctx context.Context, q queryer, ref ProjectRef, name string) (*Project, bool, error) {
	p, err := s.getProject(ctx, q, ref)
	if err == nil {
		return p, false, nil
	}
	if !xerrors.Is(err, xerrors.KindNotFound) {
		return nil, false, err
	}
	t, err := s.ensureTenant(ctx, q, ref.Tenant)
	if err != nil {
		return nil, false, err
	}
	p, err = s.insertProject(ctx, q, t, ref.Project, name)
	if err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func (s *Store) insertProject(ctx context.Context, q queryer, t *Tenant, slug, name string) (*Project, error) {
	if name == "" {
		name = slug
	}
	p := &Project{
		ID:         newID(),
		TenantID:   t.ID,
		TenantSlug: t.Slug,
		Slug:       slug,
		Name:       name,
		CreatedAt:  s.now(),
	}
	_, err := q.ExecContext(ctx, q.Rebind(
		`INSERT INTO projects (id, tenant_id, slug, name, created_at) VALUES (?, ?, ?, ?, ?)`),
		p.ID, p.TenantID, p.Slug, p.Name, p.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "project %s/%s", t.Slug, slug)
	}
	return p, nil
}

func (s *Store) GetProject(ctx context.Context, ref ProjectRef) (*Project, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	return s.getProject(ctx, s.db, ref)
}

func (s *Store) getProject(ctx context.Context, q queryer, ref ProjectRef) (*Project, error) {
	var p Project
	err := q.GetContext(ctx, &p, q.Rebind(`SELECT `+projectColumns+`
FROM projects p JOIN tenants t ON t.id = p.tenant_id
WHERE t.slug = ? AND p.slug = ?`), ref.Tenant, ref.Project)
	if err != nil {
		return nil, notFound(err, "project %s", ref)
	}
	return &p, nil
}

func (s *Store) GetProjectByID(ctx context.Context, id string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT `+projectColumns+`
FROM projects p JOIN tenants t ON t.id = p.tenant_id
WHERE p.id = ?`), id)
	if err != nil {
		return nil, notFound(err, "project %s", id)
	}
	return &p, nil
}

// ListProjects returns the tenant's projects with page counts, most
// recently active first. Activity is the latest page edit, else creation.
func (s *Store) ListProjects(ctx context.Context, tenant string) ([]ProjectSummary, error) {
	if err := ValidateSlug("tenant", tenant); err != nil {
		return nil, err
	}
	out := []ProjectSummary{}
	err := s.db.SelectContext(ctx, &out, s.db.Rebind(`SELECT `+projectColumns+`, COUNT(pg.id) AS page_count
FROM projects p
JOIN tenants t ON t.id = p.tenant_id
LEFT JOIN pages pg ON pg.project_id = p.id
WHERE t.slug = ?
GROUP BY p.id, p.tenant_id, t.slug, p.slug, p.name, p.created_at
ORDER BY MAX(COALESCE(pg.updated_at, p.created_at)) DESC, p.id DESC`), tenant)
	if err != nil {
		return nil, mapErr(err, "list projects for %s", tenant)
	}
	return out, nil
}

// DeleteProject removes a project. Pages, domains and publications go
// with it. cleanup, when set, receives the artifact keys of the deleted
// publications and runs inside the transaction; an error from it keeps
// the project.
func (s *Store) DeleteProject(ctx context.Context, ref ProjectRef, cleanup func(ctx context.Context, keys []string) error) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		p, err := s.getProject(ctx, tx, ref)
		if err != nil {
			return err
		}
		keys, err := deploymentPaths(ctx, tx, p.ID, "")
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM projects WHERE id = ?`), p.ID); err != nil {
			return mapErr(err, "delete project %s", ref)
		}
		if cleanup == nil {
			return nil
		}
		return cleanup(ctx, keys)
	})
}

// LookupSite resolves a public site name to a project. Project slugs are
// only unique per tenant, so the name belongs to whichever project
// published under it first; an unpublished name resolves to the oldest
// project carrying it.
func (s *Store) LookupSite(ctx context.Context, site string) (*Site, error) {
	if err := ValidateSlug("site", site); err != nil {
		return nil, err
	}
	return s.lookupSite(ctx, s.db, site)
}

func (s *Store) lookupSite(ctx context.Context, q queryer, site string) (*Site, error) {
	var out Site
	err := q.GetContext(ctx, &out, q.Rebind(`SELECT `+projectColumns+`, COUNT(pub.id) AS publication_count
FROM projects p
JOIN tenants t ON t.id = p.tenant_id
LEFT JOIN publications pub ON pub.project_id = p.id
WHERE p.slug = ?
GROUP BY p.id, p.tenant_id, t.slug, p.slug, p.name, p.created_at
ORDER BY CASE WHEN MIN(pub.created_at) IS NULL THEN 1 ELSE 0 END, MIN(pub.created_at), p.created_at, p.id
LIMIT 1`), site)
	if err != nil {
		return nil, notFound(err, "site %q", site)
	}
	return &out, nil
}
