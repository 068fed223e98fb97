package store

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

const publicationColumns = `id, project_id, page_slug, html, css, title, description, content_hash, size_bytes, deployment_path, created_at`

// listColumns leaves out the document bodies.
const publicationListColumns = `id, project_id, page_slug, '' AS html, '' AS css, title, description, content_hash, size_bytes, deployment_path, created_at`

// RecordPublication inserts pub and runs commit inside the same
// transaction. If commit fails the row is rolled back, so a publication
// row never exists without its artifact. ID and CreatedAt are assigned
// here when empty.
//
// The insert also claims the project's public site name. When another
// project with the same slug published first the call is a Conflict and
// commit never runs.
//
// commit runs before the transaction commits. If the commit itself then
// fails the artifact is already written; callers that need the two to
// agree must undo it (see publish.Pipeline).
func (s *Store) RecordPublication(ctx context.Context, pub *Publication, commit func(ctx context.Context) error) error {
	if pub.ID == "" {
		pub.ID = newID()
	}
	if pub.CreatedAt.IsZero() {
		pub.CreatedAt = s.now()
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, `INSERT INTO publications (`+publicationColumns+`)
VALUES (:id, :project_id, :page_slug, :html, :css, :title, :description, :content_hash, :size_bytes, :deployment_path, :created_at)`, pub)
		if err != nil {
			return mapErr(err, "publication %s", pub.ID)
		}
		if err := s.checkSiteClaim(ctx, tx, pub.ProjectID); err != nil {
			return err
		}
		if commit == nil {
			return nil
		}
		if err := commit(ctx); err != nil {
			return xerrors.Wrap(err, "commit publication artifact")
		}
		return nil
	})
}

// LatestPublication returns the newest publication of one page.
func (s *Store) LatestPublication(ctx context.Context, projectID, pageSlug string) (*Publication, error) {
	var p Publication
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT `+publicationColumns+` FROM publications
WHERE project_id = ? AND page_slug = ?
ORDER BY created_at DESC, id DESC LIMIT 1`), projectID, pageSlug)
	if err != nil {
		return nil, notFound(err, "publication of page %q", pageSlug)
	}
	return &p, nil
}

// LatestProjectPublication returns the newest publication of any page in
// the project.
func (s *Store) LatestProjectPublication(ctx context.Context, projectID string) (*Publication, error) {
	var p Publication
	err := s.db.GetContext(ctx, &p, s.db.Rebind(`SELECT `+publicationColumns+` FROM publications
WHERE project_id = ?
ORDER BY created_at DESC, id DESC LIMIT 1`), projectID)
	if err != nil {
		return nil, notFound(err, "publication")
	}
	return &p, nil
}

// ListPublications returns metadata for a page's publications, newest
// first. An empty pageSlug lists the whole project.
func (s *Store) ListPublications(ctx context.Context, projectID, pageSlug string, limit int) ([]Publication, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := `SELECT ` + publicationListColumns + ` FROM publications WHERE project_id = ?`
	args := []any{projectID}
	if pageSlug != "" {
		q += ` AND page_slug = ?`
		args = append(args, pageSlug)
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	out := []Publication{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(q), args...); err != nil {
		return nil, mapErr(err, "list publications")
	}
	return out, nil
}

// checkSiteClaim fails when the site name of projectID belongs to another
// project. It runs after the new row is inserted, so a first publication
// claims the name for its own project.
func (s *Store) checkSiteClaim(ctx context.Context, q queryer, projectID string) error {
	var slug string
	if err := q.GetContext(ctx, &slug, q.Rebind(`SELECT slug FROM projects WHERE id = ?`), projectID); err != nil {
		return notFound(err, "project %s", projectID)
	}
	owner, err := s.lookupSite(ctx, q, slug)
	if err != nil {
		return err
	}
	if owner.ID != projectID {
		return xerrors.Ef(xerrors.KindConflict, "site name %q is already published by another tenant", slug)
	}
	return nil
}

// deploymentPaths lists the distinct artifact keys of a project's
// publications, or of one page's when pageSlug is set.
func deploymentPaths(ctx context.Context, q queryer, projectID, pageSlug string) ([]string, error) {
	query := `SELECT DISTINCT deployment_path FROM publications WHERE project_id = ? AND deployment_path <> ''`
	args := []any{projectID}
	if pageSlug != "" {
		query += ` AND page_slug = ?`
		args = append(args, pageSlug)
	}
	keys := []string{}
	if err := q.SelectContext(ctx, &keys, q.Rebind(query), args...); err != nil {
		return nil, mapErr(err, "list deployment paths")
	}
	return keys, nil
}
