package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

const pageColumns = `id, project_id, slug, html, css, components, styles, seo_title, seo_description, created_at, updated_at`

// maxCopyAttempts bounds the search for a free "-copy-N" slug.
const maxCopyAttempts = 100

func (s *Store) GetPage(ctx context.Context, ref ProjectRef, slug string) (*Page, error) {
	if err := ValidateSlug("page", slug); err != nil {
		return nil, err
	}
	p, err := s.GetProject(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.getPage(ctx, s.db, p.ID, slug)
}

func (s *Store) getPage(ctx context.Context, q queryer, projectID, slug string) (*Page, error) {
	var r pageRow
	err := q.GetContext(ctx, &r, q.Rebind(`SELECT `+pageColumns+` FROM pages WHERE project_id = ? AND slug = ?`), projectID, slug)
	if err != nil {
		return nil, notFound(err, "page %q", slug)
	}
	return r.page(), nil
}

func (s *Store) ListPages(ctx context.Context, ref ProjectRef) ([]Page, error) {
	p, err := s.GetProject(ctx, ref)
	if err != nil {
		return nil, err
	}
	var rows []pageRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+pageColumns+` FROM pages WHERE project_id = ? ORDER BY slug`), p.ID); err != nil {
		return nil, mapErr(err, "list pages for %s", ref)
	}
	out := make([]Page, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.page())
	}
	return out, nil
}

// UpsertPage saves the page content, last writer wins. The project and its
// tenant are created on first save.
func (s *Store) UpsertPage(ctx context.Context, ref ProjectRef, slug string, c Content) (*Page, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if err := ValidateSlug("page", slug); err != nil {
		return nil, err
	}
	if err := validateContent(c); err != nil {
		return nil, err
	}
	var page *Page
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		p, _, err := s.ensureProject(ctx, tx, ref, "")
		if err != nil {
			return err
		}
		now := s.now()
		var seo SEO
		if c.SEO != nil {
			seo = *c.SEO
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO pages (`+pageColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (project_id, slug) DO UPDATE SET
    html = excluded.html,
    css = excluded.css,
    components = excluded.components,
    styles = excluded.styles,
    seo_title = excluded.seo_title,
    seo_description = excluded.seo_description,
    updated_at = excluded.updated_at`),
			newID(), p.ID, slug, c.HTML, c.CSS, jsonText(c.Components), jsonText(c.Styles),
			seo.Title, seo.Description, now, now)
		if err != nil {
			return mapErr(err, "save page %q", slug)
		}
		page, err = s.getPage(ctx, tx, p.ID, slug)
		return err
	})
	return page, err
}

// CreatePage adds an empty page. An existing slug is a Conflict.
func (s *Store) CreatePage(ctx context.Context, ref ProjectRef, slug string) (*Page, error) {
	if err := ValidateSlug("page", slug); err != nil {
		return nil, err
	}
	p, err := s.GetProject(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.insertPage(ctx, p.ID, slug, Content{})
}

func (s *Store) insertPage(ctx context.Context, projectID, slug string, c Content) (*Page, error) {
	now := s.now()
	var seo SEO
	if c.SEO != nil {
		seo = *c.SEO
	}
	r := pageRow{
		ID:             newID(),
		ProjectID:      projectID,
		Slug:           slug,
		HTML:           c.HTML,
		CSS:            c.CSS,
		Components:     jsonText(c.Components),
		Styles:         jsonText(c.Styles),
		SEOTitle:       seo.Title,
		SEODescription: seo.Description,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO pages (`+pageColumns+`)
VALUES (:id, :project_id, :slug, :html, :css, :components, :styles, :seo_title, :seo_description, :created_at, :updated_at)`, r)
	if err != nil {
		return nil, mapErr(err, "page %q", slug)
	}
	return r.page(), nil
}

// DeletePage removes a page and the publications made from it. cleanup,
// when set, receives their artifact keys and runs inside the transaction;
// an error from it keeps the page.
func (s *Store) DeletePage(ctx context.Context, ref ProjectRef, slug string, cleanup func(ctx context.Context, keys []string) error) error {
	if err := ValidateSlug("page", slug); err != nil {
		return err
	}
	if err := ref.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		p, err := s.getProject(ctx, tx, ref)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM pages WHERE project_id = ? AND slug = ?`), p.ID, slug)
		if err != nil {
			return mapErr(err, "delete page %q", slug)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return xerrors.Ef(xerrors.KindNotFound, "page %q not found", slug)
		}
		keys, err := deploymentPaths(ctx, tx, p.ID, slug)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM publications WHERE project_id = ? AND page_slug = ?`), p.ID, slug); err != nil {
			return mapErr(err, "delete publications of page %q", slug)
		}
		if cleanup == nil {
			return nil
		}
		return cleanup(ctx, keys)
	})
}

// RenamePage changes a page's slug. Publications keep the slug they were
// published under.
func (s *Store) RenamePage(ctx context.Context, ref ProjectRef, from, to string) (*Page, error) {
	if err := ValidateSlug("page", from); err != nil {
		return nil, err
	}
	if err := ValidateSlug("page", to); err != nil {
		return nil, err
	}
	p, err := s.GetProject(ctx, ref)
	if err != nil {
		return nil, err
	}
	if from == to {
		return s.getPage(ctx, s.db, p.ID, from)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE pages SET slug = ?, updated_at = ? WHERE project_id = ? AND slug = ?`),
		to, s.now(), p.ID, from)
	if err != nil {
		return nil, mapErr(err, "page %q", to)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, xerrors.Ef(xerrors.KindNotFound, "page %q not found", from)
	}
	return s.getPage(ctx, s.db, p.ID, to)
}

// DuplicatePage copies a page's content into a new page named
// "<src>-copy", or "<src>-copy-N" when that is taken. It reads then
// writes; a failure between the two leaves the source untouched.
func (s *Store) DuplicatePage(ctx context.Context, ref ProjectRef, src string) (*Page, error) {
	source, err := s.GetPage(ctx, ref, src)
	if err != nil {
		return nil, err
	}
	for i := 1; i <= maxCopyAttempts; i++ {
		slug := copySlug(src, i)
		if !ValidSlug(slug) {
			return nil, xerrors.Ef(xerrors.KindValidation, "page %q is too long to duplicate", src)
		}
		page, err := s.insertPage(ctx, source.ProjectID, slug, source.Content)
		if err == nil {
			return page, nil
		}
		if !xerrors.Is(err, xerrors.KindConflict) {
			return nil, err
		}
	}
	return nil, xerrors.Ef(xerrors.KindConflict, "no free copy slug for page %q", src)
}

func copySlug(src string, n int) string {
	if n == 1 {
		return src + "-copy"
	}
	return fmt.Sprintf("%s-copy-%d", src, n)
}

func validateContent(c Content) error {
	for name, raw := range map[string]json.RawMessage{"components": c.Components, "styles": c.Styles} {
		if len(raw) > 0 && !json.Valid(raw) {
			return xerrors.Ef(xerrors.KindValidation, "%s is not valid JSON", name)
		}
	}
	return nil
}
