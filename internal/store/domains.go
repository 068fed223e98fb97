package store

import (
	"context"
	"time"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

const domainColumns = `id, project_id, hostname, status, verification_token, created_at, verified_at`

// InsertDomainIfAbsent inserts a pending domain for projectID unless the
// hostname is already registered, then returns whichever row is stored.
// Callers compare ProjectID to detect a hostname owned elsewhere.
func (s *Store) InsertDomainIfAbsent(ctx context.Context, projectID, hostname, token string) (*Domain, error) {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`INSERT INTO domains (id, project_id, hostname, status, verification_token, created_at)
VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (hostname) DO NOTHING`),
		newID(), projectID, hostname, DomainPending, token, s.now())
	if err != nil {
		return nil, mapErr(err, "domain %q", hostname)
	}
	return s.GetDomainByHostname(ctx, hostname)
}

func (s *Store) GetDomain(ctx context.Context, id string) (*Domain, error) {
	var d Domain
	if err := s.db.GetContext(ctx, &d, s.db.Rebind(`SELECT `+domainColumns+` FROM domains WHERE id = ?`), id); err != nil {
		return nil, notFound(err, "domain %s", id)
	}
	return &d, nil
}

func (s *Store) GetDomainByHostname(ctx context.Context, hostname string) (*Domain, error) {
	var d Domain
	if err := s.db.GetContext(ctx, &d, s.db.Rebind(`SELECT `+domainColumns+` FROM domains WHERE hostname = ?`), hostname); err != nil {
		return nil, notFound(err, "domain %q", hostname)
	}
	return &d, nil
}

func (s *Store) ListDomains(ctx context.Context, projectID string) ([]Domain, error) {
	out := []Domain{}
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(
		`SELECT `+domainColumns+` FROM domains WHERE project_id = ? ORDER BY hostname`), projectID); err != nil {
		return nil, mapErr(err, "list domains")
	}
	return out, nil
}

// PromoteDomain raises a domain's status. Lower or equal targets leave the
// row untouched, and verified_at is stamped once on first promotion.
func (s *Store) PromoteDomain(ctx context.Context, id string, to DomainStatus, at time.Time) (*Domain, error) {
	d, err := s.GetDomain(ctx, id)
	if err != nil {
		return nil, err
	}
	if to.Rank() <= d.Status.Rank() {
		return d, nil
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE domains SET status = ?, verified_at = COALESCE(verified_at, ?) WHERE id = ? AND status = ?`),
		to, at.UTC(), id, d.Status)
	if err != nil {
		return nil, mapErr(err, "update domain %s", id)
	}
	return s.GetDomain(ctx, id)
}

func (s *Store) DeleteDomain(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM domains WHERE id = ?`), id)
	if err != nil {
		return mapErr(err, "delete domain %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return xerrors.Ef(xerrors.KindNotFound, "domain %s not found", id)
	}
	return nil
}
