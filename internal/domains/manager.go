// Package domains registers custom hostnames for projects, drives their
// verification state and resolves serving hostnames back to projects.
package domains

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// Store is the slice of the content store the manager needs.
type Store interface {
	GetProject(ctx context.Context, ref store.ProjectRef) (*store.Project, error)
	GetProjectByID(ctx context.Context, id string) (*store.Project, error)
	InsertDomainIfAbsent(ctx context.Context, projectID, hostname, token string) (*store.Domain, error)
	GetDomain(ctx context.Context, id string) (*store.Domain, error)
	GetDomainByHostname(ctx context.Context, hostname string) (*store.Domain, error)
	ListDomains(ctx context.Context, projectID string) ([]store.Domain, error)
	PromoteDomain(ctx context.Context, id string, to store.DomainStatus, at time.Time) (*store.Domain, error)
	DeleteDomain(ctx context.Context, id string) error
}

// DomainMetrics is implemented by the metrics package.
type DomainMetrics interface {
	IncDomainChange(action, result string)
}

type nopMetrics struct{}

func (nopMetrics) IncDomainChange(string, string) {}

type Options struct {
	Logger      log.Logger
	Store       Store
	Metrics     DomainMetrics
	Verifier    Verifier
	BaseDomain  string
	CNAMETarget string
	Now         func() time.Time
}

// Instructions tell the domain owner which DNS records to create.
type Instructions struct {
	TXTName     string `json:"txtName"`
	TXTValue    string `json:"txtValue"`
	CNAMETarget string `json:"cnameTarget"`
}

type Registration struct {
	Domain       *store.Domain `json:"domain"`
	Instructions Instructions  `json:"instructions"`
	Created      bool          `json:"created"`
}

type Manager struct {
	logger   log.Logger
	store    Store
	verifier Verifier
	metrics  DomainMetrics
	base     string
	cname    string
	now      func() time.Time
}

func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, xerrors.New("domains: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Verifier == nil {
		opts.Verifier = ManualVerifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	m := &Manager{
		logger:   opts.Logger.With("component", "domains"),
		store:    opts.Store,
		verifier: opts.Verifier,
		metrics:  opts.Metrics,
		cname:    opts.CNAMETarget,
		now:      opts.Now,
	}
	if opts.BaseDomain != "" {
		base, err := NormalizeHostname(opts.BaseDomain)
		if err != nil {
			return nil, xerrors.Wrap(err, "base domain")
		}
		m.base = base
	}
	return m, nil
}

// Register attaches a hostname to a project. Equivalent spellings of a
// hostname map to one row; registering it again for the same project
// returns the existing row.
func (m *Manager) Register(ctx context.Context, ref store.ProjectRef, raw string) (*Registration, error) {
	host, err := NormalizeHostname(raw)
	if err != nil {
		return nil, err
	}
	if m.base != "" && WithinBase(host, m.base) {
		return nil, xerrors.Ef(xerrors.KindValidation, "hostname %q is inside the platform domain", host)
	}
	p, err := m.store.GetProject(ctx, ref)
	if err != nil {
		return nil, err
	}

	token := uuid.NewString()
	d, err := m.store.InsertDomainIfAbsent(ctx, p.ID, host, token)
	if err != nil {
		return nil, err
	}
	if d.ProjectID != p.ID {
		return nil, xerrors.Ef(xerrors.KindConflict, "hostname %q is registered to another project", host)
	}
	created := d.VerificationToken == token
	if created {
		m.metrics.IncDomainChange("register", "ok")
		m.logger.Info(ctx, "domain registered", "project", ref.String(), "hostname", host, "domain_id", d.ID)
	}
	return &Registration{Domain: d, Instructions: m.instructions(d), Created: created}, nil
}

func (m *Manager) instructions(d *store.Domain) Instructions {
	return Instructions{
		TXTName:     ChallengePrefix + d.Hostname,
		TXTValue:    d.VerificationToken,
		CNAMETarget: m.cname,
	}
}

// Instructions returns the DNS records for an existing domain.
func (m *Manager) Instructions(d *store.Domain) Instructions { return m.instructions(d) }

// Verify asks the verifier about the domain and promotes it on success.
// Status only moves forward; a failed check returns an error and leaves
// the row as it was.
func (m *Manager) Verify(ctx context.Context, id string) (*store.Domain, error) {
	d, err := m.store.GetDomain(ctx, id)
	if err != nil {
		return nil, err
	}
	status, err := m.verifier.Verify(ctx, d)
	if err != nil {
		m.metrics.IncDomainChange("verify", "failed")
		m.logger.Warn(ctx, "domain verification failed", "hostname", d.Hostname, "domain_id", d.ID, "error", err)
		return nil, err
	}
	updated, err := m.store.PromoteDomain(ctx, id, status, m.now())
	if err != nil {
		return nil, err
	}
	if updated.Status != d.Status {
		m.metrics.IncDomainChange("verify", string(updated.Status))
		m.logger.Info(ctx, "domain status changed",
			"hostname", d.Hostname,
			"domain_id", d.ID,
			"from", string(d.Status),
			"to", string(updated.Status),
		)
	}
	return updated, nil
}

func (m *Manager) List(ctx context.Context, ref store.ProjectRef) ([]store.Domain, error) {
	p, err := m.store.GetProject(ctx, ref)
	if err != nil {
		return nil, err
	}
	return m.store.ListDomains(ctx, p.ID)
}

func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteDomain(ctx, id); err != nil {
		return err
	}
	m.metrics.IncDomainChange("delete", "ok")
	return nil
}

// Resolve maps a serving hostname to its project. Pending domains and
// unknown hosts are NotFound.
func (m *Manager) Resolve(ctx context.Context, hostname string) (*store.Project, error) {
	host, err := NormalizeHostname(hostname)
	if err != nil {
		return nil, err
	}
	d, err := m.store.GetDomainByHostname(ctx, host)
	if err != nil {
		return nil, err
	}
	if !d.Status.Serving() {
		return nil, xerrors.Ef(xerrors.KindNotFound, "domain %q is not verified", host)
	}
	return m.store.GetProjectByID(ctx, d.ProjectID)
}
