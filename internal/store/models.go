package store

import (
	"encoding/json"
	"time"
)

// ProjectRef addresses a project by natural key. Project slugs are unique
// only within a tenant, so both parts are required.
type ProjectRef struct {
	Tenant  string `json:"tenant"`
	Project string `json:"project"`
}

func (r ProjectRef) String() string { return r.Tenant + "/" + r.Project }

// Validate checks both slugs.
func (r ProjectRef) Validate() error {
	if err := ValidateSlug("tenant", r.Tenant); err != nil {
		return err
	}
	return ValidateSlug("project", r.Project)
}

type Tenant struct {
	ID        string    `db:"id" json:"id"`
	Slug      string    `db:"slug" json:"slug"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

type Project struct {
	ID         string    `db:"id" json:"id"`
	TenantID   string    `db:"tenant_id" json:"tenantId"`
	TenantSlug string    `db:"tenant_slug" json:"tenant"`
	Slug       string    `db:"slug" json:"slug"`
	Name       string    `db:"name" json:"name"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

func (p Project) Ref() ProjectRef { return ProjectRef{Tenant: p.TenantSlug, Project: p.Slug} }

type ProjectSummary struct {
	Project
	PageCount int `db:"page_count" json:"pageCount"`
}

// SEO is optional page metadata used for the published document head.
type SEO struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Content is the editor's content bundle for one page. HTML and CSS are
// authoritative; Components and Styles are opaque editor trees kept for
// round-tripping.
type Content struct {
	HTML       string          `json:"html"`
	CSS        string          `json:"css"`
	Components json.RawMessage `json:"components,omitempty"`
	Styles     json.RawMessage `json:"styles,omitempty"`
	SEO        *SEO            `json:"seo,omitempty"`
}

type Page struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"projectId"`
	Slug      string    `json:"slug"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// pageRow is the flat column layout of the pages table.
type pageRow struct {
	ID             string    `db:"id"`
	ProjectID      string    `db:"project_id"`
	Slug           string    `db:"slug"`
	HTML           string    `db:"html"`
	CSS            string    `db:"css"`
	Components     string    `db:"components"`
	Styles         string    `db:"styles"`
	SEOTitle       string    `db:"seo_title"`
	SEODescription string    `db:"seo_description"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r pageRow) page() *Page {
	p := &Page{
		ID:        r.ID,
		ProjectID: r.ProjectID,
		Slug:      r.Slug,
		Content: Content{
			HTML:       r.HTML,
			CSS:        r.CSS,
			Components: rawJSON(r.Components),
			Styles:     rawJSON(r.Styles),
		},
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.SEOTitle != "" || r.SEODescription != "" {
		p.Content.SEO = &SEO{Title: r.SEOTitle, Description: r.SEODescription}
	}
	return p
}

func rawJSON(s string) json.RawMessage {
	if s == "" || s == "null" {
		return nil
	}
	return json.RawMessage(s)
}

func jsonText(m json.RawMessage) string {
	if len(m) == 0 {
		return "null"
	}
	return string(m)
}

type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainActive   DomainStatus = "active"
	DomainVerified DomainStatus = "verified"
)

// Rank orders statuses so transitions can be checked for monotonicity.
func (s DomainStatus) Rank() int {
	switch s {
	case DomainPending:
		return 0
	case DomainActive:
		return 1
	case DomainVerified:
		return 2
	default:
		return -1
	}
}

// Serving reports whether requests for the domain are routed.
func (s DomainStatus) Serving() bool { return s == DomainActive || s == DomainVerified }

type Domain struct {
	ID                string       `db:"id" json:"id"`
	ProjectID         string       `db:"project_id" json:"projectId"`
	Hostname          string       `db:"hostname" json:"hostname"`
	Status            DomainStatus `db:"status" json:"status"`
	VerificationToken string       `db:"verification_token" json:"verificationToken"`
	CreatedAt         time.Time    `db:"created_at" json:"createdAt"`
	VerifiedAt        *time.Time   `db:"verified_at" json:"verifiedAt,omitempty"`
}

// Publication is an immutable, sanitized snapshot of a page.
type Publication struct {
	ID             string    `db:"id" json:"id"`
	ProjectID      string    `db:"project_id" json:"projectId"`
	PageSlug       string    `db:"page_slug" json:"pageSlug"`
	HTML           string    `db:"html" json:"-"`
	CSS            string    `db:"css" json:"-"`
	Title          string    `db:"title" json:"title"`
	Description    string    `db:"description" json:"description,omitempty"`
	ContentHash    string    `db:"content_hash" json:"contentHash"`
	SizeBytes      int64     `db:"size_bytes" json:"sizeBytes"`
	DeploymentPath string    `db:"deployment_path" json:"deploymentPath"`
	CreatedAt      time.Time `db:"created_at" json:"createdAt"`
}

// Site is the project that owns a public site name.
type Site struct {
	Project
	Publications int `db:"publication_count"`
}
