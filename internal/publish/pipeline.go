// Package publish turns a page's draft content into an immutable,
// sanitized publication and a static HTML artifact.
package publish

import (
	"context"
	"time"

	"github.com/keithlinneman/sitepress/internal/cryptoutil"
	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// Store is the slice of the content store the pipeline needs.
type Store interface {
	GetPage(ctx context.Context, ref store.ProjectRef, slug string) (*store.Page, error)
	LatestPublication(ctx context.Context, projectID, pageSlug string) (*store.Publication, error)
	RecordPublication(ctx context.Context, pub *store.Publication, commit func(ctx context.Context) error) error
	DeletePage(ctx context.Context, ref store.ProjectRef, slug string, cleanup func(ctx context.Context, keys []string) error) error
	DeleteProject(ctx context.Context, ref store.ProjectRef, cleanup func(ctx context.Context, keys []string) error) error
}

// PublishMetrics is implemented by the metrics package.
type PublishMetrics interface {
	IncPublish(result string)
	ObservePublicationSize(bytes int)
}

type Options struct {
	Logger    log.Logger
	Store     Store
	Artifacts Artifacts
	Metrics   PublishMetrics
}

type Result struct {
	Publication    *store.Publication `json:"publication"`
	DeploymentPath string             `json:"deploymentPath"`
	PublishedAt    time.Time          `json:"publishedAt"`
	SizeBytes      int64              `json:"sizeBytes"`
}

type Pipeline struct {
	logger    log.Logger
	store     Store
	artifacts Artifacts
	metrics   PublishMetrics
}

func New(opts Options) (*Pipeline, error) {
	if opts.Store == nil {
		return nil, xerrors.New("publish: store is required")
	}
	if opts.Artifacts == nil {
		return nil, xerrors.New("publish: artifact store is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Pipeline{
		logger:    opts.Logger.With("component", "publish"),
		store:     opts.Store,
		artifacts: opts.Artifacts,
		metrics:   opts.Metrics,
	}, nil
}

// Artifacts exposes the artifact store for static serving.
func (p *Pipeline) Artifacts() Artifacts { return p.artifacts }

// Publish sanitizes the page once, records a new publication and writes
// its artifact in the same transaction. Every call creates a new
// publication, even for unchanged content.
func (p *Pipeline) Publish(ctx context.Context, ref store.ProjectRef, pageSlug string) (res *Result, err error) {
	defer func() {
		if p.metrics == nil {
			return
		}
		if err != nil {
			p.metrics.IncPublish(xerrors.KindOf(err).String())
			return
		}
		p.metrics.IncPublish("ok")
		p.metrics.ObservePublicationSize(int(res.SizeBytes))
	}()

	page, err := p.store.GetPage(ctx, ref, pageSlug)
	if err != nil {
		return nil, err
	}

	doc := pageDocument(page)
	body, err := Assemble(doc)
	if err != nil {
		return nil, err
	}

	key := ArtifactKey(ref, pageSlug)
	pub := &store.Publication{
		ProjectID:      page.ProjectID,
		PageSlug:       pageSlug,
		HTML:           doc.Body,
		CSS:            doc.CSS,
		Title:          doc.Title,
		Description:    doc.Description,
		ContentHash:    cryptoutil.SHA256Hex(body),
		SizeBytes:      int64(len(body)),
		DeploymentPath: key,
	}
	written := false
	err = p.store.RecordPublication(ctx, pub, func(ctx context.Context) error {
		if err := p.artifacts.Put(ctx, key, body); err != nil {
			return err
		}
		written = true
		return nil
	})
	if err != nil {
		if written {
			p.restoreArtifact(ctx, page.ProjectID, pageSlug, key)
		}
		p.logger.Error(ctx, err, "publish failed", "project", ref.String(), "page", pageSlug)
		return nil, err
	}

	p.logger.Info(ctx, "page published",
		"project", ref.String(),
		"page", pageSlug,
		"publication_id", pub.ID,
		"sha256", pub.ContentHash,
		"bytes", pub.SizeBytes,
	)
	return &Result{
		Publication:    pub,
		DeploymentPath: key,
		PublishedAt:    pub.CreatedAt,
		SizeBytes:      pub.SizeBytes,
	}, nil
}

// restoreArtifact rewrites key from the newest committed publication of
// the page, or removes it when there is none. Used when the transaction
// failed after the artifact was already written.
func (p *Pipeline) restoreArtifact(ctx context.Context, projectID, pageSlug, key string) {
	ctx = context.WithoutCancel(ctx)
	err := func() error {
		latest, err := p.store.LatestPublication(ctx, projectID, pageSlug)
		if xerrors.Is(err, xerrors.KindNotFound) {
			return p.artifacts.Delete(ctx, key)
		}
		if err != nil {
			return err
		}
		body, err := Assemble(publicationDocument(latest))
		if err != nil {
			return err
		}
		return p.artifacts.Put(ctx, key, body)
	}()
	if err != nil {
		p.logger.Error(ctx, err, "restore artifact after failed publish", "key", key)
	}
}

// DeletePage removes a page, its publications and their artifacts.
func (p *Pipeline) DeletePage(ctx context.Context, ref store.ProjectRef, pageSlug string) error {
	return p.store.DeletePage(ctx, ref, pageSlug, p.removeArtifacts)
}

// DeleteProject removes a project and every artifact it published.
func (p *Pipeline) DeleteProject(ctx context.Context, ref store.ProjectRef) error {
	return p.store.DeleteProject(ctx, ref, p.removeArtifacts)
}

func (p *Pipeline) removeArtifacts(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := p.artifacts.Delete(ctx, key); err != nil {
			return err
		}
	}
	if len(keys) > 0 {
		p.logger.Info(ctx, "artifacts removed", "count", len(keys))
	}
	return nil
}
