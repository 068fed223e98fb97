package adminapi

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitepress/internal/archive"
	"github.com/keithlinneman/sitepress/internal/domains"
	"github.com/keithlinneman/sitepress/internal/draftcache"
	"github.com/keithlinneman/sitepress/internal/httpmw"
	"github.com/keithlinneman/sitepress/internal/publish"
	"github.com/keithlinneman/sitepress/internal/ratelimit"
	"github.com/keithlinneman/sitepress/internal/store"
)

type forgetter struct {
	mu    sync.Mutex
	hosts []string
}

func (f *forgetter) ForgetHost(host string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = append(f.hosts, host)
}

func (f *forgetter) list() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hosts...)
}

type fixture struct {
	store  *store.Store
	drafts *draftcache.Drafts
	sites  *forgetter
	router http.Handler
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{
		DSN: "file:" + filepath.Join(t.TempDir(), "admin.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	arts, err := publish.NewDiskArtifacts(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pipeline, err := publish.New(publish.Options{Store: s, Artifacts: arts})
	if err != nil {
		t.Fatal(err)
	}
	dm, err := domains.New(domains.Options{Store: s, BaseDomain: "sitepress.test"})
	if err != nil {
		t.Fatal(err)
	}
	im, err := archive.New(archive.Options{Projects: s, AssetsRoot: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{store: s, drafts: draftcache.NewDrafts(16), sites: &forgetter{}}
	opts := Options{
		Store:     s,
		Publisher: pipeline,
		Importer:  im,
		Domains:   dm,
		Drafts:    f.drafts,
		Sites:     f.sites,
	}
	if mutate != nil {
		mutate(&opts)
	}
	api, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) errorBody {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, status, rec.Body.String())
	}
	body := decode[errorBody](t, rec)
	if body.Code != code {
		t.Fatalf("code = %q, want %q", body.Code, code)
	}
	return body
}

const base = "/api/v1/tenants/acme/projects"

func TestProjects(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, "POST", base, `{"slug":"landing","name":" Landing "}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	p := decode[store.Project](t, rec)
	if p.Slug != "landing" || p.Name != "Landing" || p.TenantSlug != "acme" {
		t.Fatalf("project = %+v", p)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("api responses must not be cached")
	}

	expectError(t, f.do(t, "POST", base, `{"slug":"landing"}`), http.StatusConflict, "conflict")

	bad := expectError(t, f.do(t, "POST", base, `{"slug":"Bad Slug!"}`), http.StatusUnprocessableEntity, "invalid_fields")
	fields, _ := bad.Meta["fields"].(map[string]any)
	if fields["slug"] == nil {
		t.Fatalf("meta = %v, want slug field error", bad.Meta)
	}

	expectError(t, f.do(t, "POST", base, `{"slug":"x","owner":"root"}`), http.StatusBadRequest, "validation")
	expectError(t, f.do(t, "POST", base, `{"slug":"x"} {"slug":"y"}`), http.StatusBadRequest, "validation")
	expectError(t, f.do(t, "POST", base, ``), http.StatusBadRequest, "validation")
	expectError(t, f.do(t, "GET", "/api/v1/tenants/ACME/projects", ""), http.StatusBadRequest, "validation")

	list := decode[struct {
		Projects []store.ProjectSummary `json:"projects"`
	}](t, f.do(t, "GET", base, ""))
	if len(list.Projects) != 1 || list.Projects[0].Slug != "landing" {
		t.Fatalf("projects = %+v", list.Projects)
	}

	if rec := f.do(t, "DELETE", base+"/landing", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	expectError(t, f.do(t, "DELETE", base+"/landing", ""), http.StatusNotFound, "not_found")
}

func TestAutosavePreviewPublish(t *testing.T) {
	f := newFixture(t, nil)
	page := base + "/landing/pages/home"

	rec := f.do(t, "PUT", page, `{"html":"<h1>Hi</h1><script>alert(1)</script>","css":"h1{color:red}","components":[{"type":"text"}],"seo":{"title":"Home"},"editorVersion":"0.21"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("autosave: %d %s", rec.Code, rec.Body.String())
	}
	saved := decode[store.Page](t, rec)
	if string(saved.Content.Components) != `[{"type":"text"}]` {
		t.Fatalf("components = %s", saved.Content.Components)
	}

	rec = f.do(t, "GET", page+"/preview", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("preview: %d %s", rec.Code, rec.Body.String())
	}
	html := rec.Body.String()
	if !strings.Contains(html, "<h1>Hi</h1>") || strings.Contains(html, "<script") || !strings.Contains(html, "<title>Home</title>") {
		t.Fatalf("preview body = %s", html)
	}
	if rec.Header().Get("Content-Security-Policy") != httpmw.SiteCSP || rec.Header().Get("X-Frame-Options") != "SAMEORIGIN" {
		t.Fatalf("preview headers = %v", rec.Header())
	}

	cond := httptest.NewRequest("GET", page+"/preview", nil)
	cond.Header.Set("If-None-Match", rec.Header().Get("ETag"))
	notModified := httptest.NewRecorder()
	f.router.ServeHTTP(notModified, cond)
	if notModified.Code != http.StatusNotModified || notModified.Body.Len() != 0 {
		t.Fatalf("conditional preview: %d, %d bytes", notModified.Code, notModified.Body.Len())
	}

	var hashes []string
	for i := 0; i < 2; i++ {
		rec = f.do(t, "POST", page+"/publish", "")
		if rec.Code != http.StatusCreated {
			t.Fatalf("publish: %d %s", rec.Code, rec.Body.String())
		}
		res := decode[publish.Result](t, rec)
		if res.DeploymentPath != "acme/landing/home.html" {
			t.Fatalf("deployment path = %q", res.DeploymentPath)
		}
		hashes = append(hashes, res.Publication.ContentHash)
	}
	if hashes[0] != hashes[1] {
		t.Fatalf("identical publishes hashed differently: %v", hashes)
	}

	rec = f.do(t, "GET", page+"/publications?limit=10", "")
	pubs := decode[struct {
		Publications []map[string]any `json:"publications"`
	}](t, rec)
	if len(pubs.Publications) != 2 {
		t.Fatalf("publications = %d, want 2", len(pubs.Publications))
	}
	if _, leaked := pubs.Publications[0]["html"]; leaked {
		t.Fatal("publication listing includes html")
	}

	expectError(t, f.do(t, "POST", base+"/landing/pages/missing/publish", ""), http.StatusNotFound, "not_found")
}

func TestPreview_FallsBackToStore(t *testing.T) {
	f := newFixture(t, nil)
	ref := store.ProjectRef{Tenant: "acme", Project: "landing"}
	if _, err := f.store.UpsertPage(context.Background(), ref, "home", store.Content{HTML: "<p>from store</p>"}); err != nil {
		t.Fatal(err)
	}
	if f.drafts.Len() != 0 {
		t.Fatal("draft cache should start empty")
	}

	rec := f.do(t, "GET", base+"/landing/pages/home/preview", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "from store") {
		t.Fatalf("preview: %d %s", rec.Code, rec.Body.String())
	}
	if f.drafts.Len() != 1 {
		t.Fatalf("draft cache len = %d, want 1 after a store read", f.drafts.Len())
	}

	expectError(t, f.do(t, "GET", base+"/landing/pages/nope/preview", ""), http.StatusNotFound, "not_found")
}

func TestAutosave_Validation(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.MaxContentBytes = 1024 })
	page := base + "/landing/pages/home"

	expectError(t, f.do(t, "PUT", page, `{"html":"`+strings.Repeat("a", 2048)+`"}`), http.StatusRequestEntityTooLarge, "too_large")
	expectError(t, f.do(t, "PUT", page, `{"html":1}`), http.StatusBadRequest, "validation")
	expectError(t, f.do(t, "PUT", base+"/landing/pages/Home", `{"html":"x"}`), http.StatusBadRequest, "validation")

	body := expectError(t, f.do(t, "PUT", page, `{"seo":{"title":"`+strings.Repeat("t", 400)+`"}}`), http.StatusUnprocessableEntity, "invalid_fields")
	fields, _ := body.Meta["fields"].(map[string]any)
	if fields["seo.title"] == nil {
		t.Fatalf("meta = %v, want seo.title", body.Meta)
	}
}

func TestPageLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	pages := base + "/landing/pages"
	if _, _, err := f.store.EnsureProject(context.Background(), store.ProjectRef{Tenant: "acme", Project: "landing"}, ""); err != nil {
		t.Fatal(err)
	}

	if rec := f.do(t, "POST", pages, `{"slug":"about"}`); rec.Code != http.StatusCreated {
		t.Fatalf("create page: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, "POST", pages, `{"slug":"about"}`), http.StatusConflict, "conflict")

	rec := f.do(t, "POST", pages+"/about/rename", `{"slug":"team"}`)
	if rec.Code != http.StatusOK || decode[store.Page](t, rec).Slug != "team" {
		t.Fatalf("rename: %d %s", rec.Code, rec.Body.String())
	}
	expectError(t, f.do(t, "GET", pages+"/about", ""), http.StatusNotFound, "not_found")

	rec = f.do(t, "POST", pages+"/team/duplicate", "")
	if rec.Code != http.StatusCreated || decode[store.Page](t, rec).Slug != "team-copy" {
		t.Fatalf("duplicate: %d %s", rec.Code, rec.Body.String())
	}

	list := decode[struct {
		Pages []store.Page `json:"pages"`
	}](t, f.do(t, "GET", pages, ""))
	if len(list.Pages) != 2 {
		t.Fatalf("pages = %d, want 2", len(list.Pages))
	}

	if rec := f.do(t, "DELETE", pages+"/team", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	expectError(t, f.do(t, "DELETE", pages+"/team", ""), http.StatusNotFound, "not_found")
	if _, ok := f.drafts.Get(list.Pages[0].ProjectID, "team"); ok {
		t.Fatal("deleted page still in draft cache")
	}
}

func TestDomains(t *testing.T) {
	f := newFixture(t, nil)
	if _, _, err := f.store.EnsureProject(context.Background(), store.ProjectRef{Tenant: "acme", Project: "landing"}, ""); err != nil {
		t.Fatal(err)
	}
	domainsURL := base + "/landing/domains"

	rec := f.do(t, "POST", domainsURL, `{"hostname":"https://Example.com/"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	reg := decode[domains.Registration](t, rec)
	if reg.Domain.Hostname != "example.com" || reg.Instructions.TXTValue == "" {
		t.Fatalf("registration = %+v", reg)
	}
	if rec := f.do(t, "POST", domainsURL, `{"hostname":"example.com."}`); rec.Code != http.StatusOK {
		t.Fatalf("re-register: %d", rec.Code)
	}
	expectError(t, f.do(t, "POST", domainsURL, `{"hostname":"blog.sitepress.test"}`), http.StatusBadRequest, "validation")
	expectError(t, f.do(t, "POST", domainsURL, `{"hostname":""}`), http.StatusUnprocessableEntity, "invalid_fields")

	rec = f.do(t, "POST", "/api/v1/domains/"+reg.Domain.ID+"/verify", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify: %d %s", rec.Code, rec.Body.String())
	}
	if v := decode[domainView](t, rec); v.Domain.Status != store.DomainActive {
		t.Fatalf("status = %s", v.Domain.Status)
	}
	expectError(t, f.do(t, "POST", "/api/v1/domains/nope/verify", ""), http.StatusNotFound, "not_found")

	list := decode[struct {
		Domains []domainView `json:"domains"`
	}](t, f.do(t, "GET", domainsURL, ""))
	if len(list.Domains) != 1 || list.Domains[0].Instructions.TXTName != domains.ChallengePrefix+"example.com" {
		t.Fatalf("domains = %+v", list.Domains)
	}

	if rec := f.do(t, "DELETE", "/api/v1/domains/"+reg.Domain.ID, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if got := f.sites.list(); strings.Join(got, ",") != "example.com,example.com" {
		t.Fatalf("forgotten hosts = %v", got)
	}
}

func TestDeleteProject_ForgetsDraftsAndHosts(t *testing.T) {
	f := newFixture(t, nil)
	if rec := f.do(t, "PUT", base+"/landing/pages/home", `{"html":"x"}`); rec.Code != http.StatusOK {
		t.Fatal(rec.Body.String())
	}
	if rec := f.do(t, "POST", base+"/landing/domains", `{"hostname":"landing.example"}`); rec.Code != http.StatusCreated {
		t.Fatal(rec.Body.String())
	}
	if f.drafts.Len() != 1 {
		t.Fatalf("drafts = %d", f.drafts.Len())
	}

	if rec := f.do(t, "DELETE", base+"/landing", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if f.drafts.Len() != 0 {
		t.Fatal("project drafts survived delete")
	}
	if got := f.sites.list(); len(got) != 1 || got[0] != "landing.example" {
		t.Fatalf("forgotten hosts = %v", got)
	}
}

func zipArchive(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestImport(t *testing.T) {
	f := newFixture(t, nil)
	imports := "/api/v1/tenants/acme/imports"

	rec := f.do(t, "POST", imports+"?name=My%20Site.zip", zipArchive(t, map[string]string{
		"index.html":         "<h1>x</h1>",
		"img/screenshot.png": "png",
	}))
	if rec.Code != http.StatusCreated {
		t.Fatalf("import: %d %s", rec.Code, rec.Body.String())
	}
	res := decode[archive.Result](t, rec)
	if res.ProjectSlug != "my-site" || res.Files != 2 {
		t.Fatalf("result = %+v", res)
	}

	if rec := f.do(t, "POST", imports+"?name=My%20Site.zip", zipArchive(t, map[string]string{"index.html": "v2"})); rec.Code != http.StatusOK {
		t.Fatalf("re-import: %d", rec.Code)
	}

	expectError(t, f.do(t, "POST", imports+"?name=evil.zip", zipArchive(t, map[string]string{"../../evil.txt": "x"})), http.StatusBadRequest, "path_escape")
	expectError(t, f.do(t, "POST", imports, "data"), http.StatusUnprocessableEntity, "invalid_fields")
	expectError(t, f.do(t, "POST", imports+"?name=a.zip", ""), http.StatusBadRequest, "validation")
}

func TestImport_TooLarge(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		im, err := archive.New(archive.Options{Projects: o.Store.(*store.Store), AssetsRoot: t.TempDir(), MaxArchiveBytes: 64})
		if err != nil {
			t.Fatal(err)
		}
		o.Importer = im
	})
	expectError(t, f.do(t, "POST", "/api/v1/tenants/acme/imports?name=a.zip", strings.Repeat("x", 128)), http.StatusRequestEntityTooLarge, "too_large")
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, store.ProjectRef, string) (*publish.Result, error) {
	return nil, errors.New("dial tcp 10.0.0.5:5432: password authentication failed")
}

func (failingPublisher) DeletePage(context.Context, store.ProjectRef, string) error {
	return errors.New("dial tcp 10.0.0.5:5432: password authentication failed")
}

func (failingPublisher) DeleteProject(context.Context, store.ProjectRef) error {
	return errors.New("dial tcp 10.0.0.5:5432: password authentication failed")
}

func TestInternalErrorsDoNotLeak(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Publisher = failingPublisher{} })
	body := expectError(t, f.do(t, "POST", base+"/landing/pages/home/publish", ""), http.StatusInternalServerError, "internal")
	if body.Message != "internal error" {
		t.Fatalf("message = %q", body.Message)
	}
}

func TestRouting(t *testing.T) {
	f := newFixture(t, nil)
	expectError(t, f.do(t, "GET", "/api/v1/nope", ""), http.StatusNotFound, "not_found")
	expectError(t, f.do(t, "PATCH", base, ""), http.StatusMethodNotAllowed, "method_not_allowed")

	rec := f.do(t, "GET", "/api/v1/version", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"version"`) {
		t.Fatalf("version: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTenantLimit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	limiter := ratelimit.New(ctx, ratelimit.WithRate(0.001, 1), ratelimit.WithKey(TenantKey), ratelimit.WithScope("tenant"))
	f := newFixture(t, func(o *Options) { o.TenantLimit = limiter.Middleware })

	if rec := f.do(t, "GET", base, ""); rec.Code != http.StatusOK {
		t.Fatalf("first call: %d", rec.Code)
	}
	rec := f.do(t, "GET", base, "")
	if rec.Code != http.StatusTooManyRequests || !strings.Contains(rec.Body.String(), `"scope":"tenant"`) {
		t.Fatalf("second call: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, "GET", "/api/v1/tenants/globex/projects", ""); rec.Code != http.StatusOK {
		t.Fatalf("other tenant: %d", rec.Code)
	}
	if rec := f.do(t, "GET", "/api/v1/version", ""); rec.Code != http.StatusOK {
		t.Fatalf("untenanted route limited: %d", rec.Code)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without store")
	}
}
