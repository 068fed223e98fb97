package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

type fakeProjects struct {
	mu   sync.Mutex
	seen map[store.ProjectRef]bool
	refs []store.ProjectRef
}

func (f *fakeProjects) EnsureProject(_ context.Context, ref store.ProjectRef, name string) (*store.Project, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[store.ProjectRef]bool{}
	}
	f.refs = append(f.refs, ref)
	created := !f.seen[ref]
	f.seen[ref] = true
	return &store.Project{Slug: ref.Project, TenantSlug: ref.Tenant, Name: name}, created, nil
}

type fakeMetrics struct {
	results []string
}

func (m *fakeMetrics) IncImport(result string)       { m.results = append(m.results, result) }
func (m *fakeMetrics) ObserveImportDuration(float64) {}

type file struct {
	name string
	body string
}

func makeZip(t *testing.T, files ...file) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		if err != nil {
			t.Fatalf("zip create %s: %v", f.name, err)
		}
		if _, err := w.Write([]byte(f.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func makeTarGz(t *testing.T, hdrs ...*tar.Header) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, h := range hdrs {
		body := []byte(h.Linkname)
		if h.Typeflag == tar.TypeReg {
			h.Size = int64(len(body))
			h.Linkname = ""
		}
		if err := tw.WriteHeader(h); err != nil {
			t.Fatalf("tar header %s: %v", h.Name, err)
		}
		if h.Typeflag == tar.TypeReg {
			if _, err := tw.Write(body); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// regular builds a tar header for a regular file; the body rides in
// Linkname until makeTarGz moves it.
func regular(name, body string) *tar.Header {
	return &tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Linkname: body}
}

func newImporter(t *testing.T) (*Importer, *fakeProjects, string) {
	t.Helper()
	root := t.TempDir()
	projects := &fakeProjects{}
	im, err := New(Options{Projects: projects, AssetsRoot: root})
	if err != nil {
		t.Fatal(err)
	}
	return im, projects, root
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(b)
}

func TestImport_Zip(t *testing.T) {
	im, projects, root := newImporter(t)
	data := makeZip(t,
		file{"index.html", "<h1>hi</h1>"},
		file{"css/site.css", "h1{}"},
		file{"img/hero.png", "png"},
		file{"screenshot.jpg", "jpg"},
	)

	res, err := im.Import(context.Background(), "acme", data, "Café Menu.zip")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.ProjectSlug != "cafe-menu" || res.Name != "Café Menu" {
		t.Fatalf("result = %+v", res)
	}
	if !res.Created || res.Files != 4 {
		t.Fatalf("result = %+v", res)
	}
	if res.ExportPath != "acme/cafe-menu" {
		t.Fatalf("export path = %q", res.ExportPath)
	}
	if res.ThumbnailPath != "acme/cafe-menu/img/hero.png" {
		t.Fatalf("thumbnail = %q, want first match in archive order", res.ThumbnailPath)
	}
	if got := readFile(t, filepath.Join(root, "acme", "cafe-menu", "css", "site.css")); got != "h1{}" {
		t.Fatalf("site.css = %q", got)
	}
	if len(projects.refs) != 1 || projects.refs[0] != (store.ProjectRef{Tenant: "acme", Project: "cafe-menu"}) {
		t.Fatalf("EnsureProject calls = %+v", projects.refs)
	}
}

func TestImport_TarGzWithDotPrefix(t *testing.T) {
	im, _, root := newImporter(t)
	data := makeTarGz(t,
		&tar.Header{Name: "./", Typeflag: tar.TypeDir, Mode: 0o755},
		&tar.Header{Name: "./assets/", Typeflag: tar.TypeDir, Mode: 0o755},
		regular("./index.html", "home"),
		regular("./assets/thumb-small.webp", "w"),
	)

	res, err := im.Import(context.Background(), "acme", data, "uploads/Portfolio.tar.gz")
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.ProjectSlug != "portfolio" || res.Files != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.ThumbnailPath != "acme/portfolio/assets/thumb-small.webp" {
		t.Fatalf("thumbnail = %q", res.ThumbnailPath)
	}
	if got := readFile(t, filepath.Join(root, "acme", "portfolio", "index.html")); got != "home" {
		t.Fatalf("index.html = %q", got)
	}
}

func TestImport_ReplacesDestination(t *testing.T) {
	im, _, root := newImporter(t)
	ctx := context.Background()

	if _, err := im.Import(ctx, "acme", makeZip(t, file{"old.html", "old"}), "site.zip"); err != nil {
		t.Fatal(err)
	}
	res, err := im.Import(ctx, "acme", makeZip(t, file{"new.html", "new"}), "site.zip")
	if err != nil {
		t.Fatal(err)
	}
	if res.Created {
		t.Fatal("second import should not report a new project")
	}
	if _, err := os.Stat(filepath.Join(root, "acme", "site", "old.html")); !os.IsNotExist(err) {
		t.Fatalf("old file survived re-import: %v", err)
	}
	if got := readFile(t, filepath.Join(root, "acme", "site", "new.html")); got != "new" {
		t.Fatalf("new.html = %q", got)
	}
}

func TestImport_PathEscapeWritesNothing(t *testing.T) {
	tests := []struct {
		name  string
		entry string
	}{
		{"parent traversal", "../../evil.txt"},
		{"nested traversal", "ok/../../../evil.txt"},
		{"absolute", "/etc/evil.txt"},
		{"backslash", `..\evil.txt`},
		{"drive letter", `C:/evil.txt`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im, projects, root := newImporter(t)
			keep := filepath.Join(root, "acme", "site", "keep.html")
			if err := os.MkdirAll(filepath.Dir(keep), 0o755); err != nil {
				t.Fatal(err)
			}
			if err := os.WriteFile(keep, []byte("keep"), 0o644); err != nil {
				t.Fatal(err)
			}

			data := makeZip(t, file{"index.html", "x"}, file{tt.entry, "evil"})
			_, err := im.Import(context.Background(), "acme", data, "site.zip")
			if !xerrors.Is(err, xerrors.KindPathEscape) {
				t.Fatalf("err = %v, want path escape", err)
			}
			if _, err := os.Stat(filepath.Join(root, "acme", "site", "index.html")); !os.IsNotExist(err) {
				t.Fatal("entries were written before the escape was detected")
			}
			if readFile(t, keep) != "keep" {
				t.Fatal("destination was cleared for a rejected archive")
			}
			if len(projects.refs) != 0 {
				t.Fatal("project registered for a rejected archive")
			}
			if _, err := os.Stat(filepath.Join(root, "evil.txt")); !os.IsNotExist(err) {
				t.Fatal("escaped file written outside asset root")
			}
		})
	}
}

func TestImport_RejectsSymlinks(t *testing.T) {
	im, _, _ := newImporter(t)
	data := makeTarGz(t,
		regular("index.html", "x"),
		&tar.Header{Name: "link", Typeflag: tar.TypeSymlink, Linkname: "/etc/passwd", Mode: 0o777},
	)
	_, err := im.Import(context.Background(), "acme", data, "site.tgz")
	if !xerrors.Is(err, xerrors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestImport_RejectsUnknownFormat(t *testing.T) {
	im, _, _ := newImporter(t)
	_, err := im.Import(context.Background(), "acme", []byte("not an archive"), "site.zip")
	if !xerrors.Is(err, xerrors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestImport_RejectsBadNames(t *testing.T) {
	im, _, _ := newImporter(t)
	data := makeZip(t, file{"index.html", "x"})
	if _, err := im.Import(context.Background(), "acme", data, "!!!.zip"); !xerrors.Is(err, xerrors.KindValidation) {
		t.Fatalf("unsluggable name err = %v", err)
	}
	if _, err := im.Import(context.Background(), "Bad Tenant", data, "site.zip"); !xerrors.Is(err, xerrors.KindValidation) {
		t.Fatalf("bad tenant err = %v", err)
	}
}

func TestImport_Limits(t *testing.T) {
	root := t.TempDir()
	im, err := New(Options{
		Projects:     &fakeProjects{},
		AssetsRoot:   root,
		MaxFileBytes: 4,
		MaxEntries:   3,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	big := makeZip(t, file{"a.txt", "12345"})
	if _, err := im.Import(ctx, "acme", big, "big.zip"); !xerrors.Is(err, xerrors.KindValidation) {
		t.Fatalf("oversized file err = %v", err)
	}

	many := makeZip(t, file{"a", "1"}, file{"b", "2"}, file{"c", "3"}, file{"d", "4"})
	if _, err := im.Import(ctx, "acme", many, "many.zip"); !xerrors.Is(err, xerrors.KindValidation) {
		t.Fatalf("too many entries err = %v", err)
	}
}

func TestImport_RecordsMetrics(t *testing.T) {
	root := t.TempDir()
	m := &fakeMetrics{}
	im, err := New(Options{Projects: &fakeProjects{}, AssetsRoot: root, Metrics: m})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_, _ = im.Import(ctx, "acme", makeZip(t, file{"index.html", "x"}), "ok.zip")
	_, _ = im.Import(ctx, "acme", makeZip(t, file{"../x", "x"}), "bad.zip")

	want := []string{"ok", "path_escape"}
	if len(m.results) != len(want) || m.results[0] != want[0] || m.results[1] != want[1] {
		t.Fatalf("results = %v, want %v", m.results, want)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"My Site", "my-site"},
		{"Crème Brûlée", "creme-brulee"},
		{"--Already--slug--", "already-slug"},
		{"v2.0 (final)", "v2-0-final"},
		{"ÅNGSTRÖM", "angstrom"},
	}
	for _, tt := range tests {
		got, err := Slugify(tt.in)
		if err != nil {
			t.Errorf("Slugify(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := Slugify("日本"); !xerrors.Is(err, xerrors.KindValidation) {
		t.Errorf("non-latin name err = %v, want validation", err)
	}
}

func TestBaseName(t *testing.T) {
	tests := map[string]string{
		"site.zip":               "site",
		"SITE.ZIP":               "SITE",
		"dir/site.tar.gz":        "site",
		`C:\Users\me\export.tgz`: "export",
		"noext":                  "noext",
		"other.rar":              "other",
	}
	for in, want := range tests {
		if got := baseName(in); got != want {
			t.Errorf("baseName(%q) = %q, want %q", in, got, want)
		}
	}
}

func FuzzEntryPath(f *testing.F) {
	f.Add("index.html")
	f.Add("../evil")
	f.Add("./a/./b")
	f.Add(`a\..\b`)
	root := f.TempDir()
	f.Fuzz(func(t *testing.T, raw string) {
		name, skip, err := entryPath(root, raw)
		if err != nil || skip {
			return
		}
		target := filepath.Join(root, filepath.FromSlash(name))
		rel, rerr := filepath.Rel(root, target)
		if rerr != nil || rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator) {
			t.Fatalf("entryPath(%q) = %q escapes root", raw, name)
		}
	})
}
