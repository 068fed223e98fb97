// Package archive imports uploaded site exports (zip or tar.gz) into a
// project's asset directory and registers the project in the store.
//
// Every entry path is checked against the asset root twice: once in a
// pre-pass over the whole archive before anything on disk is touched, and
// again immediately before each write.
package archive

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/keithlinneman/sitepress/internal/log"
	"github.com/keithlinneman/sitepress/internal/pathutil"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

const (
	// DefaultMaxArchiveBytes is the upload limit for a compressed archive
	DefaultMaxArchiveBytes int64 = 50 * 1024 * 1024 // 50MB

	// DefaultMaxFileBytes is the limit for a single extracted file
	DefaultMaxFileBytes int64 = 10 * 1024 * 1024 // 10MB

	// DefaultMaxTotalBytes is the limit for all extracted content
	DefaultMaxTotalBytes int64 = 100 * 1024 * 1024 // 100MB

	DefaultMaxEntries = 10000
)

// Projects is the slice of the store the importer needs.
type Projects interface {
	EnsureProject(ctx context.Context, ref store.ProjectRef, name string) (*store.Project, bool, error)
}

// ImportMetrics is implemented by the metrics package.
type ImportMetrics interface {
	IncImport(result string)
	ObserveImportDuration(seconds float64)
}

type Options struct {
	Logger     log.Logger
	Projects   Projects
	Metrics    ImportMetrics
	AssetsRoot string

	MaxArchiveBytes int64
	MaxFileBytes    int64
	MaxTotalBytes   int64
	MaxEntries      int
}

// Result describes a finished import. Paths are relative to the asset
// root and use forward slashes.
type Result struct {
	ProjectSlug   string `json:"projectSlug"`
	Name          string `json:"name"`
	ExportPath    string `json:"exportPath"`
	ThumbnailPath string `json:"thumbnailPath,omitempty"`
	Created       bool   `json:"created"`
	Files         int    `json:"files"`
	Bytes         int64  `json:"bytes"`
}

type Importer struct {
	logger   log.Logger
	projects Projects
	metrics  ImportMetrics
	root     string

	maxArchive int64
	maxFile    int64
	maxTotal   int64
	maxEntries int
}

func New(opts Options) (*Importer, error) {
	if opts.Projects == nil {
		return nil, xerrors.New("archive: projects store is required")
	}
	if opts.AssetsRoot == "" {
		return nil, xerrors.New("archive: assets root is required")
	}
	root, err := filepath.Abs(opts.AssetsRoot)
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve assets root")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	im := &Importer{
		logger:     opts.Logger.With("component", "archive"),
		projects:   opts.Projects,
		metrics:    opts.Metrics,
		root:       root,
		maxArchive: opts.MaxArchiveBytes,
		maxFile:    opts.MaxFileBytes,
		maxTotal:   opts.MaxTotalBytes,
		maxEntries: opts.MaxEntries,
	}
	if im.maxArchive <= 0 {
		im.maxArchive = DefaultMaxArchiveBytes
	}
	if im.maxFile <= 0 {
		im.maxFile = DefaultMaxFileBytes
	}
	if im.maxTotal <= 0 {
		im.maxTotal = DefaultMaxTotalBytes
	}
	if im.maxEntries <= 0 {
		im.maxEntries = DefaultMaxEntries
	}
	return im, nil
}

// MaxArchiveBytes is the upload limit callers should enforce while reading
// the request body.
func (im *Importer) MaxArchiveBytes() int64 { return im.maxArchive }

// Import unpacks data into <root>/<tenant>/<project>, replacing whatever
// was there, and ensures the project exists. A path-escaping entry aborts
// the import before the destination is touched.
func (im *Importer) Import(ctx context.Context, tenant string, data []byte, archiveName string) (res *Result, err error) {
	start := time.Now()
	defer func() {
		if im.metrics == nil {
			return
		}
		im.metrics.IncImport(resultLabel(err))
		im.metrics.ObserveImportDuration(time.Since(start).Seconds())
	}()

	if err := store.ValidateSlug("tenant", tenant); err != nil {
		return nil, err
	}
	if int64(len(data)) > im.maxArchive {
		return nil, xerrors.Ef(xerrors.KindValidation, "archive exceeds max size (%d bytes, limit %d)", len(data), im.maxArchive)
	}
	name := baseName(archiveName)
	slug, err := Slugify(name)
	if err != nil {
		return nil, err
	}
	ref := store.ProjectRef{Tenant: tenant, Project: slug}

	c, err := openContainer(data)
	if err != nil {
		return nil, err
	}

	dest := filepath.Join(im.root, tenant, slug)
	if !pathutil.Within(im.root, dest) {
		return nil, xerrors.Ef(xerrors.KindPathEscape, "project directory escapes asset root")
	}

	plan, err := im.inspect(c, dest)
	if err != nil {
		im.logger.Warn(ctx, "archive rejected", "tenant", tenant, "project", slug, "error", err)
		return nil, err
	}

	if err := os.RemoveAll(dest); err != nil {
		return nil, xerrors.Wrapf(err, "clear %s", ref)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, xerrors.Wrapf(err, "create %s", ref)
	}

	files, written, err := im.extract(ctx, c, dest)
	if err != nil {
		return nil, err
	}

	_, created, err := im.projects.EnsureProject(ctx, ref, name)
	if err != nil {
		return nil, err
	}

	res = &Result{
		ProjectSlug: slug,
		Name:        name,
		ExportPath:  path.Join(tenant, slug),
		Created:     created,
		Files:       files,
		Bytes:       written,
	}
	if plan.thumbnail != "" {
		res.ThumbnailPath = path.Join(tenant, slug, plan.thumbnail)
	}
	im.logger.Info(ctx, "archive imported",
		"tenant", tenant,
		"project", slug,
		"files", files,
		"bytes", written,
		"created", created,
	)
	return res, nil
}

type plan struct {
	thumbnail string
}

// inspect validates every entry without writing anything.
func (im *Importer) inspect(c container, dest string) (*plan, error) {
	p := &plan{}
	var (
		count int
		total int64
	)
	err := c.Walk(func(e entry, _ func() (io.ReadCloser, error)) error {
		count++
		if count > im.maxEntries {
			return xerrors.Ef(xerrors.KindValidation, "archive has more than %d entries", im.maxEntries)
		}
		name, skip, err := entryPath(dest, e.name)
		if err != nil || skip {
			return err
		}
		switch e.typ {
		case entryDir:
			return nil
		case entryOther:
			return xerrors.Ef(xerrors.KindValidation, "unsupported entry type in archive: %s", name)
		}
		if e.size > im.maxFile {
			return xerrors.Ef(xerrors.KindValidation, "file %s exceeds max size (%d > %d)", name, e.size, im.maxFile)
		}
		total += e.size
		if total > im.maxTotal {
			return xerrors.Ef(xerrors.KindValidation, "total extracted size exceeds limit (%d bytes)", im.maxTotal)
		}
		if p.thumbnail == "" && isThumbnail(name) {
			p.thumbnail = name
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (im *Importer) extract(ctx context.Context, c container, dest string) (files int, written int64, err error) {
	err = c.Walk(func(e entry, open func() (io.ReadCloser, error)) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, skip, err := entryPath(dest, e.name)
		if err != nil || skip {
			return err
		}
		target, ok := pathutil.Resolve(dest, name)
		if !ok {
			return xerrors.Ef(xerrors.KindPathEscape, "entry %q escapes project directory", e.name)
		}
		if e.typ == entryDir {
			return xerrors.Wrapf(os.MkdirAll(target, 0o755), "create directory %s", name)
		}
		if e.typ != entryFile {
			return xerrors.Ef(xerrors.KindValidation, "unsupported entry type in archive: %s", name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return xerrors.Wrapf(err, "create directory for %s", name)
		}
		rc, err := open()
		if err != nil {
			return xerrors.WrapKind(err, xerrors.KindValidation, "open %s", name)
		}
		n, err := writeFile(target, rc, im.maxFile)
		_ = rc.Close()
		if err != nil {
			return err
		}
		files++
		written += n
		if written > im.maxTotal {
			return xerrors.Ef(xerrors.KindValidation, "total extracted size exceeds limit (%d bytes)", im.maxTotal)
		}
		return nil
	})
	return files, written, err
}

// entryPath normalizes an archive member name and checks that it lands
// under dest. skip is true for the archive's own root entry ("./").
func entryPath(dest, raw string) (name string, skip bool, err error) {
	name = strings.TrimSuffix(raw, "/")
	for strings.HasPrefix(name, "./") {
		name = strings.TrimPrefix(name, "./")
	}
	if name == "" || name == "." {
		if raw == "" {
			return "", false, xerrors.E(xerrors.KindValidation, "archive entry with empty name")
		}
		return "", true, nil
	}
	if _, ok := pathutil.Resolve(dest, name); !ok {
		return "", false, xerrors.Ef(xerrors.KindPathEscape, "entry %q escapes project directory", raw)
	}
	return name, false, nil
}

// writeFile copies r into path with a size limit. Files are created
// fresh; the destination directory was emptied beforehand.
func writeFile(path string, r io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", filepath.Base(path))
	}
	n, err := io.Copy(f, io.LimitReader(r, limit+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, xerrors.Wrapf(err, "write %s", filepath.Base(path))
	}
	if n > limit {
		return n, xerrors.Ef(xerrors.KindValidation, "file %s exceeds max size after read", filepath.Base(path))
	}
	return n, nil
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	return xerrors.KindOf(err).String()
}
