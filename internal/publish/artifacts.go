package publish

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/keithlinneman/sitepress/internal/pathutil"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// Artifacts stores published documents by slash-separated key. Delete of
// a missing key is not an error.
type Artifacts interface {
	Put(ctx context.Context, key string, body []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ArtifactKey is the storage key for a page's published document:
// <tenant>/<project>/<page>.html. The tenant keeps projects that share a
// slug apart.
func ArtifactKey(ref store.ProjectRef, page string) string {
	return SiteFileKey(ref, page+".html")
}

// SiteFileKey is the storage key of file within a project's artifacts.
func SiteFileKey(ref store.ProjectRef, file string) string {
	return path.Join(ref.Tenant, ref.Project, file)
}

// DiskArtifacts keeps artifacts under a root directory.
type DiskArtifacts struct {
	root string
}

func NewDiskArtifacts(root string) (*DiskArtifacts, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, xerrors.Wrap(err, "resolve publications dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, xerrors.Wrap(err, "create publications dir")
	}
	return &DiskArtifacts{root: abs}, nil
}

func (d *DiskArtifacts) resolve(key string) (string, error) {
	target, ok := pathutil.Resolve(d.root, key)
	if !ok {
		return "", xerrors.Ef(xerrors.KindPathEscape, "artifact key %q escapes root", key)
	}
	return target, nil
}

// Put writes body to a temp file next to the target and renames it into
// place, so readers see either the old or the new document.
func (d *DiskArtifacts) Put(ctx context.Context, key string, body []byte) error {
	target, err := d.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return xerrors.Wrapf(err, "create artifact dir for %s", key)
	}
	tmp, err := os.CreateTemp(dir, ".publish-*")
	if err != nil {
		return xerrors.Wrapf(err, "create temp artifact for %s", key)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		cleanup()
		return xerrors.Wrapf(err, "write artifact %s", key)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return xerrors.Wrapf(err, "sync artifact %s", key)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return xerrors.Wrapf(err, "close artifact %s", key)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return xerrors.Wrapf(err, "chmod artifact %s", key)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return xerrors.Wrapf(err, "rename artifact %s", key)
	}
	return nil
}

func (d *DiskArtifacts) Get(_ context.Context, key string) ([]byte, error) {
	target, err := d.resolve(key)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(target)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, xerrors.Ef(xerrors.KindNotFound, "artifact %s not found", key)
	}
	if err != nil {
		return nil, xerrors.Wrapf(err, "read artifact %s", key)
	}
	return b, nil
}

func (d *DiskArtifacts) Delete(_ context.Context, key string) error {
	target, err := d.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return xerrors.Wrapf(err, "remove artifact %s", key)
	}
	return nil
}
