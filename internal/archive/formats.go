package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"io/fs"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

type entryType uint8

const (
	entryFile entryType = iota
	entryDir
	entryOther
)

// entry is one member of an archive, independent of container format.
type entry struct {
	name string
	typ  entryType
	size int64
	mode fs.FileMode
}

// walkFunc is called for every entry in archive order. open yields the
// entry's content and is only valid for the duration of the call.
type walkFunc func(e entry, open func() (io.ReadCloser, error)) error

// container walks the members of an uploaded archive. Walk may be called
// more than once.
type container interface {
	Walk(fn walkFunc) error
}

var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1f, 0x8b}
)

// openContainer picks the format from the leading magic bytes.
func openContainer(data []byte) (container, error) {
	switch {
	case bytes.HasPrefix(data, zipMagic), bytes.HasPrefix(data, zipEmptyMagic):
		// ErrInsecurePath still yields a usable reader; entry paths are
		// checked by the importer itself.
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil && !errors.Is(err, zip.ErrInsecurePath) {
			return nil, xerrors.WrapKind(err, xerrors.KindValidation, "read zip archive")
		}
		return zipContainer{zr}, nil
	case bytes.HasPrefix(data, gzipMagic):
		return tarGzContainer{data}, nil
	default:
		return nil, xerrors.E(xerrors.KindValidation, "unsupported archive format, expected zip or tar.gz")
	}
}

type zipContainer struct{ r *zip.Reader }

func (z zipContainer) Walk(fn walkFunc) error {
	for _, f := range z.r.File {
		mode := f.Mode()
		e := entry{name: f.Name, size: int64(f.UncompressedSize64), mode: mode.Perm()}
		switch {
		case mode.IsDir():
			e.typ = entryDir
		case mode.IsRegular():
			e.typ = entryFile
		default:
			e.typ = entryOther
		}
		if err := fn(e, f.Open); err != nil {
			return err
		}
	}
	return nil
}

type tarGzContainer struct{ data []byte }

func (c tarGzContainer) Walk(fn walkFunc) error {
	gr, err := gzip.NewReader(bytes.NewReader(c.data))
	if err != nil {
		return xerrors.WrapKind(err, xerrors.KindValidation, "open gzip")
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil && !errors.Is(err, tar.ErrInsecurePath) {
			return xerrors.WrapKind(err, xerrors.KindValidation, "read tar header")
		}

		e := entry{name: hdr.Name, size: hdr.Size, mode: hdr.FileInfo().Mode().Perm()}
		switch hdr.Typeflag {
		case tar.TypeReg:
			e.typ = entryFile
		case tar.TypeDir:
			e.typ = entryDir
		case tar.TypeXGlobalHeader:
			continue
		default:
			e.typ = entryOther
		}
		open := func() (io.ReadCloser, error) { return io.NopCloser(tr), nil }
		if err := fn(e, open); err != nil {
			return err
		}
	}
}
