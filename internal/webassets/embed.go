// Package webassets embeds the static pages served when there is no
// published content to show: the unpublished placeholder, 404 and error
// pages. Operators may replace any of them from a directory.
package webassets

import (
	"embed"
	"errors"
	"io/fs"
	"os"
	"sync"
)

const (
	UnpublishedFile = "unpublished.html"
	NotFoundFile    = "404.html"
	ErrorFile       = "error.html"
)

//go:embed fallback
var embedded embed.FS

var builtin = sync.OnceValue(func() fs.FS {
	sub, err := fs.Sub(embedded, "fallback")
	if err != nil {
		panic("webassets: fallback subfs: " + err.Error())
	}
	return sub
})

// FallbackFS returns the built-in pages.
func FallbackFS() fs.FS { return builtin() }

// WithOverrides returns a filesystem that serves files from dir when they
// exist there and the built-in pages otherwise. An empty dir returns the
// built-in pages alone.
func WithOverrides(dir string) (fs.FS, error) {
	if dir == "" {
		return builtin(), nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "open", Path: dir, Err: errors.New("not a directory")}
	}
	return layered{top: os.DirFS(dir), bottom: builtin()}, nil
}

type layered struct{ top, bottom fs.FS }

func (l layered) Open(name string) (fs.File, error) {
	f, err := l.top.Open(name)
	if err == nil {
		return f, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return l.bottom.Open(name)
}
