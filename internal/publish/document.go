package publish

import (
	"bytes"
	"html/template"

	"github.com/keithlinneman/sitepress/internal/sanitize"
	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// Document is the input to Assemble. CSS and Body must already be
// sanitized; they are inserted verbatim.
type Document struct {
	Title       string
	Description string
	CSS         string
	Body        string
}

var documentTmpl = template.Must(template.New("document").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
{{- if .Description}}
<meta name="description" content="{{.Description}}">
{{- end}}
<style>{{.CSS}}</style>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// Assemble renders a self-contained HTML5 document with a single inline
// style block and no external references.
func Assemble(d Document) ([]byte, error) {
	var buf bytes.Buffer
	err := documentTmpl.Execute(&buf, struct {
		Title       string
		Description string
		CSS         template.CSS
		Body        template.HTML
	}{
		Title:       d.Title,
		Description: d.Description,
		CSS:         template.CSS(d.CSS),
		Body:        template.HTML(d.Body),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "render document")
	}
	return buf.Bytes(), nil
}

// RenderPage sanitizes a page's draft content and assembles it.
func RenderPage(p *store.Page) ([]byte, error) {
	return Assemble(pageDocument(p))
}

// RenderPublication re-sanitizes a stored publication and assembles it.
func RenderPublication(p *store.Publication) ([]byte, error) {
	return Assemble(Document{
		Title:       p.Title,
		Description: p.Description,
		CSS:         sanitize.CSS(p.CSS),
		Body:        sanitize.HTML(p.HTML),
	})
}

// publicationDocument rebuilds the document a publication was frozen
// from. Its fields are already sanitized.
func publicationDocument(p *store.Publication) Document {
	return Document{Title: p.Title, Description: p.Description, CSS: p.CSS, Body: p.HTML}
}

func pageDocument(p *store.Page) Document {
	d := Document{
		Title: p.Slug,
		CSS:   sanitize.CSS(p.Content.CSS),
		Body:  sanitize.HTML(p.Content.HTML),
	}
	if seo := p.Content.SEO; seo != nil {
		if seo.Title != "" {
			d.Title = seo.Title
		}
		d.Description = seo.Description
	}
	return d
}
