package adminapi

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/keithlinneman/sitepress/internal/store"
)

// Validate is shared by all DTOs. Field errors are keyed by JSON name.
var Validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return store.ValidSlug(fl.Field().String())
	})
	return v
}

var fieldMessages = map[string]string{
	"required": "is required",
	"slug":     "must be 1-63 characters of a-z, 0-9 and -",
	"max":      "is too long",
}

// fieldErrors turns a validator result into field -> message.
func fieldErrors(err error) (map[string]string, bool) {
	out := map[string]string{}
	if err == nil {
		return out, true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["_"] = err.Error()
		return out, false
	}
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		// drop the struct name: "PageContentDTO.seo.title" -> "seo.title"
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}
		out[field] = msg
	}
	return out, len(out) == 0
}

type CreateProjectDTO struct {
	Slug string `json:"slug" validate:"required,slug"`
	Name string `json:"name" validate:"max=200"`
}

func (d *CreateProjectDTO) Ok() (map[string]string, bool) {
	d.Name = strings.TrimSpace(d.Name)
	return fieldErrors(Validate.Struct(d))
}

type PageSlugDTO struct {
	Slug string `json:"slug" validate:"required,slug"`
}

func (d *PageSlugDTO) Ok() (map[string]string, bool) {
	return fieldErrors(Validate.Struct(d))
}

type SEODTO struct {
	Title       string `json:"title" validate:"max=300"`
	Description string `json:"description" validate:"max=1000"`
}

// PageContentDTO is the editor's content bundle. Components and Styles
// are opaque trees; the decoder has already checked they are JSON.
type PageContentDTO struct {
	HTML       string          `json:"html" validate:"max=5242880"`
	CSS        string          `json:"css" validate:"max=2097152"`
	Components json.RawMessage `json:"components"`
	Styles     json.RawMessage `json:"styles"`
	SEO        *SEODTO         `json:"seo"`
}

func (d *PageContentDTO) Ok() (map[string]string, bool) {
	return fieldErrors(Validate.Struct(d))
}

func (d *PageContentDTO) Content() store.Content {
	c := store.Content{
		HTML:       d.HTML,
		CSS:        d.CSS,
		Components: d.Components,
		Styles:     d.Styles,
	}
	if d.SEO != nil && (d.SEO.Title != "" || d.SEO.Description != "") {
		c.SEO = &store.SEO{Title: d.SEO.Title, Description: d.SEO.Description}
	}
	return c
}

type RegisterDomainDTO struct {
	Hostname string `json:"hostname" validate:"required,max=300"`
}

func (d *RegisterDomainDTO) Ok() (map[string]string, bool) {
	d.Hostname = strings.TrimSpace(d.Hostname)
	return fieldErrors(Validate.Struct(d))
}
