package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

const maxSlugLen = 63

// ValidateSlug enforces the slug pattern shared by tenants, projects and
// pages.
func ValidateSlug(kind, slug string) error {
	if slug == "" {
		return xerrors.Ef(xerrors.KindValidation, "%s slug is required", kind)
	}
	if len(slug) > maxSlugLen {
		return xerrors.Ef(xerrors.KindValidation, "%s slug %q is longer than %d characters", kind, slug, maxSlugLen)
	}
	if !slugPattern.MatchString(slug) {
		return xerrors.Ef(xerrors.KindValidation, "%s slug %q must match [a-z0-9-]+", kind, slug)
	}
	return nil
}

// ValidSlug reports whether s is a well-formed slug.
func ValidSlug(s string) bool {
	return s != "" && len(s) <= maxSlugLen && slugPattern.MatchString(s)
}

// isUniqueViolation recognizes unique and primary key violations from both
// supported drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		return pe.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

// mapErr tags driver errors: unique violations become Conflict, everything
// else is Internal with context.
func mapErr(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	what := fmt.Sprintf(format, args...)
	if isUniqueViolation(err) {
		return xerrors.Ef(xerrors.KindConflict, "%s already exists", what)
	}
	if xerrors.KindOf(err) != xerrors.KindInternal {
		return err
	}
	return xerrors.Wrap(err, what)
}
