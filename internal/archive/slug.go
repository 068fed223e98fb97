package archive

import (
	"path"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/keithlinneman/sitepress/internal/xerrors"
)

var (
	nonSlugRun = regexp.MustCompile(`[^a-z0-9]+`)

	thumbnailPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(thumb|screenshot).*\.(png|jpe?g|webp)$`),
		regexp.MustCompile(`(?i)^img/.*\.(png|jpe?g|webp)$`),
	}
)

const maxSlugLen = 63

// baseName strips any directory part (either separator) and the archive
// extension from an uploaded file name.
func baseName(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	name = path.Base(name)
	lower := strings.ToLower(name)
	for _, ext := range []string{".tar.gz", ".tgz", ".zip"} {
		if strings.HasSuffix(lower, ext) {
			return name[:len(name)-len(ext)]
		}
	}
	return strings.TrimSuffix(name, path.Ext(name))
}

// Slugify folds a display name into a project slug: diacritics are
// dropped, runs of anything outside [a-z0-9] become a single hyphen.
func Slugify(name string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		return "", xerrors.WrapKind(err, xerrors.KindValidation, "normalize archive name")
	}
	slug := nonSlugRun.ReplaceAllString(strings.ToLower(folded), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	if slug == "" {
		return "", xerrors.Ef(xerrors.KindValidation, "archive name %q does not yield a project slug", name)
	}
	return slug, nil
}

func isThumbnail(name string) bool {
	for _, re := range thumbnailPatterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
