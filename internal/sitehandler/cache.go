package sitehandler

import (
	"path"
	"strings"
)

// artifacts are HTML documents; anything else found in the artifact store
// gets the shorter public policy
func cacheControlForFile(name string, o *Options) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".html", ".htm", "":
		return o.HTMLCacheControl
	default:
		return o.OtherCacheControl
	}
}
