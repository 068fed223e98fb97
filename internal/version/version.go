// Package version carries build metadata set through -ldflags, filled in
// from the embedded VCS stamp when the linker left it empty.
package version

import (
	"runtime/debug"
	"strings"
)

// AppName is the service name used in telemetry, the User-Agent and
// build_info.
const AppName = "sitepress"

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		out.GoVersion = bi.GoVersion
		applyBuildSettings(&out, bi.Settings)
	}
	return out
}

// applyBuildSettings fills gaps from the toolchain's VCS stamp. Values set
// through ldflags win, except the dirty flag which the stamp always knows
// better.
func applyBuildSettings(out *Info, settings []debug.BuildSetting) {
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" && s.Value != "" {
				out.BuildDate = s.Value
			}
			out.CommitDate = s.Value
		case "vcs.modified":
			switch s.Value {
			case "true":
				t := true
				out.VCSDirty = &t
			case "false":
				f := false
				out.VCSDirty = &f
			}
		}
	}
}

// ShortCommit is the first 12 characters of the commit hash.
func (i Info) ShortCommit() string {
	if len(i.Commit) > 12 {
		return i.Commit[:12]
	}
	return i.Commit
}

// UserAgent identifies outbound requests, e.g. "sitepress/v1.2.0 (abc123def456)".
func (i Info) UserAgent() string {
	var b strings.Builder
	b.WriteString(AppName)
	b.WriteByte('/')
	b.WriteString(i.Version)
	if c := i.ShortCommit(); c != "" && c != "none" {
		b.WriteString(" (")
		b.WriteString(c)
		b.WriteByte(')')
	}
	return b.String()
}
