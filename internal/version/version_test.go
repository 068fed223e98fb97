package version

import (
	"runtime/debug"
	"testing"
)

func TestGet_VCSDirtyTriState(t *testing.T) {
	defer func(old *bool) { VCSDirty = old }(VCSDirty)

	VCSDirty = nil
	if info := Get(); info.VCSDirty != nil && !stampedDirty() {
		t.Fatalf("VCSDirty = %v, want nil", *info.VCSDirty)
	}

	trueVal := true
	VCSDirty = &trueVal
	if info := Get(); info.VCSDirty == nil {
		t.Fatal("VCSDirty = nil, want set")
	}
}

// stampedDirty reports whether the test binary carries its own VCS stamp.
func stampedDirty() bool {
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return false
	}
	for _, s := range bi.Settings {
		if s.Key == "vcs.modified" {
			return true
		}
	}
	return false
}

func TestApplyBuildSettings(t *testing.T) {
	tests := []struct {
		name     string
		in       Info
		settings []debug.BuildSetting
		check    func(t *testing.T, out Info)
	}{
		{
			name: "fills unset commit and dates",
			in:   Info{Commit: "none"},
			settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "abc"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			},
			check: func(t *testing.T, out Info) {
				if out.Commit != "abc" || out.BuildDate != "2026-01-02T03:04:05Z" || out.CommitDate != out.BuildDate {
					t.Fatalf("out = %+v", out)
				}
			},
		},
		{
			name:     "ldflags commit wins",
			in:       Info{Commit: "release", BuildDate: "ci"},
			settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "abc"}, {Key: "vcs.time", Value: "t"}},
			check: func(t *testing.T, out Info) {
				if out.Commit != "release" || out.BuildDate != "ci" || out.CommitDate != "t" {
					t.Fatalf("out = %+v", out)
				}
			},
		},
		{
			name:     "modified false",
			settings: []debug.BuildSetting{{Key: "vcs.modified", Value: "false"}},
			check: func(t *testing.T, out Info) {
				if out.VCSDirty == nil || *out.VCSDirty {
					t.Fatalf("VCSDirty = %v, want false", out.VCSDirty)
				}
			},
		},
		{
			name:     "unknown modified value leaves nil",
			settings: []debug.BuildSetting{{Key: "vcs.modified", Value: "maybe"}},
			check: func(t *testing.T, out Info) {
				if out.VCSDirty != nil {
					t.Fatalf("VCSDirty = %v, want nil", *out.VCSDirty)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := tc.in
			applyBuildSettings(&out, tc.settings)
			tc.check(t, out)
		})
	}
}

func TestUserAgent(t *testing.T) {
	tests := []struct {
		info Info
		want string
	}{
		{Info{Version: "v1.2.0", Commit: "abc123def4567890"}, "sitepress/v1.2.0 (abc123def456)"},
		{Info{Version: "dev", Commit: "none"}, "sitepress/dev"},
		{Info{Version: "dev", Commit: "abc"}, "sitepress/dev (abc)"},
	}
	for _, tc := range tests {
		if got := tc.info.UserAgent(); got != tc.want {
			t.Errorf("UserAgent(%+v) = %q, want %q", tc.info, got, tc.want)
		}
	}
}
