package domains

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

func TestNormalizeHostname(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"example.com", "example.com"},
		{"https://Example.com/", "example.com"},
		{"example.com.", "example.com"},
		{"  HTTP://WWW.Example.COM:8080/path?q=1#frag ", "www.example.com"},
		{"user:pass@example.com", "example.com"},
		{"münchen.de", "xn--mnchen-3ya.de"},
		{"xn--mnchen-3ya.de", "xn--mnchen-3ya.de"},
		{"a-b.example.co.uk", "a-b.example.co.uk"},
	}
	for _, tt := range tests {
		got, err := NormalizeHostname(tt.raw)
		if err != nil {
			t.Errorf("NormalizeHostname(%q): %v", tt.raw, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeHostname(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeHostname_Invalid(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"localhost",
		"https://",
		"-bad.example.com",
		"bad-.example.com",
		"under_score.example.com",
		"a..b.com",
		"10.0.0.1",
		"example.com:port",
		"exa mple.com",
	} {
		_, err := NormalizeHostname(raw)
		if !xerrors.Is(err, xerrors.KindValidation) {
			t.Errorf("NormalizeHostname(%q) err = %v, want validation", raw, err)
		}
	}
}

func FuzzNormalizeHostname(f *testing.F) {
	f.Add("https://Example.com/")
	f.Add("münchen.de.")
	f.Add("a:1@b.c:2/d")
	f.Fuzz(func(t *testing.T, raw string) {
		once, err := NormalizeHostname(raw)
		if err != nil {
			return
		}
		twice, err := NormalizeHostname(once)
		if err != nil {
			t.Fatalf("normalized %q -> %q no longer valid: %v", raw, once, err)
		}
		if once != twice {
			t.Fatalf("not idempotent: %q -> %q -> %q", raw, once, twice)
		}
	})
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{
		DSN: "file:" + filepath.Join(t.TempDir(), "domains.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newManager(t *testing.T, v Verifier) (*Manager, *store.Store) {
	t.Helper()
	s := newStore(t)
	m, err := New(Options{
		Store:       s,
		Verifier:    v,
		BaseDomain:  "sitepress.test",
		CNAMETarget: "sites.sitepress.test",
	})
	if err != nil {
		t.Fatal(err)
	}
	return m, s
}

func TestRegister_EquivalentSpellingsShareOneRow(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	ref := store.ProjectRef{Tenant: "acme", Project: "site"}
	if _, _, err := s.EnsureProject(ctx, ref, ""); err != nil {
		t.Fatal(err)
	}

	var ids []string
	for i, raw := range []string{"https://Example.com/", "example.com", "example.com."} {
		reg, err := m.Register(ctx, ref, raw)
		if err != nil {
			t.Fatalf("Register(%q): %v", raw, err)
		}
		if reg.Created != (i == 0) {
			t.Fatalf("Register(%q) created = %v", raw, reg.Created)
		}
		ids = append(ids, reg.Domain.ID)
	}
	if ids[0] != ids[1] || ids[1] != ids[2] {
		t.Fatalf("ids = %v, want one row", ids)
	}

	list, err := m.List(ctx, ref)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Hostname != "example.com" || list[0].Status != store.DomainPending {
		t.Fatalf("domains = %+v", list)
	}
}

func TestRegister_Instructions(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	ref := store.ProjectRef{Tenant: "acme", Project: "site"}
	if _, _, err := s.EnsureProject(ctx, ref, ""); err != nil {
		t.Fatal(err)
	}
	reg, err := m.Register(ctx, ref, "shop.example.org")
	if err != nil {
		t.Fatal(err)
	}
	in := reg.Instructions
	if in.TXTName != "_sitepress-challenge.shop.example.org" {
		t.Fatalf("txt name = %q", in.TXTName)
	}
	if in.TXTValue == "" || in.TXTValue != reg.Domain.VerificationToken {
		t.Fatalf("txt value = %q, token = %q", in.TXTValue, reg.Domain.VerificationToken)
	}
	if in.CNAMETarget != "sites.sitepress.test" {
		t.Fatalf("cname = %q", in.CNAMETarget)
	}
}

func TestRegister_Errors(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	a := store.ProjectRef{Tenant: "acme", Project: "a"}
	b := store.ProjectRef{Tenant: "acme", Project: "b"}
	for _, r := range []store.ProjectRef{a, b} {
		if _, _, err := s.EnsureProject(ctx, r, ""); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := m.Register(ctx, store.ProjectRef{Tenant: "acme", Project: "missing"}, "x.com"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Errorf("unknown project err = %v", err)
	}
	if _, err := m.Register(ctx, a, "not a host"); !xerrors.Is(err, xerrors.KindValidation) {
		t.Errorf("bad hostname err = %v", err)
	}
	if _, err := m.Register(ctx, a, "shop.sitepress.test"); !xerrors.Is(err, xerrors.KindValidation) {
		t.Errorf("platform subdomain err = %v", err)
	}
	if _, err := m.Register(ctx, a, "taken.com"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(ctx, b, "TAKEN.com"); !xerrors.Is(err, xerrors.KindConflict) {
		t.Errorf("hostname owned elsewhere err = %v", err)
	}
}

func TestVerify_ManualIsMonotonic(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	ref := store.ProjectRef{Tenant: "acme", Project: "site"}
	p, _, err := s.EnsureProject(ctx, ref, "")
	if err != nil {
		t.Fatal(err)
	}
	reg, err := m.Register(ctx, ref, "example.com")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Resolve(ctx, "example.com"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("pending domain resolved: %v", err)
	}

	d, err := m.Verify(ctx, reg.Domain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != store.DomainActive || d.VerifiedAt == nil {
		t.Fatalf("verified domain = %+v", d)
	}
	first := *d.VerifiedAt

	d, err = m.Verify(ctx, reg.Domain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != store.DomainActive || !d.VerifiedAt.Equal(first) {
		t.Fatalf("re-verify changed row: %+v", d)
	}

	got, err := m.Resolve(ctx, "https://EXAMPLE.com")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID {
		t.Fatalf("resolved project %s, want %s", got.ID, p.ID)
	}

	if _, err := m.Verify(ctx, "no-such-id"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("unknown domain err = %v", err)
	}
}

type stubResolver struct {
	records map[string][]string
	err     error
}

func (r stubResolver) LookupTXT(_ context.Context, name string) ([]string, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.records[name], nil
}

func TestVerify_DNS(t *testing.T) {
	resolver := stubResolver{records: map[string][]string{}}
	m, s := newManager(t, DNSVerifier{Resolver: &resolver})
	ctx := context.Background()
	ref := store.ProjectRef{Tenant: "acme", Project: "site"}
	if _, _, err := s.EnsureProject(ctx, ref, ""); err != nil {
		t.Fatal(err)
	}
	reg, err := m.Register(ctx, ref, "example.com")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.Verify(ctx, reg.Domain.ID); !xerrors.Is(err, xerrors.KindValidation) {
		t.Fatalf("missing record err = %v", err)
	}
	d, err := s.GetDomain(ctx, reg.Domain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != store.DomainPending {
		t.Fatalf("failed check changed status to %s", d.Status)
	}

	resolver.records["_sitepress-challenge.example.com"] = []string{"unrelated", " " + reg.Domain.VerificationToken + " "}
	d, err = m.Verify(ctx, reg.Domain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != store.DomainVerified {
		t.Fatalf("status = %s, want verified", d.Status)
	}

	resolver.err = errors.New("SERVFAIL")
	if _, err := m.Verify(ctx, reg.Domain.ID); err == nil {
		t.Fatal("expected lookup error")
	}
	d, err = s.GetDomain(ctx, reg.Domain.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != store.DomainVerified {
		t.Fatalf("lookup failure regressed status to %s", d.Status)
	}
}

func TestDelete(t *testing.T) {
	m, s := newManager(t, nil)
	ctx := context.Background()
	ref := store.ProjectRef{Tenant: "acme", Project: "site"}
	if _, _, err := s.EnsureProject(ctx, ref, ""); err != nil {
		t.Fatal(err)
	}
	reg, err := m.Register(ctx, ref, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(ctx, reg.Domain.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Resolve(ctx, "example.com"); !xerrors.Is(err, xerrors.KindNotFound) {
		t.Fatalf("deleted domain resolved: %v", err)
	}
}

type changeRecorder struct{ got []string }

func (r *changeRecorder) IncDomainChange(action, result string) {
	r.got = append(r.got, action+"="+result)
}

func TestDomainChangeMetrics(t *testing.T) {
	s := newStore(t)
	rec := &changeRecorder{}
	m, err := New(Options{Store: s, Metrics: rec})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	ref := store.ProjectRef{Tenant: "acme", Project: "site"}
	if _, _, err := s.EnsureProject(ctx, ref, ""); err != nil {
		t.Fatal(err)
	}
	reg, err := m.Register(ctx, ref, "example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Register(ctx, ref, "example.com"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if _, err := m.Verify(ctx, reg.Domain.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.Delete(ctx, reg.Domain.ID); err != nil {
		t.Fatal(err)
	}

	want := []string{"register=ok", "verify=active", "delete=ok"}
	if strings.Join(rec.got, ",") != strings.Join(want, ",") {
		t.Fatalf("changes = %v, want %v", rec.got, want)
	}
}
