package cfg

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

func wantErrContains(t *testing.T, err error, sub string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected error containing %q, got <nil>", sub)
	}
	if !strings.Contains(err.Error(), sub) {
		t.Fatalf("error %q does not contain %q", err.Error(), sub)
	}
}

// newTestConfig registers flags on a fresh FlagSet, parses the given args,
// and returns the resulting App. This isolates each test from flag.CommandLine.
func newTestConfig(t *testing.T, args []string) App {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	return c
}

func TestRegister_Defaults(t *testing.T) {
	c := newTestConfig(t, nil)

	if !c.LogJSON {
		t.Error("LogJSON: want true")
	}
	if c.HTTPPort != 8080 || c.APIPort != 8081 || c.AdminPort != 9000 {
		t.Errorf("ports: got %d/%d/%d", c.HTTPPort, c.APIPort, c.AdminPort)
	}
	if c.TrustedProxyHops != 0 {
		t.Errorf("TrustedProxyHops: want 0, got %d", c.TrustedProxyHops)
	}
	if c.TenantRate != 5 || c.TenantBurst != 40 {
		t.Errorf("tenant limit: got %v/%d", c.TenantRate, c.TenantBurst)
	}
	if c.DBDriver != "sqlite" {
		t.Errorf("DBDriver: want sqlite, got %q", c.DBDriver)
	}
	if c.ArtifactBackend != "disk" {
		t.Errorf("ArtifactBackend: want disk, got %q", c.ArtifactBackend)
	}
	if c.DomainCacheTTL != 30*time.Second {
		t.Errorf("DomainCacheTTL: want 30s, got %s", c.DomainCacheTTL)
	}
	if err := Validate(c); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestReservedAndCNAME(t *testing.T) {
	c := newTestConfig(t, []string{"-reserved-labels= WWW, api ,,", "-base-domain=Example.com"})
	got := c.Reserved()
	if len(got) != 2 || got[0] != "www" || got[1] != "api" {
		t.Fatalf("Reserved() = %v", got)
	}
	if c.EffectiveCNAMETarget() != "sites.example.com" {
		t.Fatalf("EffectiveCNAMETarget() = %q", c.EffectiveCNAMETarget())
	}
	c.CNAMETarget = "edge.example.net"
	if c.EffectiveCNAMETarget() != "edge.example.net" {
		t.Fatalf("explicit target ignored: %q", c.EffectiveCNAMETarget())
	}
}

func TestFillFromEnv(t *testing.T) {
	pfx := "TESTCFG_"
	t.Setenv(pfx+"LOG_LEVEL", "debug")
	t.Setenv(pfx+"HTTP_PORT", "8088")
	t.Setenv(pfx+"DB_DRIVER", "pgx")
	t.Setenv(pfx+"DOMAIN_CACHE_TTL", "2m")
	t.Setenv(pfx+"MAX_IMPORT_BYTES", "4096")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("flag parse: %v", err)
	}
	FillFromEnv(fs, pfx, nil)

	if c.LogLevel != "debug" {
		t.Errorf("LogLevel: want debug, got %q", c.LogLevel)
	}
	if c.HTTPPort != 8088 {
		t.Errorf("HTTPPort: want 8088, got %d", c.HTTPPort)
	}
	if c.DBDriver != "pgx" {
		t.Errorf("DBDriver: want pgx, got %q", c.DBDriver)
	}
	if c.DomainCacheTTL != 2*time.Minute {
		t.Errorf("DomainCacheTTL: want 2m, got %s", c.DomainCacheTTL)
	}
	if c.MaxImportBytes != 4096 {
		t.Errorf("MaxImportBytes: want 4096, got %d", c.MaxImportBytes)
	}
}

func TestFillFromEnv_CLITakesPrecedence(t *testing.T) {
	pfx := "TESTCFG2_"
	t.Setenv(pfx+"HTTP_PORT", "7777")
	t.Setenv(pfx+"BASE_DOMAIN", "env.example")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	if err := fs.Parse([]string{"-http-port=9090", "-base-domain=cli.example"}); err != nil {
		t.Fatalf("flag parse: %v", err)
	}

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})

	if c.HTTPPort != 9090 || c.BaseDomain != "cli.example" {
		t.Errorf("cli values lost: port=%d base=%q", c.HTTPPort, c.BaseDomain)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 override messages, got %v", msgs)
	}
	for _, m := range msgs {
		if !strings.Contains(m, "overrides env") {
			t.Errorf("unexpected message: %s", m)
		}
	}
}

func TestFillFromEnv_InvalidEnvIgnored(t *testing.T) {
	pfx := "TESTCFG3_"
	t.Setenv(pfx+"HTTP_PORT", "not-a-number")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	var c App
	Register(fs, &c)
	_ = fs.Parse(nil)

	var msgs []string
	FillFromEnv(fs, pfx, func(format string, args ...any) {
		msgs = append(msgs, fmt.Sprintf(format, args...))
	})
	if c.HTTPPort != 8080 {
		t.Errorf("HTTPPort: want 8080 (default), got %d", c.HTTPPort)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "ignoring invalid env") {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("TESTCFG4_HTTP_PORT=8181\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TESTCFG4_HTTP_PORT", "")
	os.Unsetenv("TESTCFG4_HTTP_PORT")

	if err := LoadEnvFile(p); err != nil {
		t.Fatalf("LoadEnvFile: %v", err)
	}
	if got := os.Getenv("TESTCFG4_HTTP_PORT"); got != "8181" {
		t.Fatalf("env from file = %q, want 8181", got)
	}
	if err := LoadEnvFile(""); err != nil {
		t.Fatalf("empty path should be a no-op: %v", err)
	}
	wantErrContains(t, LoadEnvFile(filepath.Join(dir, "missing.env")), "load env file")
}

func TestValidate_OK(t *testing.T) {
	c := newTestConfig(t, []string{
		"-enable-tracing=true",
		"-otlp-endpoint=otel:4317",
		"-artifact-backend=s3",
		"-artifact-s3-bucket=bucket",
		"-db-driver=pgx",
		"-db-dsn=",
		"-db-dsn-ssm-param=/sitepress/db/dsn",
	})
	if err := Validate(c); err != nil {
		t.Fatalf("Validate() unexpected error: %v", err)
	}
	if !c.NeedsAWS() {
		t.Fatal("s3 backend should need AWS")
	}
}

func TestValidate_InvalidCombined(t *testing.T) {
	c := newTestConfig(t, []string{
		"-http-port=0",
		"-log-level=nope",
		"-trace-sample=2.0",
		"-db-driver=mysql",
		"-base-domain=localhost",
		"-artifact-backend=s3",
		"-draft-cache-size=0",
		"-max-import-bytes=10",
		"-api-port=9000",
		"-trusted-proxy-hops=-1",
		"-tenant-burst=0",
	})
	err := Validate(c)
	wantErrContains(t, err, "invalid HTTP_PORT")
	wantErrContains(t, err, "invalid LOG_LEVEL")
	wantErrContains(t, err, "invalid TRACE_SAMPLE")
	wantErrContains(t, err, "invalid DB_DRIVER")
	wantErrContains(t, err, "BASE_DOMAIN")
	wantErrContains(t, err, "ARTIFACT_S3_BUCKET")
	wantErrContains(t, err, "DRAFT_CACHE_SIZE")
	wantErrContains(t, err, "MAX_IMPORT_BYTES")
	wantErrContains(t, err, "must differ")
	wantErrContains(t, err, "TRUSTED_PROXY_HOPS")
	wantErrContains(t, err, "TENANT_BURST")
}

// ---- ssm ----

type stubSSM struct {
	value *string
	err   error
	got   *ssm.GetParameterInput
}

func (s *stubSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	s.got = in
	if s.err != nil {
		return nil, s.err
	}
	return &ssm.GetParameterOutput{Parameter: &ssmtypes.Parameter{Value: s.value}}, nil
}

func TestResolveParam(t *testing.T) {
	stub := &stubSSM{value: aws.String("  postgres://db/sitepress \n")}
	v, err := ResolveParam(context.Background(), stub, "/sitepress/db/dsn")
	if err != nil {
		t.Fatalf("ResolveParam: %v", err)
	}
	if v != "postgres://db/sitepress" {
		t.Fatalf("value = %q", v)
	}
	if !aws.ToBool(stub.got.WithDecryption) {
		t.Fatal("parameter should be requested with decryption")
	}
}

func TestResolveParam_Errors(t *testing.T) {
	_, err := ResolveParam(context.Background(), &stubSSM{err: errors.New("denied")}, "/p")
	wantErrContains(t, err, "get ssm parameter /p")

	_, err = ResolveParam(context.Background(), &stubSSM{value: aws.String(" ")}, "/p")
	wantErrContains(t, err, "is empty")

	_, err = ResolveParam(context.Background(), nil, "/p")
	wantErrContains(t, err, "nil")
}
