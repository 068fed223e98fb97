package domains

import (
	"context"
	"strings"

	"github.com/keithlinneman/sitepress/internal/store"
	"github.com/keithlinneman/sitepress/internal/xerrors"
)

// ChallengePrefix is the label prepended to a hostname for the TXT record
// that proves ownership.
const ChallengePrefix = "_sitepress-challenge."

// Verifier decides whether a domain's ownership is proven and which status
// it earns. A returned error leaves the domain untouched.
type Verifier interface {
	Verify(ctx context.Context, d *store.Domain) (store.DomainStatus, error)
}

// ManualVerifier approves every request with status active. It stands in
// for operator-confirmed verification.
type ManualVerifier struct{}

func (ManualVerifier) Verify(context.Context, *store.Domain) (store.DomainStatus, error) {
	return store.DomainActive, nil
}

// TXTResolver is satisfied by *net.Resolver.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// DNSVerifier looks for the challenge TXT record and approves with status
// verified when it carries the domain's token.
type DNSVerifier struct {
	Resolver TXTResolver
}

func (v DNSVerifier) Verify(ctx context.Context, d *store.Domain) (store.DomainStatus, error) {
	name := ChallengePrefix + d.Hostname
	records, err := v.Resolver.LookupTXT(ctx, name)
	if err != nil {
		return "", xerrors.WrapKind(err, xerrors.KindValidation, "lookup TXT %s", name)
	}
	for _, r := range records {
		if strings.TrimSpace(r) == d.VerificationToken {
			return store.DomainVerified, nil
		}
	}
	return "", xerrors.Ef(xerrors.KindValidation, "TXT record %s does not contain the verification token", name)
}
