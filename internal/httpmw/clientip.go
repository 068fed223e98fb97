package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how far forwarding headers are trusted.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// 0 ignores X-Forwarded-For, 1 takes its rightmost entry (single load
	// balancer), 2 the second from the end (CDN + load balancer), and so on.
	TrustedHops int
}

// ClientIP stores the peer address in the context and trusts no
// forwarding header.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the client address once per request so the
// logger and the rate limiter agree on it. Forwarding headers that were not
// trusted are removed before the request goes further.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, trusted := resolveClientAddr(r, opts.TrustedHops)
			if !trusted {
				r.Header.Del("X-Forwarded-For")
				r.Header.Del("X-Forwarded-Proto")
			}
			ctx := r.Context()
			if addr.IsValid() {
				ctx = WithClientIP(ctx, addr.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// resolveClientAddr returns the client address and whether the forwarding
// headers were honored. Only a private or loopback peer may forward, and
// only when the X-Forwarded-For chain is long enough to hold hops entries
// and the chosen entry parses; anything else falls back to the peer.
func resolveClientAddr(r *http.Request, hops int) (netip.Addr, bool) {
	peer, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	addr := peer.Addr().Unmap()
	if hops <= 0 || !(addr.IsPrivate() || addr.IsLoopback()) {
		return addr, false
	}

	// repeated header lines form one list
	var chain []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		chain = append(chain, strings.Split(v, ",")...)
	}
	if len(chain) == 0 {
		return addr, true
	}
	idx := len(chain) - hops
	if idx < 0 {
		return addr, false
	}
	fwd, err := netip.ParseAddr(strings.TrimSpace(chain[idx]))
	if err != nil {
		return addr, false
	}
	return fwd.Unmap(), true
}

// ClientIPFromContext returns the address ClientIP resolved, or "" when it
// did not run or the peer address was unusable.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
