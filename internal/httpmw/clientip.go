package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures how the caller address is resolved.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies between the client and the
	// gateway. 0 ignores X-Forwarded-For, 1 takes the rightmost entry (single
	// load balancer), 2 the second from the end (CDN + load balancer), etc.
	TrustedHops int
	// TrustedProxies lists the peer networks allowed to set X-Forwarded-For.
	// Empty means any private (RFC 1918 / ULA) or loopback peer.
	TrustedProxies []netip.Prefix
}

func (o ClientIPOptions) trusts(peer netip.Addr) bool {
	if len(o.TrustedProxies) == 0 {
		return peer.IsPrivate() || peer.IsLoopback()
	}
	for _, p := range o.TrustedProxies {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// ClientIP resolves the caller from RemoteAddr only, X-Forwarded-For is ignored.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions resolves the caller address and stores it in the context.
// Rate limiting keys on this value so spoofable headers are only honoured from
// trusted peers.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// extractRealClientAddr returns the canonical client address, or "" when
// RemoteAddr cannot be parsed. Forwarded headers are stripped whenever they
// are not trusted so the upstream never sees caller-controlled values.
func extractRealClientAddr(r *http.Request, opts ClientIPOptions) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return ""
	}
	peer = peer.Unmap()

	if opts.TrustedHops <= 0 || !opts.trusts(peer) {
		stripForwarded(r)
		return peer.String()
	}

	xf := r.Header.Values("X-Forwarded-For")
	if len(xf) == 0 {
		return peer.String()
	}
	parts := strings.Split(strings.Join(xf, ","), ",")
	idx := len(parts) - opts.TrustedHops
	if idx < 0 {
		// fewer entries than configured proxies, fail closed to the peer
		stripForwarded(r)
		return peer.String()
	}
	candidate, err := netip.ParseAddr(strings.TrimSpace(parts[idx]))
	if err != nil {
		return peer.String()
	}
	return candidate.Unmap().String()
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
	r.Header.Del("X-Real-Ip")
}

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
