package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/keithlinneman/lookupguard/internal/httpmw"
	"github.com/keithlinneman/lookupguard/internal/log"
)

// newProxy forwards to upstream, passing on the resolved caller address.
// X-Forwarded-For from the client only survives when httpmw.ClientIP trusted
// the peer, otherwise it was stripped before we get here.
func newProxy(upstream *url.URL, rt http.RoundTripper, onError func(http.ResponseWriter, *http.Request, error)) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			// the front end renders links for the public hostname
			pr.Out.Host = pr.In.Host
			if prior, ok := pr.In.Header["X-Forwarded-For"]; ok {
				pr.Out.Header["X-Forwarded-For"] = prior
			}
			pr.SetXForwarded()
			if ip := httpmw.ClientIPFromContext(pr.In.Context()); ip != "" {
				pr.Out.Header.Set("X-Real-Ip", ip)
			}
		},
		Transport:     rt,
		ErrorHandler:  onError,
		FlushInterval: -1,
	}
}

// errorHandler maps transport failures to a JSON status without leaking
// upstream addresses to the caller
func (g *Gateway) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	kind, status, msg := classifyUpstreamError(err)
	if g.metrics != nil {
		g.metrics.IncUpstreamError(kind)
	}

	L := log.FromContext(ctx)
	if kind == "canceled" {
		L.Debug(ctx, "client went away before upstream answered")
	} else {
		L.Error(ctx, err, "upstream request failed", "kind", kind, "http.route", httpmw.RoutePattern(r))
	}

	writeJSONError(w, status, msg)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}

func classifyUpstreamError(err error) (kind string, status int, msg string) {
	var maxErr *http.MaxBytesError
	var netErr net.Error
	switch {
	case errors.As(err, &maxErr):
		return "body_too_large", http.StatusRequestEntityTooLarge, "request body too large"
	case errors.Is(err, context.Canceled):
		return "canceled", http.StatusBadGateway, "bad gateway"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout", http.StatusGatewayTimeout, "upstream timeout"
	default:
		return "unavailable", http.StatusBadGateway, "bad gateway"
	}
}
