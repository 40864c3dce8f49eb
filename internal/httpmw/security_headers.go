package httpmw

import (
	"bufio"
	"net"
	"net/http"
)

// DefaultSecurityHeaders are added to responses that do not already carry them.
// The upstream front end owns its content policy, so CSP and framing headers
// are only defaults and never override what it sends.
var DefaultSecurityHeaders = map[string]string{
	"Strict-Transport-Security": "max-age=31536000; includeSubDomains",
	"X-Content-Type-Options":    "nosniff",
	"X-Frame-Options":           "DENY",
	"Referrer-Policy":           "strict-origin-when-cross-origin",
}

// ApplySecurityHeaders sets each default header that h does not already have
func ApplySecurityHeaders(h http.Header) {
	for k, v := range DefaultSecurityHeaders {
		if h.Get(k) == "" {
			h.Set(k, v)
		}
	}
}

// SecurityHeaders fills in DefaultSecurityHeaders just before the status line
// is written, after the proxy has copied upstream headers, so proxied and
// locally generated responses (429, 502) are covered the same way.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&headerDefaultsWriter{ResponseWriter: w}, r)
	})
}

type headerDefaultsWriter struct {
	http.ResponseWriter
	wrote bool
}

func (w *headerDefaultsWriter) WriteHeader(code int) {
	if !w.wrote {
		w.wrote = true
		ApplySecurityHeaders(w.Header())
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *headerDefaultsWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach Flush on the underlying writer
func (w *headerDefaultsWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *headerDefaultsWriter) Flush() {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *headerDefaultsWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return http.NewResponseController(w.ResponseWriter).Hijack()
}
