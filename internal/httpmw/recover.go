package httpmw

import (
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/lookupguard/internal/log"
	"github.com/keithlinneman/lookupguard/internal/xerrors"
)

// Recover turns a handler panic into a 500 and an error log with the stack.
// onPanic, if set, is called once per recovered panic (metrics).
// http.ErrAbortHandler is re-panicked so net/http can abort the connection
// quietly, which ReverseProxy relies on when an upstream stream breaks.
func Recover(base log.Logger, onPanic func()) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
					panic(rec)
				}
				if onPanic != nil {
					onPanic()
				}

				ctx := r.Context()
				err := xerrors.Newf("panic: %v", rec)
				if span := trace.SpanFromContext(ctx); span.IsRecording() {
					span.RecordError(err)
					span.SetStatus(codes.Error, "panic")
				}

				L := log.FromContext(ctx)
				if L == log.Nop() {
					L = base
				}
				L.Error(ctx, err, "panic recovered",
					"http.request.method", r.Method,
					"http.route", RoutePattern(r),
				)

				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Cache-Control", "no-store")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal error"}`))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
