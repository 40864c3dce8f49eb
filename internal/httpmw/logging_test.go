package httpmw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/lookupguard/internal/log"
)

func TestWithLogger_EnrichesFromResolvedClientIP(t *testing.T) {
	spy := newSpy()
	h := RequestID("")(ClientIP(WithLogger(spy)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Info(r.Context(), "inside")
	}))))

	r := httptest.NewRequest(http.MethodGet, "/api/users/alice/identity?x=1", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.1")
	h.ServeHTTP(httptest.NewRecorder(), r)

	entries := spy.all()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if v, _ := e.get("client.address"); v != "203.0.113.5" {
		t.Fatalf("client.address = %v", v)
	}
	if v, _ := e.get("request_id"); v == "" || v == nil {
		t.Fatal("request_id missing")
	}
	for _, k := range []string{"url.path", "url.query"} {
		if _, ok := e.get(k); ok {
			t.Errorf("%s should not be logged", k)
		}
	}
}

func TestAccessLog_StatusAndRoute(t *testing.T) {
	spy := newSpy()
	r := chi.NewRouter()
	r.Use(WithLogger(spy), AccessLog())
	r.Get("/api/users/{username}/identity", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/users/alice/identity", nil)
	r.ServeHTTP(httptest.NewRecorder(), req)

	entries := spy.all()
	if len(entries) != 1 || entries[0].msg != "http request" {
		t.Fatalf("entries = %+v", entries)
	}
	e := entries[0]
	if v, _ := e.get("http.response.status_code"); v != http.StatusTooManyRequests {
		t.Errorf("status = %v", v)
	}
	if v, _ := e.get("http.route"); v != "/api/users/{username}/identity" {
		t.Errorf("route = %v", v)
	}
	if v, _ := e.get("http.response.body.size"); v != int64(len("slow down")) {
		t.Errorf("body size = %v", v)
	}
}

func TestAccessLog_DefaultsTo200(t *testing.T) {
	spy := newSpy()
	h := WithLogger(spy)(AccessLog()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	e := spy.all()[0]
	if v, _ := e.get("http.response.status_code"); v != http.StatusOK {
		t.Fatalf("status = %v", v)
	}
	if v, _ := e.get("http.route"); v != "/x" {
		t.Fatalf("route = %v", v)
	}
}

func TestScope_AddsAttr(t *testing.T) {
	spy := newSpy()
	h := WithLogger(spy)(Scope("policy", "identity-lookup")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.FromContext(r.Context()).Warn(r.Context(), "x")
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if v, _ := spy.all()[0].get("policy"); v != "identity-lookup" {
		t.Fatalf("policy = %v", v)
	}
}

func TestSchemeFromRequest(t *testing.T) {
	tests := []struct {
		proto string
		want  string
	}{
		{"", "http"},
		{"https", "https"},
		{"HTTPS, http", "https"},
		{"javascript", "http"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.proto != "" {
			r.Header.Set("X-Forwarded-Proto", tt.proto)
		}
		if got := schemeFromRequest(r); got != tt.want {
			t.Errorf("proto %q: got %q, want %q", tt.proto, got, tt.want)
		}
	}
}
