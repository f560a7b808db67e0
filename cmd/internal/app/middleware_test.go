package app

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		if level != tc.wantLevel || result != tc.wantResult {
			t.Fatalf("status=%d level=%v result=%q; want level=%v result=%q", tc.status, level, result, tc.wantLevel, tc.wantResult)
		}
		if got := statusClass(tc.status); got != tc.wantClass {
			t.Fatalf("statusClass(%d)=%q want=%q", tc.status, got, tc.wantClass)
		}
	}
}

func TestWithCORS(t *testing.T) {
	t.Parallel()

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	cases := []struct {
		name        string
		allowed     []string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantOrigin  string
		wantForward bool
	}{
		{
			name:       "preflight for reconcile from app origin",
			allowed:    []string{"https://app.example.com"},
			method:     http.MethodOptions,
			origin:     "https://app.example.com",
			preflight:  true,
			wantStatus: http.StatusNoContent,
			wantOrigin: "https://app.example.com",
		},
		{
			name:       "room list from foreign origin",
			allowed:    []string{"https://app.example.com"},
			method:     http.MethodGet,
			origin:     "https://evil.example.com",
			wantStatus: http.StatusForbidden,
		},
		{
			name:        "loopback dev client on any port",
			allowed:     []string{"http://127.0.0.1:*"},
			method:      http.MethodGet,
			origin:      "http://127.0.0.1:55123",
			wantStatus:  http.StatusOK,
			wantOrigin:  "http://127.0.0.1:55123",
			wantForward: true,
		},
		{
			name:        "same-origin request without Origin header",
			allowed:     []string{"https://app.example.com"},
			method:      http.MethodGet,
			wantStatus:  http.StatusOK,
			wantForward: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			cfg := Config{CORSAllowedOrigins: tc.allowed, CORSAllowCredentials: true, CORSMaxAgeSeconds: 600}
			forwarded := false
			h := WithCORS(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				forwarded = true
				w.WriteHeader(http.StatusOK)
			}), cfg, discard)

			req := httptest.NewRequest(tc.method, "/v1/unread/reconcile", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			if tc.preflight {
				req.Header.Set("Access-Control-Request-Method", http.MethodPost)
				req.Header.Set("Access-Control-Request-Headers", "Authorization, Content-Type")
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tc.wantStatus {
				t.Fatalf("status=%d want=%d", rr.Code, tc.wantStatus)
			}
			if forwarded != tc.wantForward {
				t.Fatalf("forwarded=%v want=%v", forwarded, tc.wantForward)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tc.wantOrigin {
				t.Fatalf("allow-origin=%q want=%q", got, tc.wantOrigin)
			}
		})
	}
}

func TestWithSecurityHeaders(t *testing.T) {
	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	if got := rr.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("missing nosniff: %q", got)
	}
	if got := rr.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("missing frame options: %q", got)
	}
	if got := rr.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Fatalf("missing referrer policy: %q", got)
	}
}

func TestWithRequestLogging_RecordsRouteMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/rooms/{room_id}/messages", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := WithRequestLogging(mux, log, m)

	for _, id := range []string{"r1", "r2"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/rooms/"+id+"/messages", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	got := testutil.ToFloat64(m.Requests.WithLabelValues("GET /v1/rooms/{room_id}/messages", http.MethodGet, "4xx"))
	if got != 2 {
		t.Fatalf("requests{route=messages,class=4xx}=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.Requests.WithLabelValues("unmatched", http.MethodGet, "4xx")); got != 1 {
		t.Fatalf("requests{route=unmatched}=%v want 1", got)
	}
}

func TestWithRequestLogging_PreservesHijacker(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var ok bool
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, ok = w.(http.Hijacker)
	}), log, nil)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !ok {
		t.Fatalf("wrapped writer must implement http.Hijacker")
	}
}
