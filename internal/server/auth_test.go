package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
)

// whoAmI writes the authenticated user id.
var whoAmI = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	id, ok := userFrom(r.Context())
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	_, _ = w.Write([]byte(strconv.FormatInt(id, 10)))
})

func TestAuth_Middleware(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantUser   string
	}{
		{name: "bearer header", header: "Bearer user-1", wantStatus: http.StatusOK, wantUser: "1"},
		{name: "lowercase scheme", header: "bearer user-2", wantStatus: http.StatusOK, wantUser: "2"},
		{name: "query token", query: "?token=user-2", wantStatus: http.StatusOK, wantUser: "2"},
		{name: "missing token", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "basic auth", header: "Basic dXNlcjpwYXNz", wantStatus: http.StatusUnauthorized},
	}

	e := newTestEnv(t)
	h := e.srv.authMiddleware(whoAmI)

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/knowledge"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantStatus)
			}
			if tc.wantStatus == http.StatusOK {
				if got := w.Body.String(); got != tc.wantUser {
					t.Errorf("user = %q, want %q", got, tc.wantUser)
				}
				return
			}
			if w.Header().Get("WWW-Authenticate") == "" {
				t.Error("expected WWW-Authenticate header on 401")
			}
			var env envelope
			if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if env.Code != 10001 {
				t.Errorf("code = %d, want 10001", env.Code)
			}
		})
	}
}

func TestAuth_DevMode(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t, func(c *Config) {
		c.Verifier = nil
		c.DevUserID = 42
	})

	w := httptest.NewRecorder()
	e.srv.authMiddleware(whoAmI).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/knowledge", nil))

	if w.Code != http.StatusOK || w.Body.String() != "42" {
		t.Errorf("got %d %q, want 200 \"42\"", w.Code, w.Body.String())
	}
}

func TestAuth_PublicRoutes(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	for _, path := range []string{"/api/health", "/api/ready", "/metrics"} {
		if w := e.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200 without a token", path, w.Code)
		}
	}
	if w := e.do(t, http.MethodGet, "/api/conversations", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/conversations = %d, want 401 without a token", w.Code)
	}
}

func TestAuth_BearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"Bearer mytoken", "mytoken"},
		{"bearer mytoken", "mytoken"},
		{"BEARER mytoken", "mytoken"},
		{"Bearer  spaced ", "spaced"},
		{"Basic abc", ""},
		{"Bearer", ""},
		{"", ""},
	}

	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(req); got != tc.want {
			t.Errorf("header=%q: got %q, want %q", tc.header, got, tc.want)
		}
	}
}
