package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authd/cmd/identity"
	"authd/cmd/internal/auth/session"
	"authd/cmd/security/password"

	paseto "aidanwoods.dev/go-paseto"
)

func newTestHandler(t *testing.T, cfg Config) (*Handler, *http.ServeMux) {
	t.Helper()
	return newTestHandlerWithUsers(t, cfg, identity.NewMemoryStore())
}

func newTestHandlerWithUsers(t *testing.T, cfg Config, users *identity.MemoryStore) (*Handler, *http.ServeMux) {
	t.Helper()

	scfg := session.DefaultConfig()
	scfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	signer, err := session.NewSigner(scfg)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}

	pcfg := password.DefaultConfig()
	pcfg.Params.MemoryKiB = 8 * 1024
	pcfg.Params.Iterations = 1
	pcfg.Params.Parallelism = 1

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := session.NewService(scfg, users, session.NewMemoryStore(), signer,
		password.New(pcfg), session.WithLogger(log))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	h, err := NewHandler(log, cfg, svc)
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	return h, mux
}

func do(t *testing.T, mux *http.ServeMux, method, path string, body any, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()

	var rdr io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	req.RemoteAddr = "203.0.113.10:5555"
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeSession(t *testing.T, rec *httptest.ResponseRecorder) sessionResponse {
	t.Helper()
	var s sessionResponse
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return s
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&e); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return e.Error.Code
}

var creds = map[string]string{"email": "dana@example.com", "password": "a perfectly fine passphrase"}

func TestHTTP_RegisterLoginRefreshLogout(t *testing.T) {
	_, mux := newTestHandler(t, DefaultConfig())

	rec := do(t, mux, http.MethodPost, "/auth/register", creds)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	reg := decodeSession(t, rec)
	if reg.AccessToken == "" || reg.RefreshToken == "" || reg.Role != "user" {
		t.Fatalf("register: unexpected body %+v", reg)
	}

	rec = do(t, mux, http.MethodPost, "/auth/login", creds)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d", rec.Code)
	}
	login := decodeSession(t, rec)

	rec = do(t, mux, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": login.RefreshToken})
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", rec.Code)
	}
	next := decodeSession(t, rec)
	if next.RefreshToken == login.RefreshToken {
		t.Fatalf("refresh: expected a rotated token")
	}

	rec = do(t, mux, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": login.RefreshToken})
	if rec.Code != http.StatusUnauthorized || errorCode(t, rec) != "invalid_token" {
		t.Fatalf("replay: expected 401 invalid_token, got %d", rec.Code)
	}

	for range 2 {
		rec = do(t, mux, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": next.RefreshToken})
		if rec.Code != http.StatusNoContent {
			t.Fatalf("logout: expected 204, got %d", rec.Code)
		}
	}
	rec = do(t, mux, http.MethodPost, "/auth/logout", map[string]string{"refresh_token": "never-issued"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("logout unknown: expected 204, got %d", rec.Code)
	}
	for _, body := range []any{nil, map[string]string{}} {
		rec = do(t, mux, http.MethodPost, "/auth/logout", body)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("logout without token: expected 204, got %d", rec.Code)
		}
	}

	rec = do(t, mux, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": next.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after logout: expected 401, got %d", rec.Code)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	_, mux := newTestHandler(t, DefaultConfig())
	if rec := do(t, mux, http.MethodPost, "/auth/register", creds); rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}

	cases := []struct {
		name   string
		path   string
		body   any
		status int
		code   string
	}{
		{"duplicate email", "/auth/register", map[string]string{"email": "DANA@example.com", "password": "another passphrase"}, http.StatusConflict, "email_taken"},
		{"malformed email", "/auth/register", map[string]string{"email": "dana", "password": "another passphrase"}, http.StatusBadRequest, "invalid_request"},
		{"unknown field", "/auth/register", map[string]string{"email": "x@example.com", "password": "pw", "admin": "1"}, http.StatusBadRequest, "invalid_json"},
		{"wrong password", "/auth/login", map[string]string{"email": "dana@example.com", "password": "wrong passphrase"}, http.StatusUnauthorized, "invalid_credentials"},
		{"unknown email", "/auth/login", map[string]string{"email": "erin@example.com", "password": "wrong passphrase"}, http.StatusUnauthorized, "invalid_credentials"},
		{"missing refresh", "/auth/refresh", map[string]string{}, http.StatusBadRequest, "invalid_request"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, mux, http.MethodPost, tc.path, tc.body)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body)
			}
			if got := errorCode(t, rec); got != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, got)
			}
		})
	}

	if rec := do(t, mux, http.MethodGet, "/auth/login", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET /auth/login: expected 405, got %d", rec.Code)
	}
}

func TestHTTP_LogoutAllAndMe(t *testing.T) {
	_, mux := newTestHandler(t, DefaultConfig())
	reg := decodeSession(t, do(t, mux, http.MethodPost, "/auth/register", creds))
	login := decodeSession(t, do(t, mux, http.MethodPost, "/auth/login", creds))

	bearer := func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+login.AccessToken) }

	rec := do(t, mux, http.MethodGet, "/me", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("me: expected 200, got %d", rec.Code)
	}
	var me meResponse
	if err := json.NewDecoder(rec.Body).Decode(&me); err != nil {
		t.Fatalf("decode me: %v", err)
	}
	if me.UserID != reg.UserID || me.Role != "user" {
		t.Fatalf("me: unexpected %+v", me)
	}

	if rec := do(t, mux, http.MethodPost, "/auth/logout_all", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("logout_all without bearer: expected 401, got %d", rec.Code)
	}

	rec = do(t, mux, http.MethodPost, "/auth/logout_all", nil, bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("logout_all: expected 200, got %d", rec.Code)
	}
	var out logoutAllResponse
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Revoked != 2 {
		t.Fatalf("expected 2 revoked, got %d", out.Revoked)
	}

	for _, v := range []string{reg.RefreshToken, login.RefreshToken} {
		rec := do(t, mux, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": v})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("refresh after logout_all: expected 401, got %d", rec.Code)
		}
	}
}

func TestHTTP_AdminDeactivateUser(t *testing.T) {
	users := identity.NewMemoryStore()
	_, mux := newTestHandlerWithUsers(t, DefaultConfig(), users)

	victim := decodeSession(t, do(t, mux, http.MethodPost, "/auth/register", creds))
	adminCreds := map[string]string{"email": "root@example.com", "password": "an administrator passphrase"}
	admin := decodeSession(t, do(t, mux, http.MethodPost, "/auth/register", adminCreds))

	u, err := users.FindByID(context.Background(), admin.UserID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	u.Role = identity.RoleAdmin
	if err := users.Update(context.Background(), u); err != nil {
		t.Fatalf("Update: %v", err)
	}
	admin = decodeSession(t, do(t, mux, http.MethodPost, "/auth/login", adminCreds))
	if admin.Role != "admin" {
		t.Fatalf("expected admin role after promotion, got %q", admin.Role)
	}

	path := "/admin/users/" + victim.UserID + "/deactivate"
	as := func(token string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
	}

	if rec := do(t, mux, http.MethodPost, path, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no bearer: expected 401, got %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, path, nil, as(victim.AccessToken)); rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin: expected 403, got %d", rec.Code)
	}
	if rec := do(t, mux, http.MethodPost, path, nil, as(admin.AccessToken)); rec.Code != http.StatusNoContent {
		t.Fatalf("admin: expected 204, got %d: %s", rec.Code, rec.Body)
	}

	if rec := do(t, mux, http.MethodPost, "/auth/login", creds); rec.Code != http.StatusUnauthorized {
		t.Fatalf("login after deactivation: expected 401, got %d", rec.Code)
	}
	rec := do(t, mux, http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": victim.RefreshToken})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("refresh after deactivation: expected 401, got %d", rec.Code)
	}

	rec = do(t, mux, http.MethodPost, "/admin/users/01ARZ3NDEKTSV4RRFFQ69G5FAV/deactivate", nil, as(admin.AccessToken))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown user: expected 400, got %d", rec.Code)
	}
}

func TestHTTP_WebCookieTransport(t *testing.T) {
	_, mux := newTestHandler(t, DefaultConfig())
	body := map[string]string{"email": creds["email"], "password": creds["password"], "platform": "web"}

	rec := do(t, mux, http.MethodPost, "/auth/register", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d", rec.Code)
	}
	if s := decodeSession(t, rec); s.RefreshToken != "" {
		t.Fatalf("web transport must not expose the refresh token in JSON")
	}

	var refresh, csrf *http.Cookie
	for _, c := range rec.Result().Cookies() {
		switch c.Name {
		case "authd_refresh":
			refresh = c
		case "authd_csrf":
			csrf = c
		}
	}
	if refresh == nil || csrf == nil || !refresh.HttpOnly || csrf.HttpOnly {
		t.Fatalf("expected HttpOnly refresh cookie and readable csrf cookie, got %v / %v", refresh, csrf)
	}

	withCookies := func(r *http.Request) {
		r.AddCookie(refresh)
		r.AddCookie(csrf)
	}
	if rec := do(t, mux, http.MethodPost, "/auth/refresh", nil, withCookies); rec.Code != http.StatusForbidden {
		t.Fatalf("refresh without csrf header: expected 403, got %d", rec.Code)
	}

	rec = do(t, mux, http.MethodPost, "/auth/refresh", nil, withCookies, func(r *http.Request) {
		r.Header.Set("X-CSRF-Token", csrf.Value)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie refresh: expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Header().Get("Set-Cookie"), "authd_refresh=") {
		t.Fatalf("expected rotated refresh cookie")
	}
}

func TestHTTP_LoginThrottlesRepeatedFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LoginIPMax = 3
	h, mux := newTestHandler(t, cfg)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return now }

	bad := map[string]string{"email": "nobody@example.com", "password": "wrong passphrase"}
	for i := range 3 {
		if rec := do(t, mux, http.MethodPost, "/auth/login", bad); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}

	rec := do(t, mux, http.MethodPost, "/auth/login", bad)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected 429 with Retry-After, got %d", rec.Code)
	}

	now = now.Add(cfg.LoginIPWindow + time.Second)
	if rec := do(t, mux, http.MethodPost, "/auth/login", bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("after window: expected 401, got %d", rec.Code)
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.1:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")

	if got := clientIP(r, false); got != "198.51.100.1" {
		t.Fatalf("untrusted proxy: got %q", got)
	}
	if got := clientIP(r, true); got != "203.0.113.5" {
		t.Fatalf("trusted proxy: got %q", got)
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":  "abc",
		"bearer  abc": "abc",
		"Basic abc":   "",
		"Bearer":      "",
		"":            "",
	}
	for in, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("Authorization", in)
		if got := bearerToken(r); got != want {
			t.Fatalf("bearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
