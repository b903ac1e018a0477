package authapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"authd/cmd/identity"
	"authd/cmd/internal/auth/session"
)

// Handler wires HTTP auth endpoints to the session service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	sessions *session.Service
	limiter  *failureLimiter
	now      func() time.Time
}

// NewHandler constructs a Handler. sessions is required.
func NewHandler(log *slog.Logger, cfg Config, sessions *session.Service) (*Handler, error) {
	if sessions == nil {
		return nil, errors.New("authapi: nil session service")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	return &Handler{
		log:      log,
		cfg:      cfg,
		sessions: sessions,
		limiter:  newFailureLimiter(cfg.LoginIPMax, cfg.LoginIPWindow),
		now:      time.Now,
	}, nil
}

// Register wires auth routes onto the provided mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /auth/register", h.handleRegister)
	mux.HandleFunc("POST /auth/login", h.handleLogin)
	mux.HandleFunc("POST /auth/refresh", h.handleRefresh)
	mux.HandleFunc("POST /auth/logout", h.handleLogout)
	mux.HandleFunc("POST /auth/logout_all", h.handleLogoutAll)
	mux.HandleFunc("GET /me", h.handleMe)
	mux.HandleFunc("POST /admin/users/{id}/deactivate", h.handleDeactivateUser)
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	issued, err := h.sessions.Register(r.Context(), req.Email, req.Password, clientIP(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeServiceError(w, "auth.register.fail", err)
		return
	}
	h.writeSession(w, http.StatusCreated, issued, req.Platform)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	if blocked, retryAfter := h.limiter.Blocked(ip, now); blocked {
		h.log.Warn("auth.login.throttled", "ip", ip)
		writeRateLimited(w, retryAfter)
		return
	}

	issued, err := h.sessions.Login(r.Context(), req.Email, req.Password, ip)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCredentials) {
			h.limiter.Fail(ip, now)
		}
		h.writeServiceError(w, "auth.login.fail", err)
		return
	}
	h.writeSession(w, http.StatusOK, issued, req.Platform)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	value, platform, ok := h.readRefreshToken(w, r)
	if !ok {
		return
	}
	if value == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	issued, err := h.sessions.Refresh(r.Context(), value, clientIP(r, h.cfg.TrustProxy))
	if err != nil {
		if errors.Is(err, session.ErrInvalidToken) {
			h.clearWebSessionCookies(w)
		}
		h.writeServiceError(w, "auth.refresh.fail", err)
		return
	}
	h.writeSession(w, http.StatusOK, issued, platform)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	value, _, ok := h.readRefreshToken(w, r)
	if !ok {
		return
	}
	if value == "" {
		// Nothing to revoke.
		h.clearWebSessionCookies(w)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := h.sessions.Logout(r.Context(), value, clientIP(r, h.cfg.TrustProxy)); err != nil {
		h.writeServiceError(w, "auth.logout.fail", err)
		return
	}
	h.clearWebSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}

	n, err := h.sessions.LogoutAll(r.Context(), claims.UserID, clientIP(r, h.cfg.TrustProxy))
	if err != nil {
		h.writeServiceError(w, "auth.logout_all.fail", err)
		return
	}
	h.clearWebSessionCookies(w)
	writeJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:    claims.UserID,
		Role:      string(claims.Role),
		ExpiresAt: claims.ExpiresAt,
	})
}

// handleDeactivateUser blocks a user and revokes its refresh tokens. Admins only.
func (h *Handler) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := h.requireAuth(w, r)
	if !ok {
		return
	}
	if claims.Role != identity.RoleAdmin {
		writeError(w, http.StatusForbidden, "forbidden", "admin role required")
		return
	}

	userID := strings.TrimSpace(r.PathValue("id"))
	if err := h.sessions.DeactivateUser(r.Context(), userID, clientIP(r, h.cfg.TrustProxy)); err != nil {
		h.writeServiceError(w, "admin.deactivate.fail", err)
		return
	}
	h.log.Info("admin.user.deactivated", "user_id", userID, "by", claims.UserID)
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

// readRefreshToken takes the token from the JSON body, falling back to the
// web cookie. Cookie-borne tokens must pass the CSRF double-submit check.
// The value is empty when neither carries a token.
func (h *Handler) readRefreshToken(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	var req refreshRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
			return "", "", false
		}
	}

	value := strings.TrimSpace(req.RefreshToken)
	if value == "" {
		if c, ok := h.refreshTokenFromCookie(r); ok {
			if !h.csrfDoubleSubmitValid(r) {
				writeError(w, http.StatusForbidden, "csrf_invalid", "missing or invalid csrf token")
				return "", "", false
			}
			value = c
			req.Platform = platformWeb
		}
	}
	return value, req.Platform, true
}

func (h *Handler) writeSession(w http.ResponseWriter, status int, issued session.Issued, platform string) {
	resp := sessionResponse{
		UserID:           issued.UserID,
		Role:             string(issued.Role),
		AccessToken:      issued.AccessToken,
		AccessExpiresAt:  issued.AccessExpiresAt,
		RefreshToken:     issued.RefreshToken,
		RefreshExpiresAt: issued.RefreshExpiresAt,
	}
	if h.shouldUseWebCookieTransport(platform) {
		if err := h.setWebSessionCookies(w, issued.RefreshToken, issued.RefreshExpiresAt); err != nil {
			h.log.Error("auth.web_cookie.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		resp.RefreshToken = ""
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps the session error taxonomy to HTTP. Auth failures
// carry one fixed message per kind.
func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	var ve session.ValidationError
	switch {
	case errors.Is(err, session.ErrDuplicateEmail):
		writeFieldError(w, http.StatusConflict, "email_taken", "email already registered", "email")
	case errors.As(err, &ve):
		writeFieldError(w, http.StatusBadRequest, "invalid_request", ve.Msg, ve.Field)
	case errors.Is(err, session.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
	case errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "invalid token")
	default:
		h.log.Error(event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) requireAuth(w http.ResponseWriter, r *http.Request) (session.AccessClaims, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return session.AccessClaims{}, false
	}
	claims, err := h.sessions.VerifyAccessToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
		return session.AccessClaims{}, false
	}
	return claims, true
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// clientIP returns the caller's address as text, or "" when unknown.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip.String()
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return ""
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return ""
}

func parseForwardedIP(raw string) net.IP {
	for p := range strings.SplitSeq(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}
