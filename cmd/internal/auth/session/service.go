package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"authd/cmd/identity"
	"authd/cmd/identity/ids"
	"authd/cmd/security/password"
	"authd/cmd/security/token"
)

// Service implements Register, Login, Refresh and Logout.
//
// Errors are ValidationError, AuthError or InternalError. AuthError never
// says which check failed, so callers learn nothing about which emails are
// registered or which state a token is in.
type Service struct {
	cfg       Config
	log       *slog.Logger
	users     UserRepository
	tokens    Store
	signer    TokenSigner
	passwords PasswordVerifier
	metrics   *Metrics
	now       func() time.Time

	// dummyHash is verified against when the email is unknown so that path
	// costs one argon2id run like every other login.
	dummyHash string
}

// Issued is the result of Register, Login and Refresh.
type Issued struct {
	UserID           string
	Role             identity.Role
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithMetrics enables operation counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService wires a Service. It hashes a dummy password once, so expect one
// argon2id run of latency.
func NewService(cfg Config, users UserRepository, tokens Store, signer TokenSigner, passwords PasswordVerifier, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if users == nil || tokens == nil || signer == nil || passwords == nil {
		return nil, fmt.Errorf("%w: nil dependency", ErrConfig)
	}

	s := &Service{
		cfg:       cfg,
		log:       slog.Default(),
		users:     users,
		tokens:    tokens,
		signer:    signer,
		passwords: passwords,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	dummy, err := passwords.Hash("authd-timing-equalizer-" + cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("session: dummy hash: %w", err)
	}
	s.dummyHash = dummy
	return s, nil
}

// clock returns now in UTC at microsecond precision, the finest every store keeps.
func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Register creates an active user with the default role and issues a token pair.
func (s *Service) Register(ctx context.Context, email, plaintext, sourceIP string) (out Issued, err error) {
	const op = "session.Register"
	start := time.Now()
	defer func() { s.metrics.observe("register", start, err) }()

	now := s.clock()
	email = strings.TrimSpace(email)
	if !identity.ValidEmail(email) {
		return Issued{}, ValidationError{Op: op, Field: "email", Kind: ErrInvalidInput, Msg: "malformed email"}
	}

	switch _, err := s.users.FindByEmail(ctx, email); {
	case err == nil:
		return Issued{}, ValidationError{Op: op, Field: "email", Kind: ErrDuplicateEmail}
	case !identity.IsNotFound(err):
		return Issued{}, s.fail(op, err)
	}

	hash, err := s.passwords.Hash(plaintext)
	if err != nil {
		if msg, ok := passwordRejection(err); ok {
			return Issued{}, ValidationError{Op: op, Field: "password", Kind: ErrInvalidInput, Msg: msg}
		}
		return Issued{}, s.fail(op, err)
	}

	id, err := ids.NewULID(now)
	if err != nil {
		return Issued{}, s.fail(op, err)
	}
	u := identity.User{
		ID:           id,
		Email:        email,
		EmailNorm:    identity.NormalizeEmail(email),
		PasswordHash: hash,
		Role:         s.cfg.defaultRole(),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	out, rt, err := s.prepare(op, u, now, sourceIP)
	if err != nil {
		return Issued{}, err
	}
	if err := s.enroll(ctx, u, rt); err != nil {
		if identity.IsConflict(err) {
			// Lost a race with a concurrent registration of the same email.
			return Issued{}, ValidationError{Op: op, Field: "email", Kind: ErrDuplicateEmail}
		}
		return Issued{}, s.fail(op, err)
	}
	s.log.Info("auth.register.ok", "user_id", u.ID, "ip", sourceIP)
	return out, nil
}

// enroll persists a new user with its first refresh token, all or nothing.
// Without an Enroller the user insert is undone when the token insert fails.
func (s *Service) enroll(ctx context.Context, u identity.User, first RefreshToken) error {
	if e, ok := s.tokens.(Enroller); ok {
		return e.Enroll(ctx, u, first)
	}

	if err := s.users.Insert(ctx, u); err != nil {
		return err
	}
	if err := s.tokens.Insert(ctx, first); err != nil {
		if derr := s.users.Delete(context.WithoutCancel(ctx), u.ID); derr != nil {
			s.log.Error("auth.register.undo.fail", "user_id", u.ID, "err", derr)
			return errors.Join(err, derr)
		}
		return err
	}
	return nil
}

// Login verifies credentials and issues a token pair.
func (s *Service) Login(ctx context.Context, email, plaintext, sourceIP string) (out Issued, err error) {
	const op = "session.Login"
	start := time.Now()
	defer func() { s.metrics.observe("login", start, err) }()

	now := s.clock()
	u, err := s.users.FindByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if !identity.IsNotFound(err) {
			return Issued{}, s.fail(op, err)
		}
		_, _ = s.passwords.Verify(plaintext, s.dummyHash)
		s.log.Info("auth.login.denied", "ip", sourceIP)
		return Issued{}, invalidCredentials(op)
	}

	ok, verr := s.passwords.Verify(plaintext, u.PasswordHash)
	if verr != nil {
		s.log.Warn("auth.login.stored_hash.invalid", "user_id", u.ID, "err", verr)
	}
	if verr != nil || !ok || !u.Active {
		s.log.Info("auth.login.denied", "user_id", u.ID, "ip", sourceIP)
		return Issued{}, invalidCredentials(op)
	}

	out, rt, err := s.prepare(op, u, now, sourceIP)
	if err != nil {
		return Issued{}, err
	}
	if err := s.tokens.Insert(ctx, rt); err != nil {
		return Issued{}, s.fail(op, err)
	}
	s.log.Info("auth.login.ok", "user_id", u.ID, "ip", sourceIP)
	return out, nil
}

// Refresh exchanges an active refresh token for a new pair. The presented
// token is revoked and linked to its successor in one conditioned write; of
// concurrent calls with the same token exactly one succeeds.
func (s *Service) Refresh(ctx context.Context, value, sourceIP string) (out Issued, err error) {
	const op = "session.Refresh"
	start := time.Now()
	defer func() { s.metrics.observe("refresh", start, err) }()

	now := s.clock()
	value = strings.TrimSpace(value)
	if !token.WellFormed(value) {
		return Issued{}, invalidToken(op)
	}
	fp := token.Fingerprint(value)

	cur, err := s.tokens.FindByValue(ctx, value)
	if errors.Is(err, ErrTokenNotFound) {
		s.log.Info("auth.refresh.unknown", "token_fp", fp, "ip", sourceIP)
		return Issued{}, invalidToken(op)
	}
	if err != nil {
		return Issued{}, s.fail(op, err)
	}

	if !cur.IsActive(now) {
		if cur.Reason() == RevokedByRotation {
			// A rotated token came back: either a client retry or a stolen copy.
			s.metrics.replay()
			s.log.Warn("auth.refresh.replay", "user_id", cur.UserID, "token_fp", fp, "ip", sourceIP)
		} else {
			s.log.Info("auth.refresh.inactive", "user_id", cur.UserID, "token_fp", fp,
				"revoked", cur.Revoked, "expired", cur.IsExpired(now))
		}
		return Issued{}, invalidToken(op)
	}

	u, err := s.users.FindByID(ctx, cur.UserID)
	if identity.IsNotFound(err) {
		return Issued{}, invalidToken(op)
	}
	if err != nil {
		return Issued{}, s.fail(op, err)
	}
	if !u.Active {
		s.log.Info("auth.refresh.user_inactive", "user_id", u.ID, "token_fp", fp)
		return Issued{}, invalidToken(op)
	}

	access, accessExp, err := s.signer.IssueAccessToken(u.ID, u.Role, now)
	if err != nil {
		return Issued{}, s.fail(op, err)
	}
	next, err := newRefreshToken(u.ID, now, s.cfg.RefreshTokenTTL, s.cfg.RefreshTokenBytes, sourceIP)
	if err != nil {
		return Issued{}, s.fail(op, err)
	}
	revoked, err := cur.RotatedTo(next.TokenValue, now, sourceIP)
	if err != nil {
		return Issued{}, s.fail(op, err)
	}

	switch err := s.tokens.ConditionedUpdate(ctx, revoked, &next); {
	case errors.Is(err, ErrRevocationConflict):
		s.log.Info("auth.refresh.race_lost", "user_id", u.ID, "token_fp", fp, "ip", sourceIP)
		return Issued{}, invalidToken(op)
	case err != nil:
		return Issued{}, s.fail(op, err)
	}

	s.log.Info("auth.refresh.ok", "user_id", u.ID, "token_fp", fp, "next_fp", token.Fingerprint(next.TokenValue))
	return Issued{
		UserID:           u.ID,
		Role:             u.Role,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     next.TokenValue,
		RefreshExpiresAt: next.ExpiresAt,
	}, nil
}

// Logout revokes value if it is active. Unknown, revoked and expired tokens
// are a silent no-op; only store faults return an error.
func (s *Service) Logout(ctx context.Context, value, sourceIP string) (err error) {
	const op = "session.Logout"
	start := time.Now()
	defer func() { s.metrics.observe("logout", start, err) }()

	now := s.clock()
	value = strings.TrimSpace(value)
	if !token.WellFormed(value) {
		return nil
	}

	cur, err := s.tokens.FindByValue(ctx, value)
	if errors.Is(err, ErrTokenNotFound) {
		return nil
	}
	if err != nil {
		return s.fail(op, err)
	}
	if !cur.IsActive(now) {
		return nil
	}

	revoked, err := cur.LoggedOut(now, sourceIP)
	if err != nil {
		return s.fail(op, err)
	}
	switch err := s.tokens.ConditionedUpdate(ctx, revoked, nil); {
	case errors.Is(err, ErrRevocationConflict):
		return nil
	case err != nil:
		return s.fail(op, err)
	}

	s.log.Info("auth.logout.ok", "user_id", cur.UserID, "token_fp", token.Fingerprint(value), "ip", sourceIP)
	return nil
}

// LogoutAll revokes every active refresh token of userID and reports how many.
func (s *Service) LogoutAll(ctx context.Context, userID, sourceIP string) (n int, err error) {
	const op = "session.LogoutAll"
	start := time.Now()
	defer func() { s.metrics.observe("logout_all", start, err) }()

	n, err = s.tokens.RevokeAllForUser(ctx, userID, s.clock(), sourceIP)
	if err != nil {
		return 0, s.fail(op, err)
	}
	s.log.Info("auth.logout_all.ok", "user_id", userID, "revoked", n, "ip", sourceIP)
	return n, nil
}

// DeactivateUser blocks further logins and refreshes for userID and revokes its tokens.
func (s *Service) DeactivateUser(ctx context.Context, userID, sourceIP string) (err error) {
	const op = "session.DeactivateUser"
	start := time.Now()
	defer func() { s.metrics.observe("deactivate", start, err) }()

	u, err := s.users.FindByID(ctx, userID)
	if identity.IsNotFound(err) {
		return ValidationError{Op: op, Field: "user_id", Kind: ErrInvalidInput, Msg: "unknown user"}
	}
	if err != nil {
		return s.fail(op, err)
	}

	// Revoke first: if the user update then fails, the account is merely
	// logged out and the call can be retried.
	now := s.clock()
	n, err := s.tokens.RevokeAllForUser(ctx, u.ID, now, sourceIP)
	if err != nil {
		return s.fail(op, err)
	}
	if u.Active {
		u.Active = false
		u.UpdatedAt = now
		if err := s.users.Update(ctx, u); err != nil {
			return s.fail(op, err)
		}
		// Sweep tokens minted by logins that raced the update.
		late, err := s.tokens.RevokeAllForUser(ctx, u.ID, now, sourceIP)
		if err != nil {
			return s.fail(op, err)
		}
		n += late
	}
	s.log.Info("auth.user.deactivated", "user_id", u.ID, "revoked", n, "ip", sourceIP)
	return nil
}

// VerifyAccessToken checks signature, issuer and validity window.
func (s *Service) VerifyAccessToken(accessToken string) (AccessClaims, error) {
	claims, err := s.signer.Verify(strings.TrimSpace(accessToken), s.clock())
	if err != nil {
		return AccessClaims{}, invalidToken("session.VerifyAccessToken")
	}
	return claims, nil
}

// prepare signs the access token and mints the refresh token without
// writing anything, so signer or entropy faults leave no state behind.
func (s *Service) prepare(op string, u identity.User, now time.Time, ip string) (Issued, RefreshToken, error) {
	access, accessExp, err := s.signer.IssueAccessToken(u.ID, u.Role, now)
	if err != nil {
		return Issued{}, RefreshToken{}, s.fail(op, err)
	}
	rt, err := newRefreshToken(u.ID, now, s.cfg.RefreshTokenTTL, s.cfg.RefreshTokenBytes, ip)
	if err != nil {
		return Issued{}, RefreshToken{}, s.fail(op, err)
	}
	return Issued{
		UserID:           u.ID,
		Role:             u.Role,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rt.TokenValue,
		RefreshExpiresAt: rt.ExpiresAt,
	}, rt, nil
}

func (s *Service) fail(op string, err error) error {
	s.log.Error("auth.internal", "op", op, "err", err)
	return internal(op, err)
}

func passwordRejection(err error) (string, bool) {
	switch {
	case errors.Is(err, password.ErrPasswordTooShort):
		return "password too short", true
	case errors.Is(err, password.ErrPasswordTooLong):
		return "password too long", true
	case errors.Is(err, password.ErrWeakPassword):
		return "password too weak", true
	}
	return "", false
}
