package session

import (
	"time"

	"authd/cmd/identity"

	"github.com/golang-jwt/jwt/v5"
)

type jwtClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type jwtHS256Signer struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration
	secret    []byte
}

// NewJWTSigner builds a TokenSigner producing HS256 JWTs.
func NewJWTSigner(cfg Config) (TokenSigner, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, ErrConfig
	}
	return &jwtHS256Signer{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    []byte(cfg.JWTSecret),
	}, nil
}

func (m *jwtHS256Signer) IssueAccessToken(userID string, role identity.Role, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)
	claims := jwtClaims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (m *jwtHS256Signer) Verify(token string, now time.Time) (AccessClaims, error) {
	var c jwtClaims
	_, err := jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil || c.Subject == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	r, ok := identity.ParseRole(c.Role)
	if !ok {
		return AccessClaims{}, ErrInvalidToken
	}

	out := AccessClaims{UserID: c.Subject, Role: r, Issuer: c.Issuer}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.UTC()
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.UTC()
	}
	return out, nil
}

// NewSigner selects the signer named by cfg.AccessTokenFormat.
func NewSigner(cfg Config) (TokenSigner, error) {
	switch cfg.AccessTokenFormat {
	case FormatJWT:
		return NewJWTSigner(cfg)
	case FormatPASETO, "":
		return NewPasetoV4PublicSigner(cfg)
	default:
		return nil, ErrConfig
	}
}
