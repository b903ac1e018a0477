package session

import (
	"errors"
	"fmt"
	"time"

	"authd/cmd/identity"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is what an access token asserts about its bearer.
type AccessClaims struct {
	UserID    string
	Role      identity.Role
	IssuedAt  time.Time
	ExpiresAt time.Time
	Issuer    string
}

type pasetoV4PublicSigner struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicSigner builds a TokenSigner over PASETO v4.public (Ed25519).
func NewPasetoV4PublicSigner(cfg Config) (TokenSigner, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: paseto secret key: %v", ErrConfig, err)
	}
	return &pasetoV4PublicSigner{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
		secret:    secret,
		public:    secret.Public(),
	}, nil
}

// PublicKeyHex exposes the verification key for other services.
func (m *pasetoV4PublicSigner) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicSigner) IssueAccessToken(userID string, role identity.Role, now time.Time) (string, time.Time, error) {
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetSubject(userID)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)
	if err := tok.Set("role", string(role)); err != nil {
		return "", time.Time{}, err
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *pasetoV4PublicSigner) Verify(token string, now time.Time) (AccessClaims, error) {
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(validWithin(now, m.clockSkew))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	role, err := parsed.GetString("role")
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}
	r, ok := identity.ParseRole(role)
	if !ok {
		return AccessClaims{}, ErrInvalidToken
	}

	iss, _ := parsed.GetIssuer()
	iat, _ := parsed.GetIssuedAt()
	exp, _ := parsed.GetExpiration()

	return AccessClaims{
		UserID:    sub,
		Role:      r,
		IssuedAt:  iat,
		ExpiresAt: exp,
		Issuer:    iss,
	}, nil
}

// validWithin accepts iat/nbf up to skew in the future and exp up to skew in the past.
func validWithin(now time.Time, skew time.Duration) paseto.Rule {
	return func(tok paseto.Token) error {
		iat, err := tok.GetIssuedAt()
		if err != nil {
			return err
		}
		nbf, err := tok.GetNotBefore()
		if err != nil {
			return err
		}
		exp, err := tok.GetExpiration()
		if err != nil {
			return err
		}
		late := now.Add(skew)
		if iat.After(late) || nbf.After(late) {
			return errors.New("token not yet valid")
		}
		if !now.Add(-skew).Before(exp) {
			return errors.New("token expired")
		}
		return nil
	}
}
