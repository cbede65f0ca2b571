// Package auth signs and verifies the compact HS256 tokens players present
// when opening a websocket. The token subject doubles as the default worm name.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrInvalidToken indicates the token failed signature checks or had malformed structure.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken signals that the token's expiry is in the past.
	ErrExpiredToken = errors.New("token expired")
	// ErrAudience is returned when the token was issued for another service.
	ErrAudience = errors.New("token audience mismatch")
	// ErrMissingToken is returned when an upgrade request carries no token.
	ErrMissingToken = errors.New("missing auth token")
)

// DefaultAudience is stamped on tokens issued for the broker.
const DefaultAudience = "wormy"

// DefaultLeeway tolerates clock skew between issuer and broker.
const DefaultLeeway = 2 * time.Second

// Claims is the token payload.
type Claims struct {
	Subject   string    `json:"sub"`
	Audience  string    `json:"aud,omitempty"`
	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

type wireClaims struct {
	Subject  string `json:"sub"`
	Audience string `json:"aud,omitempty"`
	Issued   int64  `json:"iat"`
	Expires  int64  `json:"exp"`
}

type header struct {
	Algorithm string `json:"alg"`
	Type      string `json:"typ"`
}

// Signer holds the shared secret and issues or checks tokens.
type Signer struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

// NewSigner builds a signer. An empty audience accepts any audience on verify.
func NewSigner(secret, audience string, leeway time.Duration) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("hmac secret must not be empty")
	}
	return &Signer{secret: []byte(secret), audience: audience, leeway: max(leeway, 0), now: time.Now}, nil
}

// WithClock overrides the signer clock for deterministic tests.
func (s *Signer) WithClock(clock func() time.Time) {
	if s != nil && clock != nil {
		s.now = clock
	}
}

// Issue signs a token for subject valid for ttl.
func (s *Signer) Issue(subject string, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("signer not initialised")
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject must not be empty")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("ttl must be positive, got %s", ttl)
	}
	now := s.now()
	head, err := encodeSegment(header{Algorithm: "HS256", Type: "JWT"})
	if err != nil {
		return "", err
	}
	body, err := encodeSegment(wireClaims{
		Subject:  subject,
		Audience: s.audience,
		Issued:   now.Unix(),
		Expires:  now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := head + "." + body
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(s.sign(signingInput)), nil
}

// Verify checks the signature, expiry and audience and returns the claims.
func (s *Signer) Verify(token string) (*Claims, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, errors.New("signer not initialised")
	}
	parts := strings.Split(strings.TrimSpace(token), ".")
	if len(parts) != 3 {
		return nil, ErrInvalidToken
	}

	//1.- Algorithm first so a forged "none" header never reaches the MAC.
	var head header
	if err := decodeSegment(parts[0], &head); err != nil {
		return nil, ErrInvalidToken
	}
	if head.Algorithm != "HS256" {
		return nil, fmt.Errorf("%w: unexpected algorithm %q", ErrInvalidToken, head.Algorithm)
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(sig, s.sign(parts[0]+"."+parts[1])) {
		return nil, ErrInvalidToken
	}

	//2.- Then the payload.
	var wire wireClaims
	if err := decodeSegment(parts[1], &wire); err != nil {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(wire.Subject) == "" || wire.Expires <= 0 {
		return nil, ErrInvalidToken
	}
	expires := time.Unix(wire.Expires, 0)
	if expires.Add(s.leeway).Before(s.now()) {
		return nil, ErrExpiredToken
	}
	if s.audience != "" && wire.Audience != "" && wire.Audience != s.audience {
		return nil, fmt.Errorf("%w: %q", ErrAudience, wire.Audience)
	}
	return &Claims{
		Subject:   wire.Subject,
		Audience:  wire.Audience,
		IssuedAt:  time.Unix(wire.Issued, 0),
		ExpiresAt: expires,
	}, nil
}

// Authenticate reads the token of a websocket upgrade from the auth_token
// query parameter or the X-Auth-Token header and returns its subject.
func (s *Signer) Authenticate(r *http.Request) (string, error) {
	token := strings.TrimSpace(r.URL.Query().Get("auth_token"))
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Auth-Token"))
	}
	if token == "" {
		return "", ErrMissingToken
	}
	claims, err := s.Verify(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (s *Signer) sign(input string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(input))
	return mac.Sum(nil)
}

func encodeSegment(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func decodeSegment(segment string, v any) error {
	raw, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
