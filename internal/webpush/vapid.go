package webpush

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultVAPIDLifetime = 12 * time.Hour

var (
	errMissingSubject  = errors.New("webpush: vapid subject is required")
	errInvalidEndpoint = errors.New("webpush: endpoint must be an absolute https or http url")
)

// VAPIDSignerConfig configures VAPID token generation.
type VAPIDSignerConfig struct {
	Keys     VAPIDKeys
	Subject  string
	Lifetime time.Duration
	Clock    func() time.Time
}

// VAPIDSigner issues ES256 VAPID tokens scoped to the origin of a push endpoint.
type VAPIDSigner struct {
	keys     VAPIDKeys
	subject  string
	lifetime time.Duration
	clock    func() time.Time
}

// NewVAPIDSigner validates configuration. Subjects without a scheme are treated as
// e-mail contacts and prefixed with "mailto:".
func NewVAPIDSigner(cfg VAPIDSignerConfig) (*VAPIDSigner, error) {
	if cfg.Keys.private == nil {
		return nil, fmt.Errorf("%w: key pair not loaded", ErrInvalidVAPIDKeys)
	}
	subject := strings.TrimSpace(cfg.Subject)
	if subject == "" {
		return nil, errMissingSubject
	}
	if !strings.HasPrefix(subject, "mailto:") && !strings.HasPrefix(subject, "https://") {
		subject = "mailto:" + subject
	}
	lifetime := cfg.Lifetime
	if lifetime <= 0 {
		lifetime = defaultVAPIDLifetime
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &VAPIDSigner{
		keys:     cfg.Keys,
		subject:  subject,
		lifetime: lifetime,
		clock:    clock,
	}, nil
}

// Sign returns a compact JWT for the endpoint's origin.
func (s *VAPIDSigner) Sign(endpoint string) (string, error) {
	audience, err := audienceFor(endpoint)
	if err != nil {
		return "", err
	}
	now := s.clock().UTC()
	claims := jwt.MapClaims{
		"aud": audience,
		"iat": now.Unix(),
		"exp": now.Add(s.lifetime).Unix(),
		"sub": s.subject,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	return token.SignedString(s.keys.private)
}

// AuthorizationHeader renders the value of the Authorization header for the endpoint.
func (s *VAPIDSigner) AuthorizationHeader(endpoint string) (string, error) {
	token, err := s.Sign(endpoint)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("vapid t=%s, k=%s", token, s.keys.PublicKey()), nil
}

// PublicKey returns the base64url public key announced alongside each token.
func (s *VAPIDSigner) PublicKey() string {
	return s.keys.PublicKey()
}

func audienceFor(endpoint string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("%w: %v", errInvalidEndpoint, err)
	}
	if (parsed.Scheme != "https" && parsed.Scheme != "http") || parsed.Host == "" {
		return "", errInvalidEndpoint
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}
