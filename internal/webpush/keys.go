package webpush

import (
	"bytes"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	privateKeySize    = 32
	publicKeySize     = 65
	authSecretSize    = 16
	uncompressedPoint = 0x04
)

var (
	// ErrInvalidVAPIDKeys indicates VAPID key material that is malformed or inconsistent.
	ErrInvalidVAPIDKeys = errors.New("webpush: invalid vapid keys")
	// ErrInvalidSubscription indicates subscriber key material that cannot be used for encryption.
	ErrInvalidSubscription = errors.New("webpush: invalid subscription")
)

// VAPIDKeys is the application server key pair used to sign VAPID tokens.
type VAPIDKeys struct {
	private   *ecdsa.PrivateKey
	publicRaw []byte
}

// ParseVAPIDKeys imports a key pair from base64url raw encodings: the 32-byte private
// scalar and the 65-byte uncompressed public point. The public key must match the scalar.
func ParseVAPIDKeys(publicKey, privateKey string) (VAPIDKeys, error) {
	publicRaw, err := decodeBase64URL(publicKey)
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("%w: public key encoding: %v", ErrInvalidVAPIDKeys, err)
	}
	privateRaw, err := decodeBase64URL(privateKey)
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("%w: private key encoding: %v", ErrInvalidVAPIDKeys, err)
	}
	if len(publicRaw) != publicKeySize || publicRaw[0] != uncompressedPoint {
		return VAPIDKeys{}, fmt.Errorf("%w: public key must be a %d-byte uncompressed point", ErrInvalidVAPIDKeys, publicKeySize)
	}
	if len(privateRaw) != privateKeySize {
		return VAPIDKeys{}, fmt.Errorf("%w: private key must be %d bytes", ErrInvalidVAPIDKeys, privateKeySize)
	}

	signingKey, err := ecdsa.ParseRawPrivateKey(elliptic.P256(), privateRaw)
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("%w: %v", ErrInvalidVAPIDKeys, err)
	}
	exchangeKey, err := signingKey.ECDH()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("%w: %v", ErrInvalidVAPIDKeys, err)
	}
	if !bytes.Equal(exchangeKey.PublicKey().Bytes(), publicRaw) {
		return VAPIDKeys{}, fmt.Errorf("%w: public key does not match private key", ErrInvalidVAPIDKeys)
	}

	return VAPIDKeys{private: signingKey, publicRaw: publicRaw}, nil
}

// GenerateVAPIDKeys creates a fresh P-256 key pair and returns its base64url raw encodings.
func GenerateVAPIDKeys(random io.Reader) (publicKey, privateKey string, err error) {
	if random == nil {
		random = rand.Reader
	}
	key, err := ecdh.P256().GenerateKey(random)
	if err != nil {
		return "", "", err
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		base64.RawURLEncoding.EncodeToString(key.Bytes()),
		nil
}

// PublicKey returns the base64url raw uncompressed public point, as used in the
// "k" parameter of the Authorization header and by browsers as applicationServerKey.
func (k VAPIDKeys) PublicKey() string {
	return base64.RawURLEncoding.EncodeToString(k.publicRaw)
}

// Keys carries the subscriber-supplied secrets of a push subscription.
type Keys struct {
	P256dh string
	Auth   string
}

// Subscription identifies a push endpoint and the keys needed to encrypt for it.
type Subscription struct {
	Endpoint string
	Keys     Keys
}

type subscriberKeys struct {
	publicKey  *ecdh.PublicKey
	authSecret []byte
}

func (s Subscription) decodeKeys() (subscriberKeys, error) {
	publicRaw, err := decodeBase64URL(s.Keys.P256dh)
	if err != nil {
		return subscriberKeys{}, fmt.Errorf("%w: p256dh encoding: %v", ErrInvalidSubscription, err)
	}
	publicKey, err := ecdh.P256().NewPublicKey(publicRaw)
	if err != nil {
		return subscriberKeys{}, fmt.Errorf("%w: p256dh: %v", ErrInvalidSubscription, err)
	}
	authSecret, err := decodeBase64URL(s.Keys.Auth)
	if err != nil {
		return subscriberKeys{}, fmt.Errorf("%w: auth encoding: %v", ErrInvalidSubscription, err)
	}
	if len(authSecret) != authSecretSize {
		return subscriberKeys{}, fmt.Errorf("%w: auth secret must be %d bytes, got %d", ErrInvalidSubscription, authSecretSize, len(authSecret))
	}
	return subscriberKeys{publicKey: publicKey, authSecret: authSecret}, nil
}

// decodeBase64URL accepts base64url with or without padding, and tolerates the
// standard alphabet that some browsers and stores emit.
func decodeBase64URL(value string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(value), "=")
	if trimmed == "" {
		return nil, errors.New("empty value")
	}
	normalized := strings.NewReplacer("+", "-", "/", "_").Replace(trimmed)
	return base64.RawURLEncoding.DecodeString(normalized)
}
