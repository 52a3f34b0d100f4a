package webpush

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ContentEncoding is the RFC 8188 content coding used for Web Push payloads.
const ContentEncoding = "aes128gcm"

const (
	saltSize         = 16
	ikmSize          = 32
	contentKeySize   = 16
	nonceSize        = 12
	gcmTagSize       = 16
	recordDelimiter  = 0x02
	recordHeaderSize = saltSize + 4 + 1 + publicKeySize
)

var (
	// ErrEncryptionFailed wraps failures of the RFC 8291 encryption steps.
	ErrEncryptionFailed = errors.New("webpush: encryption failed")

	keyInfoLabel   = []byte("WebPush: info\x00")
	contentKeyInfo = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo      = []byte("Content-Encoding: nonce\x00")
)

// Encrypt seals plaintext for the subscription as a single aes128gcm record:
// salt(16) | record size(4) | key id length(1) | ephemeral public key(65) | ciphertext+tag.
// A nil random reader means crypto/rand.
func Encrypt(subscription Subscription, plaintext []byte, random io.Reader) ([]byte, error) {
	if random == nil {
		random = rand.Reader
	}
	keys, err := subscription.decodeKeys()
	if err != nil {
		return nil, err
	}
	ephemeral, err := ecdh.P256().GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrEncryptionFailed, err)
	}
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("%w: salt: %v", ErrEncryptionFailed, err)
	}
	return sealRecord(ephemeral, keys, salt, plaintext)
}

func sealRecord(ephemeral *ecdh.PrivateKey, keys subscriberKeys, salt, plaintext []byte) ([]byte, error) {
	sharedSecret, err := ephemeral.ECDH(keys.publicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: ecdh: %v", ErrEncryptionFailed, err)
	}
	serverPublic := ephemeral.PublicKey().Bytes()
	subscriberPublic := keys.publicKey.Bytes()

	info := make([]byte, 0, len(keyInfoLabel)+len(subscriberPublic)+len(serverPublic))
	info = append(info, keyInfoLabel...)
	info = append(info, subscriberPublic...)
	info = append(info, serverPublic...)

	ikm, err := deriveKey(sharedSecret, keys.authSecret, info, ikmSize)
	if err != nil {
		return nil, err
	}
	contentKey, err := deriveKey(ikm, salt, contentKeyInfo, contentKeySize)
	if err != nil {
		return nil, err
	}
	nonce, err := deriveKey(ikm, salt, nonceInfo, nonceSize)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(contentKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	padded := make([]byte, 0, len(plaintext)+1)
	padded = append(padded, plaintext...)
	padded = append(padded, recordDelimiter)

	record := make([]byte, recordHeaderSize, recordHeaderSize+len(padded)+gcmTagSize)
	copy(record, salt)
	binary.BigEndian.PutUint32(record[saltSize:], uint32(len(padded)+gcmTagSize))
	record[saltSize+4] = byte(len(serverPublic))
	copy(record[saltSize+5:], serverPublic)

	return aead.Seal(record, nonce, padded, nil), nil
}

func deriveKey(secret, salt, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, salt, info)
	key := make([]byte, length)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("%w: hkdf: %v", ErrEncryptionFailed, err)
	}
	return key, nil
}
