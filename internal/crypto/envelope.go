// Package crypto implements the E2EE envelope spec §4/§9 describe as
// "a packet-type contract, not an algorithm": an RSA key exchange
// wraps a per-session AES-GCM key, which then encrypts MEDIA payload
// bytes end to end. The server only ever forwards PacketType
// RSA_PUB_KEY/AES_KEY/MEDIA packets; it never holds a session key.
//
// Built entirely on crypto/rsa, crypto/aes, and crypto/cipher from the
// standard library. No ecosystem E2EE-wrap library appears anywhere in
// the retrieval pack, and the pack's own comparable concern — the
// teacher's tls.go self-signed certificate generator — also reaches
// straight for Go's standard crypto primitives rather than a
// third-party TLS/crypto helper, so that is the idiom this follows.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

const rsaKeyBits = 2048

// ErrDecrypt is returned for any failure unwrapping a key or payload;
// callers must not distinguish "wrong key" from "corrupt data" to
// avoid leaking an oracle.
var ErrDecrypt = errors.New("crypto: decrypt failed")

// GenerateRSAKeyPair creates a fresh per-session RSA key pair used
// once for key exchange, then discarded.
func GenerateRSAKeyPair() (*rsa.PrivateKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate RSA key: %w", err)
	}
	return priv, nil
}

// MarshalPublicKeyPKIX encodes a public key as the bytes carried in an
// RSA_PUB_KEY PacketWrapper's data field.
func MarshalPublicKeyPKIX(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPKIX decodes an RSA_PUB_KEY packet's data field.
func ParsePublicKeyPKIX(data []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("%w: not a PEM block", ErrDecrypt)
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrDecrypt)
	}
	return rsaPub, nil
}

// SessionKey is the per-session AES-256 key carried (RSA-wrapped) in
// an AES_KEY packet and used thereafter to seal/open MEDIA payloads.
type SessionKey [32]byte

// GenerateSessionKey creates a fresh random AES-256 key.
func GenerateSessionKey() (SessionKey, error) {
	var key SessionKey
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("crypto: generate session key: %w", err)
	}
	return key, nil
}

// WrapSessionKey encrypts key under the peer's RSA public key using
// OAEP, producing the AES_KEY packet's data field.
func WrapSessionKey(pub *rsa.PublicKey, key SessionKey) ([]byte, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key[:], nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: wrap session key: %w", err)
	}
	return ciphertext, nil
}

// UnwrapSessionKey decrypts an AES_KEY packet's data field with the
// local RSA private key.
func UnwrapSessionKey(priv *rsa.PrivateKey, data []byte) (SessionKey, error) {
	var key SessionKey
	plain, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, data, nil)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(plain) != len(key) {
		return key, fmt.Errorf("%w: unexpected key length %d", ErrDecrypt, len(plain))
	}
	copy(key[:], plain)
	return key, nil
}

// Seal encrypts plaintext MEDIA payload bytes under key, returning
// nonce||ciphertext suitable for a MEDIA packet's data field.
func Seal(key SessionKey, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a MEDIA packet's data field produced by Seal.
func Open(key SessionKey, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: sealed data shorter than nonce", ErrDecrypt)
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func newGCM(key SessionKey) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: new AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new GCM: %w", err)
	}
	return gcm, nil
}
