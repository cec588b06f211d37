// Package keywrap wraps secrets for a recipient's X25519 public key.
//
// Wrapping encapsulates against the recipient key with an ephemeral
// X25519 exchange, derives a symmetric key through HKDF-SHA256 under a
// domain-separation label, and seals the payload with
// XChaCha20-Poly1305. The wire format is
//
//	ephemeral_pub (32) || nonce (24) || ciphertext+tag
//
// Unwrap fails closed: a bad tag, a mismatched key, or a truncated blob
// all return ErrWrapIntegrity and never partial plaintext. This package
// never holds recipient private keys beyond the duration of a call.
package keywrap

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// Domain separation label for key wrapping. Distinct from any transport
// or session derivation so wrapped blobs cannot be cross-used.
const domainWrap = "keyhaven-wrap-v1"

// KeySize is the X25519 key length.
const KeySize = 32

// ErrWrapIntegrity is returned when an AEAD tag does not verify or the
// ciphertext is structurally invalid. The caller should request
// re-issuance of the wrapped payload rather than retry blindly.
var ErrWrapIntegrity = errors.New("keywrap: ciphertext integrity check failed")

// GenerateKeypair creates an X25519 keypair. The private key is handed
// to the caller's authenticator capability and never stored here.
func GenerateKeypair(random io.Reader) (privateKey, publicKey []byte, err error) {
	if random == nil {
		random = rand.Reader
	}
	privateKey = make([]byte, KeySize)
	if _, err := io.ReadFull(random, privateKey); err != nil {
		return nil, nil, fmt.Errorf("keywrap: generating private key: %w", err)
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("keywrap: deriving public key: %w", err)
	}
	return privateKey, publicKey, nil
}

// Wrap seals secret for the holder of recipientPub.
func Wrap(secret, recipientPub []byte, random io.Reader) ([]byte, error) {
	if len(recipientPub) != KeySize {
		return nil, fmt.Errorf("keywrap: recipient public key must be %d bytes, got %d", KeySize, len(recipientPub))
	}
	if random == nil {
		random = rand.Reader
	}

	ephPriv, ephPub, err := GenerateKeypair(random)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(ephPriv)

	encKey, err := deriveKey(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(encKey)

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("keywrap: creating cipher: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("keywrap: generating nonce: %w", err)
	}

	out := make([]byte, 0, KeySize+len(nonce)+len(secret)+chacha20poly1305.Overhead)
	out = append(out, ephPub...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, secret, nil)
	return out, nil
}

// Unwrap opens a blob produced by Wrap using the recipient's private
// key.
func Unwrap(blob, recipientPriv []byte) ([]byte, error) {
	minSize := KeySize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(blob) < minSize {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrWrapIntegrity, len(blob))
	}
	if len(recipientPriv) != KeySize {
		return nil, fmt.Errorf("keywrap: recipient private key must be %d bytes, got %d", KeySize, len(recipientPriv))
	}

	ephPub := blob[:KeySize]
	nonce := blob[KeySize : KeySize+chacha20poly1305.NonceSizeX]
	ciphertext := blob[KeySize+chacha20poly1305.NonceSizeX:]

	encKey, err := deriveKey(recipientPriv, ephPub)
	if err != nil {
		// a degenerate ephemeral point means the blob is not one of
		// ours
		return nil, fmt.Errorf("%w: %v", ErrWrapIntegrity, err)
	}
	defer zeroBytes(encKey)

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, fmt.Errorf("keywrap: creating cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrWrapIntegrity
	}
	return plaintext, nil
}

// deriveKey runs the X25519 exchange and HKDF expansion shared by both
// directions.
func deriveKey(priv, pub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, fmt.Errorf("keywrap: ECDH exchange: %w", err)
	}
	defer zeroBytes(shared)

	r := hkdf.New(sha256.New, shared, []byte(domainWrap), nil)
	encKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, encKey); err != nil {
		return nil, fmt.Errorf("keywrap: HKDF derive: %w", err)
	}
	return encKey, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
