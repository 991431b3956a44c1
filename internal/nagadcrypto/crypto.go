// Package nagadcrypto implements the asymmetric handshake Nagad requires on
// every initialize/execute/verify call: the request's sensitive fields are
// RSA-encrypted with the gateway's public key and signed with the merchant
// private key; responses come back encrypted for the merchant key and signed
// by the gateway.
//
// Payloads must be serialized with a stable field order so signatures are
// reproducible; callers pass canonical JSON produced from structs, never
// from maps.
package nagadcrypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMissingKey   = errors.New("key material is empty")
	ErrMalformedKey = errors.New("key material is malformed")
)

// Codec holds the two halves of the handshake: the gateway (peer) public
// key and the merchant (own) private key.
type Codec struct {
	peer *rsa.PublicKey
	own  *rsa.PrivateKey
}

// New parses PEM key material. Nagad distributes keys as bare base64
// bodies without PEM armor; both armored and bare forms are accepted.
func New(peerPublic, ownPrivate []byte) (*Codec, error) {
	pub, err := parsePublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("peer public key: %w", err)
	}
	priv, err := parsePrivateKey(ownPrivate)
	if err != nil {
		return nil, fmt.Errorf("own private key: %w", err)
	}
	return &Codec{peer: pub, own: priv}, nil
}

// Encrypt RSA-PKCS1v15-encrypts plaintext with the peer public key and
// base64-encodes the result.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, c.peer, plaintext)
	if err != nil {
		return "", fmt.Errorf("rsa encrypt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt using the own private key.
func (c *Codec) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("base64 decode: %w", err)
	}
	pt, err := rsa.DecryptPKCS1v15(rand.Reader, c.own, raw)
	if err != nil {
		return nil, fmt.Errorf("rsa decrypt: %w", err)
	}
	return pt, nil
}

// Sign produces a base64 SHA-256 RSA signature over payload with the own
// private key.
func (c *Codec) Sign(payload []byte) (string, error) {
	digest := sha256.Sum256(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.own, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("rsa sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over payload against the peer public
// key. Any mismatch, including a single flipped byte, fails.
func (c *Codec) Verify(payload []byte, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("base64 decode signature: %w", err)
	}
	digest := sha256.Sum256(payload)
	if err := rsa.VerifyPKCS1v15(c.peer, crypto.SHA256, digest[:], sig); err != nil {
		return fmt.Errorf("signature mismatch: %w", err)
	}
	return nil
}

func parsePublicKey(material []byte) (*rsa.PublicKey, error) {
	der, err := decodeKeyMaterial(material, "PUBLIC KEY")
	if err != nil {
		return nil, err
	}
	if key, err := x509.ParsePKIXPublicKey(der); err == nil {
		if pub, ok := key.(*rsa.PublicKey); ok {
			return pub, nil
		}
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedKey)
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	return nil, ErrMalformedKey
}

func parsePrivateKey(material []byte) (*rsa.PrivateKey, error) {
	der, err := decodeKeyMaterial(material, "RSA PRIVATE KEY")
	if err != nil {
		return nil, err
	}
	if priv, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return priv, nil
	}
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if priv, ok := key.(*rsa.PrivateKey); ok {
			return priv, nil
		}
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedKey)
	}
	return nil, ErrMalformedKey
}

// decodeKeyMaterial returns DER bytes from armored PEM, or from a bare
// base64 body by wrapping it in the given block type first.
func decodeKeyMaterial(material []byte, blockType string) ([]byte, error) {
	trimmed := strings.TrimSpace(string(material))
	if trimmed == "" {
		return nil, ErrMissingKey
	}

	if !strings.Contains(trimmed, "-----BEGIN") {
		trimmed = fmt.Sprintf("-----BEGIN %s-----\n%s\n-----END %s-----", blockType, trimmed, blockType)
	}

	block, _ := pem.Decode([]byte(trimmed))
	if block == nil {
		return nil, ErrMalformedKey
	}
	return block.Bytes, nil
}
