// Package pki holds the key handling shared by the prober configuration and
// the CT test server: CT logs publish their public key as base64 DER and are
// identified by the SHA256 hash of that DER.
package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"

	ct "github.com/google/certificate-transparency-go"
)

// RandKey generates a random ECDSA private key or returns an error.
func RandKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return key, nil
}

// ParseLogKey decodes a base64 encoded DER public key as published by a CT
// log. It returns the parsed key and the raw DER.
func ParseLogKey(b64Key string) (crypto.PublicKey, []byte, error) {
	if b64Key == "" {
		return nil, nil, errors.New("log key must not be empty")
	}
	pub, err := ct.PublicKeyFromB64(b64Key)
	if err != nil {
		return nil, nil, fmt.Errorf("log key is invalid: %s", err)
	}
	// PublicKeyFromB64 already decoded the same bytes successfully
	der, _ := base64.StdEncoding.DecodeString(b64Key)
	return pub, der, nil
}

// LogID returns the base64 encoded SHA256 hash of a log's DER public key, the
// RFC 6962 log ID.
func LogID(der []byte) string {
	h := sha256.Sum256(der)
	return base64.StdEncoding.EncodeToString(h[:])
}

// EncodePublicKey returns the base64 DER encoding of pub and its log ID.
func EncodePublicKey(pub crypto.PublicKey) (string, string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(der), LogID(der), nil
}
