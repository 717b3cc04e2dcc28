package pki

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"os"
	"strings"
)

// LoadPrivateKey returns a *ecdsa.PrivateKey loaded from the BASE64 encoded DER
// of an ECDSA private key from the provided file, or returns an error.
func LoadPrivateKey(file string) (*ecdsa.PrivateKey, error) {
	if encodedKeyBytes, err := os.ReadFile(file); err != nil {
		return nil, err
	} else if keyBytes, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(encodedKeyBytes))); err != nil {
		return nil, err
	} else if key, err := x509.ParseECPrivateKey(keyBytes); err != nil {
		return nil, err
	} else {
		return key, nil
	}
}
