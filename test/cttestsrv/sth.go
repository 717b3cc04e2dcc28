package cttestsrv

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"

	ct "github.com/google/certificate-transparency-go"
	cttls "github.com/google/certificate-transparency-go/tls"
)

// signSTH populates the TreeHeadSignature of sth with an RFC 6962 signature
// made by signer.
func signSTH(signer *ecdsa.PrivateKey, sth *ct.SignedTreeHead) error {
	sthBytes, err := ct.SerializeSTHSignatureInput(*sth)
	if err != nil {
		return err
	}

	hash := sha256.Sum256(sthBytes)
	signature, err := signer.Sign(rand.Reader, hash[:], crypto.SHA256)
	if err != nil {
		return err
	}

	sth.TreeHeadSignature = ct.DigitallySigned{
		Algorithm: cttls.SignatureAndHashAlgorithm{
			Hash:      cttls.SHA256,
			Signature: cttls.SignatureAlgorithmFromPubKey(signer.Public()),
		},
		Signature: signature,
	}
	return nil
}

// sthResponse converts a signed tree head into the get-sth JSON response.
func sthResponse(sth *ct.SignedTreeHead) (*ct.GetSTHResponse, error) {
	sig, err := cttls.Marshal(sth.TreeHeadSignature)
	if err != nil {
		return nil, err
	}
	return &ct.GetSTHResponse{
		TreeSize:          sth.TreeSize,
		Timestamp:         sth.Timestamp,
		SHA256RootHash:    sth.SHA256RootHash[:],
		TreeHeadSignature: sig,
	}, nil
}
