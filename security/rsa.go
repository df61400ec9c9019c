// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package security

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
)

// RsaSigner signs SHA-256 digests with PKCS#1 v1.5.
type RsaSigner struct {
	key *rsa.PrivateKey
}

func NewRsaSigner(key *rsa.PrivateKey) *RsaSigner {
	return &RsaSigner{key: key}
}

func (s *RsaSigner) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
}

// RsaVerifier verifies PKCS#1 v1.5 signatures over SHA-256 digests.
type RsaVerifier struct {
	key *rsa.PublicKey
}

func NewRsaVerifier(key *rsa.PublicKey) *RsaVerifier {
	return &RsaVerifier{key: key}
}

func (v *RsaVerifier) Verify(msg, sig []byte) bool {
	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest[:], sig) == nil
}

// NewRsaSecurity generates a fresh key pair shared by every identity.
func NewRsaSecurity(bits int) (Security, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, err
	}
	return NewHomogeneous(NewRsaSigner(key), NewRsaVerifier(&key.PublicKey)), nil
}
