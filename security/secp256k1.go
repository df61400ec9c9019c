// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package security

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/luxfi/crypto"
)

// Secp256k1Signer signs SHA-256 digests with a secp256k1 key. The
// recovery byte the curve implementation appends is kept in the
// signature; verification ignores it.
type Secp256k1Signer struct {
	key *ecdsa.PrivateKey
}

func NewSecp256k1Signer(key *ecdsa.PrivateKey) *Secp256k1Signer {
	return &Secp256k1Signer{key: key}
}

func (s *Secp256k1Signer) Sign(msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	return crypto.Sign(digest[:], s.key)
}

// Secp256k1Verifier verifies secp256k1 signatures against an
// uncompressed public key.
type Secp256k1Verifier struct {
	pub []byte
}

func NewSecp256k1Verifier(key *ecdsa.PublicKey) *Secp256k1Verifier {
	return &Secp256k1Verifier{pub: crypto.FromECDSAPub(key)}
}

func (v *Secp256k1Verifier) Verify(msg, sig []byte) bool {
	if len(sig) < 64 {
		return false
	}
	digest := sha256.Sum256(msg)
	return crypto.VerifySignature(v.pub, digest[:], sig[:64])
}

// NewSecp256k1Security generates a fresh key pair shared by every
// identity.
func NewSecp256k1Security() (Security, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return NewHomogeneous(
		NewSecp256k1Signer(key),
		NewSecp256k1Verifier(&key.PublicKey),
	), nil
}
