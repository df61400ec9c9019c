// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package security

import "bytes"

// nopSignature is the literal byte string the no-op scheme emits and
// accepts. Deterministic tests key on it; it must never reach a real
// deployment.
var nopSignature = []byte("signed")

// NopSigner signs everything with the same literal string.
type NopSigner struct{}

func (NopSigner) Sign([]byte) ([]byte, error) {
	return nopSignature, nil
}

// NopVerifier accepts exactly the NopSigner's literal string.
type NopVerifier struct{}

func (NopVerifier) Verify(_, sig []byte) bool {
	return bytes.Equal(sig, nopSignature)
}

// NewNopSecurity returns the deterministic testing Security.
func NewNopSecurity() Security {
	return NewHomogeneous(NopSigner{}, NopVerifier{})
}
