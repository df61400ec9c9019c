// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package security

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNopSignAndVerify(t *testing.T) {
	require := require.New(t)

	sec := NewNopSecurity()
	sig, err := sec.ReplicaSigner(0).Sign([]byte("Hello!"))
	require.NoError(err)
	require.Equal([]byte("signed"), sig)

	require.True(sec.ReplicaVerifier(0).Verify([]byte("Hello!"), sig))
	require.False(sec.ReplicaVerifier(0).Verify([]byte("Hello!"), []byte("forged")))
	require.False(sec.ClientVerifier("10.0.0.1:9000").Verify([]byte("Hello!"), nil))
}

func TestRsaSignAndVerify(t *testing.T) {
	require := require.New(t)

	sec, err := NewRsaSecurity(2048)
	require.NoError(err)

	hello := []byte("Hello!")
	bye := []byte("Goodbye!")

	helloSig, err := sec.ReplicaSigner(0).Sign(hello)
	require.NoError(err)
	require.NotEmpty(helloSig)
	byeSig, err := sec.ReplicaSigner(0).Sign(bye)
	require.NoError(err)

	v := sec.ReplicaVerifier(0)
	require.True(v.Verify(hello, helloSig))
	require.True(v.Verify(hello, helloSig))
	require.True(v.Verify(bye, byeSig))
	require.False(v.Verify(hello, byeSig))
	require.False(v.Verify(bye, helloSig))
}

func TestRsaMismatchedKeys(t *testing.T) {
	require := require.New(t)

	a, err := NewRsaSecurity(2048)
	require.NoError(err)
	b, err := NewRsaSecurity(2048)
	require.NoError(err)

	msg := []byte("Hello!")
	sig, err := a.ReplicaSigner(0).Sign(msg)
	require.NoError(err)
	require.True(a.ReplicaVerifier(0).Verify(msg, sig))
	require.False(b.ReplicaVerifier(0).Verify(msg, sig))
}

func TestSecp256k1SignAndVerify(t *testing.T) {
	require := require.New(t)

	sec, err := NewSecp256k1Security()
	require.NoError(err)

	hello := []byte("Hello!")
	bye := []byte("Goodbye!")

	helloSig, err := sec.ReplicaSigner(0).Sign(hello)
	require.NoError(err)
	require.NotEmpty(helloSig)
	byeSig, err := sec.ReplicaSigner(0).Sign(bye)
	require.NoError(err)

	v := sec.SequencerVerifier(0)
	require.True(v.Verify(hello, helloSig))
	require.True(v.Verify(bye, byeSig))
	require.False(v.Verify(hello, byeSig))
	require.False(v.Verify(bye, helloSig))
	require.False(v.Verify(hello, nil))
}

func TestSecp256k1MismatchedKeys(t *testing.T) {
	require := require.New(t)

	a, err := NewSecp256k1Security()
	require.NoError(err)
	b, err := NewSecp256k1Security()
	require.NoError(err)

	msg := []byte("Hello!")
	sig, err := a.ReplicaSigner(0).Sign(msg)
	require.NoError(err)
	require.True(a.ReplicaVerifier(0).Verify(msg, sig))
	require.False(b.ReplicaVerifier(0).Verify(msg, sig))
}
