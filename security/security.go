// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package security maps protocol identities to the signer/verifier
// pairs used to authenticate replication messages.
package security

// Signer produces a signature over a message's canonical bytes.
// Signing is pure given the key material.
type Signer interface {
	Sign(msg []byte) ([]byte, error)
}

// Verifier checks a signature over a message's canonical bytes.
type Verifier interface {
	Verify(msg, sig []byte) bool
}

// Security maps identities to keys. Replica and sequencer identities
// are indexes; client identities are serialized transport addresses.
type Security interface {
	ReplicaSigner(idx int) Signer
	ReplicaVerifier(idx int) Verifier
	ClientSigner(addr string) Signer
	ClientVerifier(addr string) Verifier
	SequencerSigner(idx int) Signer
	SequencerVerifier(idx int) Verifier
}

// Homogeneous shares a single key pair across every identity.
type Homogeneous struct {
	signer   Signer
	verifier Verifier
}

// NewHomogeneous builds a Security that answers every identity with
// the same signer/verifier pair.
func NewHomogeneous(signer Signer, verifier Verifier) *Homogeneous {
	return &Homogeneous{signer: signer, verifier: verifier}
}

func (h *Homogeneous) ReplicaSigner(int) Signer         { return h.signer }
func (h *Homogeneous) ReplicaVerifier(int) Verifier     { return h.verifier }
func (h *Homogeneous) ClientSigner(string) Signer       { return h.signer }
func (h *Homogeneous) ClientVerifier(string) Verifier   { return h.verifier }
func (h *Homogeneous) SequencerSigner(int) Signer       { return h.signer }
func (h *Homogeneous) SequencerVerifier(int) Verifier   { return h.verifier }
