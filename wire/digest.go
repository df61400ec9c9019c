// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package wire

import (
	"crypto/sha256"

	"github.com/luxfi/ids"
)

// Digest hashes a canonical serialization for quorum comparison.
// Equality of digests stands in for byte equality of the encoding.
func Digest(b []byte) ids.ID {
	return ids.ID(sha256.Sum256(b))
}

// RequestDigest is the digest a PrePrepare commits to: the canonical
// bytes of the client request.
func RequestDigest(r *Request) ids.ID {
	return Digest(r.Marshal())
}
