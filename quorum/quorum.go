// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package quorum collects per-slot votes until a threshold of distinct
// voters agrees on one value. Agreement is on the canonical byte
// encoding of the value; votes are bucketed by its digest.
package quorum

import (
	"github.com/luxfi/log"
	"go.uber.org/zap"

	"github.com/luxfi/ids"
	"github.com/luxfi/smr/wire"
)

// Set tracks votes keyed by K (typically an opnum). A voter may vote
// at most once per key; the first vote wins. In the Byzantine variant a
// differing revote is a protocol violation and is logged before being
// rejected; in the crash variant it is ordinary retransmission noise.
type Set[K comparable] struct {
	threshold int
	byzantine bool
	log       log.Logger

	slots map[K]*slot
}

type slot struct {
	// voters maps a voter id to the digest it voted for.
	voters map[uint64]ids.ID
	// candidates maps a digest to the voters behind it.
	candidates map[ids.ID]*candidate
}

type candidate struct {
	value   []byte
	voters  map[uint64]struct{}
	reached bool
}

// NewByzantine returns a set that needs threshold distinct voters on a
// common digest and treats conflicting revotes as Byzantine behavior.
func NewByzantine[K comparable](threshold int, logger log.Logger) *Set[K] {
	return &Set[K]{
		threshold: threshold,
		byzantine: true,
		log:       logger,
		slots:     make(map[K]*slot),
	}
}

// NewCrash returns a set with crash-fault semantics: threshold distinct
// voters on a common value, duplicate votes ignored.
func NewCrash[K comparable](threshold int, logger log.Logger) *Set[K] {
	return &Set[K]{
		threshold: threshold,
		log:       logger,
		slots:     make(map[K]*slot),
	}
}

// Threshold returns the vote count required for quorum.
func (s *Set[K]) Threshold() int {
	return s.threshold
}

// Add records a vote of value (canonical bytes) by voter for key. It
// returns the value's bytes exactly when this vote is the one that
// first reaches threshold for its digest, and nil otherwise. A second
// vote by the same voter for the same key never increases any count.
func (s *Set[K]) Add(key K, voter uint64, value []byte) []byte {
	sl := s.slots[key]
	if sl == nil {
		sl = &slot{
			voters:     make(map[uint64]ids.ID),
			candidates: make(map[ids.ID]*candidate),
		}
		s.slots[key] = sl
	}

	digest := wire.Digest(value)
	if prev, ok := sl.voters[voter]; ok {
		if prev != digest && s.byzantine {
			s.log.Warn("conflicting revote rejected",
				zap.Uint64("voter", voter),
				zap.Stringer("prev", prev),
				zap.Stringer("new", digest),
			)
		}
		return nil
	}
	sl.voters[voter] = digest

	c := sl.candidates[digest]
	if c == nil {
		c = &candidate{
			value:  append([]byte(nil), value...),
			voters: make(map[uint64]struct{}),
		}
		sl.candidates[digest] = c
	}
	c.voters[voter] = struct{}{}

	if len(c.voters) >= s.threshold && !c.reached {
		c.reached = true
		return c.value
	}
	return nil
}

// CheckForQuorum reports whether value has reached threshold for key.
// It never mutates the set. A zero threshold (f=0 Prepare quorums) is
// trivially satisfied.
func (s *Set[K]) CheckForQuorum(key K, value []byte) bool {
	if s.threshold == 0 {
		return true
	}
	sl := s.slots[key]
	if sl == nil {
		return false
	}
	c := sl.candidates[wire.Digest(value)]
	return c != nil && len(c.voters) >= s.threshold
}

// NumVotes returns how many distinct voters have voted for key, across
// all candidates.
func (s *Set[K]) NumVotes(key K) int {
	sl := s.slots[key]
	if sl == nil {
		return 0
	}
	return len(sl.voters)
}

// Clear drops all votes for key. The client clears each decided
// request id so its reply set does not grow without bound; the
// replica's per-slot sets are never cleared.
func (s *Set[K]) Clear(key K) {
	delete(s.slots, key)
}
