// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package quorum

import (
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"
)

func TestQuorumThreshold(t *testing.T) {
	require := require.New(t)

	s := NewByzantine[uint64](3, log.NewNoOpLogger())
	v := []byte("value")

	require.Nil(s.Add(1, 0, v))
	require.Nil(s.Add(1, 1, v))
	require.False(s.CheckForQuorum(1, v))

	got := s.Add(1, 2, v)
	require.Equal(v, got)
	require.True(s.CheckForQuorum(1, v))

	// Straggler votes after quorum do not retrigger.
	require.Nil(s.Add(1, 3, v))
	require.True(s.CheckForQuorum(1, v))
}

func TestDuplicateVoteIgnored(t *testing.T) {
	require := require.New(t)

	s := NewByzantine[uint64](2, log.NewNoOpLogger())
	v := []byte("value")

	require.Nil(s.Add(1, 0, v))
	require.Nil(s.Add(1, 0, v))
	require.Equal(1, s.NumVotes(1))
	require.False(s.CheckForQuorum(1, v))
}

func TestSplitVoteRejected(t *testing.T) {
	require := require.New(t)

	s := NewByzantine[uint64](2, log.NewNoOpLogger())
	a := []byte("a")
	b := []byte("b")

	require.Nil(s.Add(1, 0, a))
	// Byzantine voter 0 tries to also vote b; the earlier vote wins.
	require.Nil(s.Add(1, 0, b))
	require.Nil(s.Add(1, 1, b))
	require.False(s.CheckForQuorum(1, b))
	require.False(s.CheckForQuorum(1, a))

	require.Equal(a, s.Add(1, 2, a))
}

func TestKeysAreIndependent(t *testing.T) {
	require := require.New(t)

	s := NewByzantine[uint64](2, log.NewNoOpLogger())
	v := []byte("value")

	require.Nil(s.Add(1, 0, v))
	require.Nil(s.Add(2, 1, v))
	require.False(s.CheckForQuorum(1, v))
	require.False(s.CheckForQuorum(2, v))

	require.Equal(v, s.Add(1, 1, v))
	require.False(s.CheckForQuorum(2, v))
}

func TestCrashVariant(t *testing.T) {
	require := require.New(t)

	s := NewCrash[uint64](2, log.NewNoOpLogger())
	v := []byte("reply")

	require.Nil(s.Add(7, 0, v))
	require.Equal(v, s.Add(7, 1, v))
	require.Equal(2, s.Threshold())
}

func TestClear(t *testing.T) {
	require := require.New(t)

	s := NewCrash[uint64](2, log.NewNoOpLogger())
	v := []byte("reply")

	s.Add(7, 0, v)
	s.Add(7, 1, v)
	require.True(s.CheckForQuorum(7, v))

	s.Clear(7)
	require.False(s.CheckForQuorum(7, v))
	require.Equal(0, s.NumVotes(7))
}
