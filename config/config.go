// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errNoReplicas      = errors.New("configuration has no replicas")
	errUnevenGroups    = errors.New("configuration groups are uneven")
	errGroupTooSmall   = errors.New("replica group too small for f")
	errNoSequencer     = errors.New("no sequencer address configured")
	errReplicaNotFound = errors.New("replica not in configuration")
	errGroupOutOfRange = errors.New("group index out of range")
)

// ReplicaAddress is a host/port endpoint from the configuration file.
// Ports are kept as strings so the value round-trips through the file
// format unchanged.
type ReplicaAddress struct {
	Host string
	Port string
}

func (a ReplicaAddress) String() string {
	return a.Host + ":" + a.Port
}

// Less orders addresses lexicographically by (host, port).
func (a ReplicaAddress) Less(o ReplicaAddress) bool {
	if a.Host != o.Host {
		return a.Host < o.Host
	}
	return a.Port < o.Port
}

// Configuration is the static cluster description: replica groups, the
// tolerated fault count, and the optional multicast, sequencer and
// failure-coordinator endpoints. It is immutable after parsing.
type Configuration struct {
	// F is the number of faulty replicas tolerated per group.
	F int

	// Replicas holds one address list per group.
	Replicas [][]ReplicaAddress

	// Multicast is the group multicast address, if any.
	Multicast *ReplicaAddress

	// Sequencers lists the in-path sequencer endpoints, if any.
	Sequencers []ReplicaAddress

	// FC is the failure coordinator endpoint, if any.
	FC *ReplicaAddress
}

// NumGroups returns the number of replica groups.
func (c *Configuration) NumGroups() int {
	return len(c.Replicas)
}

// NumReplicas returns the size of group 0. Groups are required to be
// the same size, so this is the per-group replica count.
func (c *Configuration) NumReplicas() int {
	if len(c.Replicas) == 0 {
		return 0
	}
	return len(c.Replicas[0])
}

// Replica returns the address of replica idx in group group.
func (c *Configuration) Replica(group, idx int) (ReplicaAddress, error) {
	if group < 0 || group >= len(c.Replicas) {
		return ReplicaAddress{}, fmt.Errorf("%w: %d", errGroupOutOfRange, group)
	}
	if idx < 0 || idx >= len(c.Replicas[group]) {
		return ReplicaAddress{}, fmt.Errorf("%w: group %d idx %d", errReplicaNotFound, group, idx)
	}
	return c.Replicas[group][idx], nil
}

// LeaderIdx returns the index of the primary for the given view.
func (c *Configuration) LeaderIdx(view uint64) int {
	return int(view % uint64(c.NumReplicas()))
}

// QuorumSize returns the crash-tolerant majority, f+1.
func (c *Configuration) QuorumSize() int {
	return c.F + 1
}

// FastQuorumSize returns the superquorum used by speculative paths.
func (c *Configuration) FastQuorumSize() int {
	return c.F + (c.F+1)/2 + 1
}

// NumSequencers returns the number of configured sequencers.
func (c *Configuration) NumSequencers() int {
	return len(c.Sequencers)
}

// Sequencer returns the address of sequencer idx.
func (c *Configuration) Sequencer(idx int) (ReplicaAddress, error) {
	if idx < 0 || idx >= len(c.Sequencers) {
		return ReplicaAddress{}, fmt.Errorf("%w: idx %d", errNoSequencer, idx)
	}
	return c.Sequencers[idx], nil
}

// Check validates the group-size invariant: every group must have at
// least 3f+1 replicas when byzantine, 2f+1 otherwise.
func (c *Configuration) Check(byzantine bool) error {
	if c.NumReplicas() == 0 {
		return errNoReplicas
	}
	min := 2*c.F + 1
	if byzantine {
		min = 3*c.F + 1
	}
	for g, group := range c.Replicas {
		if len(group) != c.NumReplicas() {
			return fmt.Errorf("%w: group %d has %d replicas, group 0 has %d",
				errUnevenGroups, g, len(group), c.NumReplicas())
		}
		if len(group) < min {
			return fmt.Errorf("%w: group %d has %d replicas, need %d for f=%d",
				errGroupTooSmall, g, len(group), min, c.F)
		}
	}
	return nil
}

// Eq reports whether two configurations describe the same cluster.
func (c *Configuration) Eq(o *Configuration) bool {
	return c.String() == o.String()
}

// String renders the configuration in the file format accepted by
// Parse, so that Parse(c.String()) reproduces c.
func (c *Configuration) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "f %d\n", c.F)
	for g, group := range c.Replicas {
		fmt.Fprintf(&sb, "group %d\n", g)
		for _, r := range group {
			fmt.Fprintf(&sb, "replica %s %s\n", r.Host, r.Port)
		}
	}
	if c.Multicast != nil {
		fmt.Fprintf(&sb, "multicast %s %s\n", c.Multicast.Host, c.Multicast.Port)
	}
	for _, s := range c.Sequencers {
		fmt.Fprintf(&sb, "sequencer %s %s\n", s.Host, s.Port)
	}
	if c.FC != nil {
		fmt.Fprintf(&sb, "fc %s %s\n", c.FC.Host, c.FC.Port)
	}
	return sb.String()
}
