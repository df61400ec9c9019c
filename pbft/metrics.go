// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pbft

import "github.com/prometheus/client_golang/prometheus"

type replicaMetrics struct {
	committedOps     prometheus.Counter
	executedOps      prometheus.Counter
	replayedReplies  prometheus.Counter
	droppedStale     prometheus.Counter
	droppedIntegrity prometheus.Counter
	droppedConflict  prometheus.Counter
}

func newReplicaMetrics(registerer prometheus.Registerer) (*replicaMetrics, error) {
	m := &replicaMetrics{
		committedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbft_committed_ops",
			Help: "Number of slots committed locally",
		}),
		executedOps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbft_executed_ops",
			Help: "Number of operations executed",
		}),
		replayedReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbft_replayed_replies",
			Help: "Number of cached replies resent for duplicate requests",
		}),
		droppedStale: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbft_dropped_stale",
			Help: "Number of stale messages dropped",
		}),
		droppedIntegrity: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbft_dropped_integrity",
			Help: "Number of messages dropped for signature or digest mismatch",
		}),
		droppedConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pbft_dropped_conflict",
			Help: "Number of conflicting PrePrepares dropped",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.committedOps,
		m.executedOps,
		m.replayedReplies,
		m.droppedStale,
		m.droppedIntegrity,
		m.droppedConflict,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
