// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package transport

import "github.com/prometheus/client_golang/prometheus"

type transportMetrics struct {
	messagesSent      prometheus.Counter
	messagesDelivered prometheus.Counter
	messagesDropped   prometheus.Counter
	timersFired       prometheus.Counter
}

func newTransportMetrics(registerer prometheus.Registerer) (*transportMetrics, error) {
	m := &transportMetrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transport_messages_sent",
			Help: "Number of datagrams handed to the wire",
		}),
		messagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transport_messages_delivered",
			Help: "Number of datagrams delivered to receivers",
		}),
		messagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transport_messages_dropped",
			Help: "Number of datagrams dropped in transit",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transport_timers_fired",
			Help: "Number of timer callbacks run",
		}),
	}
	for _, c := range []prometheus.Collector{
		m.messagesSent,
		m.messagesDelivered,
		m.messagesDropped,
		m.timersFired,
	} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
