// Copyright 2024 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

package jaldaemon

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the set of counters/gauges SPEC_FULL.md section 0 names:
// "records inserted, records sent, digest mismatches, active sessions and
// pending-digest-list depth."
type Metrics struct {
	RecordsInserted  *prometheus.CounterVec
	RecordsSent      *prometheus.CounterVec
	DigestMismatches *prometheus.CounterVec
	ActiveSessions   *prometheus.GaugeVec
	PendingDigests   *prometheus.GaugeVec
}

// NewMetrics registers every collector against reg and returns the handle
// daemon components record against.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		RecordsInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jald", Name: "records_inserted_total",
			Help: "Records received from peers and stored, by record type.",
		}, []string{"record_type"}),
		RecordsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jald", Name: "records_sent_total",
			Help: "Records successfully transmitted to a peer, by record type and remote host.",
		}, []string{"record_type", "remote"}),
		DigestMismatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jald", Name: "digest_mismatches_total",
			Help: "Peer-reported digests that did not match the locally computed digest.",
		}, []string{"record_type", "remote"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jald", Name: "active_sessions",
			Help: "Sessions currently in the Streaming or Draining state.",
		}, []string{"record_type"}),
		PendingDigests: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jald", Name: "pending_digest_depth",
			Help: "Records sent but not yet digest-confirmed, per session.",
		}, []string{"record_type", "remote"}),
	}
	reg.MustRegister(m.RecordsInserted, m.RecordsSent, m.DigestMismatches, m.ActiveSessions, m.PendingDigests)
	return m
}
