// Secure Legion - metadata-minimising messenger
// Copyright (C) 2025 Secure-Legion
//
// This file is part of Secure Legion.
//
// Secure Legion is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Secure Legion is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Secure Legion. If not, see <https://www.gnu.org/licenses/>.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PingsRecorded tracks recorded inbound pings
	PingsRecorded = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pings",
			Name:      "recorded_total",
			Help:      "Total number of inbound pings recorded",
		},
		[]string{"outcome"}, // new, duplicate
	)

	// PingTransitions tracks inbox state transitions
	PingTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pings",
			Name:      "transitions_total",
			Help:      "Total number of ping inbox state transitions",
		},
		[]string{"to"},
	)

	// MessagesStored tracks persisted inbound messages
	MessagesStored = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "stored_total",
			Help:      "Total number of inbound messages persisted",
		},
	)

	// MessagesUndecryptable tracks abandoned inbound payloads
	MessagesUndecryptable = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "undecryptable_total",
			Help:      "Total number of inbound payloads that failed decryption",
		},
	)

	// OutboxTransitions tracks outbound status transitions
	OutboxTransitions = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "transitions_total",
			Help:      "Total number of outbox status transitions",
		},
		[]string{"to"},
	)

	// SendAttempts tracks delivery attempts by outcome
	SendAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "attempts_total",
			Help:      "Total number of delivery attempts",
		},
		[]string{"outcome"}, // delivered, transient, permanent
	)

	// SendDuration tracks the duration of successful delivery cycles
	SendDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "delivery_seconds",
			Help:      "Duration of successful ping-to-ack delivery cycles",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		},
	)

	// SkippedKeysCached tracks the out-of-order key cache size
	SkippedKeysCached = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "keychain",
			Name:      "skipped_keys",
			Help:      "Number of cached out-of-order message keys",
		},
	)
)
