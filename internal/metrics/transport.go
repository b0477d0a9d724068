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
	// FramesSent tracks outbound frames by type and path
	FramesSent = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to peers",
		},
		[]string{"frame", "path"}, // ping/pong/message/ack, fresh/reused/listener
	)

	// FramesReceived tracks inbound frames by type
	FramesReceived = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_received_total",
			Help:      "Total number of frames accepted by the listener",
		},
		[]string{"frame"},
	)

	// FramesDropped tracks silently dropped inbound frames by reason
	FramesDropped = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames dropped during validation",
		},
		[]string{"reason"}, // malformed, stale, replay, signature, unknown_sender
	)

	// TransportErrors tracks transient transport failures by operation
	TransportErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "errors_total",
			Help:      "Total number of transient transport errors",
		},
		[]string{"op"},
	)

	// ListenerConnections tracks currently open inbound streams
	ListenerConnections = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "connections",
			Help:      "Number of currently open inbound streams",
		},
	)

	// ListenerHeartbeat tracks the unix time of the last accepted stream
	ListenerHeartbeat = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "last_accept_timestamp_seconds",
			Help:      "Unix time of the most recent accepted stream",
		},
	)
)
