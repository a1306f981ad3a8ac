/*
Ferrum Mail Transfer Daemon - composable Internet mail transfer agent.
Copyright © 2021-2025 Max Mazurov <fox.cpp@disroot.org>, Ferrum contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	queuedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "queue",
			Name:      "enqueued",
			Help:      "Amount of envelopes admitted into the queue",
		},
		[]string{"module"},
	)
	deliveredRcpts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "queue",
			Name:      "delivered_rcpts",
			Help:      "Amount of recipients delivered successfully",
		},
		[]string{"module"},
	)
	failedRcpts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "queue",
			Name:      "failed_rcpts",
			Help:      "Amount of recipients failed permanently",
		},
		[]string{"module"},
	)
	generatedDSNs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "queue",
			Name:      "generated_dsns",
			Help:      "Amount of generated non-delivery notifications",
		},
		[]string{"module"},
	)
	reclaimedLeases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "queue",
			Name:      "reclaimed_leases",
			Help:      "Amount of delivery leases reclaimed due to expiry",
		},
		[]string{"module"},
	)
	quarantinedEnvelopes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ferrum",
			Subsystem: "queue",
			Name:      "quarantined",
			Help:      "Amount of envelopes moved to the dead-letter store",
		},
		[]string{"module"},
	)
)

func init() {
	prometheus.MustRegister(queuedEnvelopes, deliveredRcpts, failedRcpts,
		generatedDSNs, reclaimedLeases, quarantinedEnvelopes)
}
