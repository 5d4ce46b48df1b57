// Copyright 2025 Cirro Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mvrefresh

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	refreshJobCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cirro",
			Subsystem: "mvrefresh",
			Name:      "job_total",
			Help:      "Total number of finished refresh runs.",
		}, []string{"status"})
	refreshJobSuccessCounter = refreshJobCounter.WithLabelValues("success")
	refreshJobFailedCounter  = refreshJobCounter.WithLabelValues("failed")
	refreshJobEmptyCounter   = refreshJobCounter.WithLabelValues("empty")

	refreshRetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cirro",
			Subsystem: "mvrefresh",
			Name:      "retry_total",
			Help:      "Total number of refresh retries by cause.",
		}, []string{"cause"})
	refreshLockRetryCounter    = refreshRetryCounter.WithLabelValues("lock_timeout")
	refreshGeneralRetryCounter = refreshRetryCounter.WithLabelValues("general")
	refreshSyncRetryCounter    = refreshRetryCounter.WithLabelValues("layout_sync")

	refreshDurationHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "cirro",
			Subsystem: "mvrefresh",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of refresh run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2.0, 20),
		})

	refreshPartitionDDLCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cirro",
			Subsystem: "mvrefresh",
			Name:      "partition_ddl_total",
			Help:      "Total number of view partitions created or dropped during layout sync.",
		}, []string{"op"})
	refreshPartitionAddCounter  = refreshPartitionDDLCounter.WithLabelValues("add")
	refreshPartitionDropCounter = refreshPartitionDDLCounter.WithLabelValues("drop")
)

func init() {
	prometheus.MustRegister(refreshJobCounter)
	prometheus.MustRegister(refreshRetryCounter)
	prometheus.MustRegister(refreshDurationHistogram)
	prometheus.MustRegister(refreshPartitionDDLCounter)
}
