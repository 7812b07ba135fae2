/***************************************************************
 *
 * Copyright (C) 2025, PresQT Project
 *
 * Licensed under the Apache License, Version 2.0 (the "License"); you
 * may not use this file except in compliance with the License.  You may
 * obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 ***************************************************************/

// Package metrics holds the Prometheus instruments for the transfer
// service and wires the /metrics scrape endpoint onto the agent router.
package metrics

import (
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/zsais/go-gin-prometheus"
)

// Transfer job metrics, labelled by action (resource_download /
// resource_upload) so both halves of a round trip show up separately.
var (
	JobsSubmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presqt_jobs_submitted_total",
		Help: "Total number of transfer jobs accepted for processing",
	}, []string{"action", "target"})

	JobsCompletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presqt_jobs_completed_total",
		Help: "Total number of transfer jobs that reached a terminal state",
	}, []string{"action", "status"})

	JobsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "presqt_jobs_active",
		Help: "Number of transfer jobs currently holding a worker slot",
	}, []string{"action"})

	FilesTransferredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presqt_files_transferred_total",
		Help: "Total files moved by completed units of transfer work",
	}, []string{"action"})

	FixityFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presqt_fixity_failures_total",
		Help: "Total files whose checksum did not match or could not be verified",
	})
)

// The gin instrumenter registers its collectors on the default registry,
// so it must be built exactly once per process even when several routers
// are configured (the test suite builds many).
var (
	ginMonitorOnce sync.Once
	ginMonitor     *ginprometheus.Prometheus
)

// ConfigureMetrics attaches request instrumentation middleware and the
// /metrics scrape endpoint to the router.
func ConfigureMetrics(router *gin.Engine) {
	ginMonitorOnce.Do(func() {
		ginMonitor = ginprometheus.NewPrometheus("gin")
	})
	ginMonitor.Use(router)
}
