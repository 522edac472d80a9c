/*
Copyright 2016 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics exposes the tick-level counters and gauges an operator
// watches this autoscaler through: pool sizes, tick duration, and outcome
// counts, all served on the same metrics endpoint the teacher's
// legacyregistry did.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "acs_engine_autoscaler"

var (
	// TickDuration observes wall-clock time spent in one ControlLoop tick.
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tick_duration_seconds",
		Help:      "Duration of a single control loop tick.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	// TickResult counts ticks by outcome ("success" or "failure").
	TickResult = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ticks_total",
		Help:      "Number of control loop ticks by result.",
	}, []string{"result"})

	// PoolActualCapacity is the live node count of a pool, observed at the
	// start of every tick.
	PoolActualCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_actual_capacity",
		Help:      "Number of live nodes in a pool.",
	}, []string{"pool"})

	// PoolTargetCapacity is the size the scaler most recently requested
	// for a pool, whether or not a deployment has completed yet.
	PoolTargetCapacity = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pool_target_capacity",
		Help:      "Pool size most recently requested by the scaler.",
	}, []string{"pool"})

	// DeploymentsSubmitted counts ARM deployments actually started,
	// distinct from requests skipped because one was already in flight or
	// unchanged from the last request.
	DeploymentsSubmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deployments_submitted_total",
		Help:      "Number of ARM deployments actually started.",
	})

	// NodesDeleted counts nodes whose VM/NIC/OS-disk resources were
	// successfully torn down during scale-in.
	NodesDeleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "nodes_deleted_total",
		Help:      "Number of nodes deleted by pool.",
	}, []string{"pool"})

	// PendingCapacityInfeasible counts pending pods skipped for a tick
	// because no pool's unit capacity could fit them.
	PendingCapacityInfeasible = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pending_capacity_infeasible_total",
		Help:      "Number of pending pods that fit no pool's unit capacity.",
	})
)

// RegisterAll registers every collector with the default registry. Call
// once at startup.
func RegisterAll() {
	prometheus.MustRegister(
		TickDuration,
		TickResult,
		PoolActualCapacity,
		PoolTargetCapacity,
		DeploymentsSubmitted,
		NodesDeleted,
		PendingCapacityInfeasible,
	)
}

// ObserveTick records the duration and result of one completed tick.
func ObserveTick(start time.Time, ok bool) {
	TickDuration.Observe(time.Since(start).Seconds())
	result := "success"
	if !ok {
		result = "failure"
	}
	TickResult.WithLabelValues(result).Inc()
}
