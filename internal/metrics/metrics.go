// Copyright 2025 Archiver Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics defines run counters over a Prometheus registry, grounded
// on the teacher CLI's --metrics-addr / promhttp.Handler wiring in
// cmd/cie/index.go. Neither the archiver nor the restore binary creates a
// Registry or serves one over HTTP.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every counter/gauge/histogram the pipeline emits.
type Registry struct {
	reg *prometheus.Registry

	BatchesProcessed *prometheus.CounterVec
	RowsArchived     *prometheus.CounterVec
	RowsDeleted      *prometheus.CounterVec
	RowsRestored     *prometheus.CounterVec
	Errors           *prometheus.CounterVec
	SampleVerifyFail *prometheus.CounterVec
	BatchDuration    *prometheus.HistogramVec
	TableLastRunUnix *prometheus.GaugeVec
}

// New builds a Registry with every metric registered under the "archiver"
// namespace.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		BatchesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver", Name: "batches_processed_total",
			Help: "Batches successfully archived, by database and table.",
		}, []string{"database", "table"}),
		RowsArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver", Name: "rows_archived_total",
			Help: "Rows written to object storage, by database and table.",
		}, []string{"database", "table"}),
		RowsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver", Name: "rows_deleted_total",
			Help: "Rows deleted from the source table after archiving, by database and table.",
		}, []string{"database", "table"}),
		RowsRestored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver", Name: "rows_restored_total",
			Help: "Rows restored into a target table, by database and table.",
		}, []string{"database", "table"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver", Name: "errors_total",
			Help: "Errors encountered, labeled by error taxonomy class.",
		}, []string{"class"}),
		SampleVerifyFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "archiver", Name: "sample_verify_failures_total",
			Help: "Post-delete sample verification failures, by database and table.",
		}, []string{"database", "table"}),
		BatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "archiver", Name: "batch_duration_seconds",
			Help:    "Wall time to select, serialize, upload, and delete one batch.",
			Buckets: prometheus.DefBuckets,
		}, []string{"database", "table"}),
		TableLastRunUnix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "archiver", Name: "table_last_run_unix_seconds",
			Help: "Unix timestamp of the most recent run for a table.",
		}, []string{"database", "table"}),
	}

	reg.MustRegister(
		r.BatchesProcessed, r.RowsArchived, r.RowsDeleted, r.RowsRestored,
		r.Errors, r.SampleVerifyFail, r.BatchDuration, r.TableLastRunUnix,
	)
	return r
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }
