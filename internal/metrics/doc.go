/*
Package metrics provides Prometheus metrics for tierstore.

# Overview

A Collector owns a private Prometheus registry holding three groups of series:

	storage     storage_operations_total{backend,operation,tier,status}
	            storage_operation_duration_seconds{backend,operation}
	            storage_transfer_bytes_total{backend,direction}
	            errors_total{operation,code}
	lifecycle   lifecycle_decisions_total{from,to}
	            lifecycle_moves_total{from,to,status}
	            lifecycle_deletions_total{status}
	            lifecycle_estimated_savings_bytes
	            lifecycle_last_run_timestamp_seconds
	migration   migration_objects_total{status}
	            migration_bytes_total
	            migration_phase{phase}

Series are prefixed with the configured namespace ("tierstore" by default). Error
codes come from pkg/errors, so dashboards can split OBJECT_NOT_FOUND from
CONNECTION_FAILED without parsing messages.

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "tierstore",
	})
	if err != nil {
		return err
	}

	router.Handle("/metrics", collector.Handler())

The storage package wraps drivers so every call is recorded; the lifecycle manager and
the migrator take the collector as an optional dependency.

A disabled or nil Collector is valid and records nothing, so callers never need to
check whether metrics are turned on.

Besides the Prometheus series the collector keeps per-operation totals in memory
(GetMetrics) for the CLI and the admin API.
*/
package metrics
