/*
Package metrics exposes the database's Prometheus instrumentation: horizon
and cursor admission, transaction-pool activity, ingest throttle behavior,
per-operation counters and latencies, sticky health flags, and storage
footprint.

All metrics are package-level and self-registering; import the package for
its init() side effect and call Handler() to mount a scrape endpoint:

	http.Handle("/metrics", metrics.Handler())

Timer is a small helper for recording operation latency into a histogram
or histogram vector:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.KVSOpDuration, "put")
*/
package metrics
