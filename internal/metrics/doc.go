/*
Package metrics exports scheduler metrics to Prometheus.

The Collector owns a private registry and, once started, serves it over HTTP
together with a /health endpoint:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "iosched",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := collector.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer collector.Stop(ctx)

# Series

Request flow:

	requests_added_total{kind}          accepted by the cache
	requests_aggregated_total           merged into a queued neighbour
	requests_dispatched_total{policy}   handed to the client
	admission_failures_total            refused because the cache was full
	outstanding_requests                queued now
	outstanding_files                   files with queued requests now

Policy selection:

	active_policy{policy}               1 for the running policy
	policy_switches_total{from,to}
	policy_predictions_total{source}    pattern, bandit or static
	pattern_recognitions_total{result}  matched or new
	dtw_distance                        histogram of computed distances
	bandwidth_bytes_per_second          last selection period
	bandit_estimate_bytes_per_second{policy}
	persistence_errors_total{op}        load, save, upload or download

A disabled collector accepts every call and records nothing, so callers do
not need to check whether metrics are on. Gauges that are cheaper to sample
than to maintain are refreshed by the function passed to SetSampler, once per
UpdateInterval.
*/
package metrics
