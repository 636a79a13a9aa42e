/*
Package config holds the engine configuration and its loading rules.

Values are resolved in increasing order of precedence:

	compiled-in defaults (NewDefault)
	YAML file            (LoadFromFile)
	environment          (LoadFromEnv, IOSCHED_*)

Validate must be called after loading; the engine refuses an invalid
configuration.

# Example

	global:
	  log_level: INFO
	scheduler:
	  default_policy: SJF
	  hash_buckets: 256
	  max_aggregation_size: 8MiB
	  selection_period: 500ms
	  twins:
	    window: 125us
	    queues: 8
	pattern_matching:
	  enabled: true
	  min_pattern_size: 5
	  match_threshold: 80
	  max_difference: 10
	  state_file: /var/lib/iosched/iosched.patterns
	  mirror:
	    enabled: true
	    bucket: sched-state
	    key: node-17/iosched.patterns
	bandit:
	  exploration: 1.5
	  alpha: 0.3
	metrics:
	  enabled: true
	  port: 9464

Sizes such as max_aggregation_size accept human readable values ("512KiB",
"8MB"); durations use Go syntax ("125us", "2s").
*/
package config
