// Package config handles configuration loading for coven-mesh.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion (${VAR_NAME} syntax) and Go duration-string parsing. Defaults
// are applied in Load, so an empty file is a valid configuration.
//
// # Sections
//
// Server and store:
//
//	server:
//	  http_addr: ":8385"
//	database:
//	  backend: "sqlite"        # sqlite or memory
//	  path: "/var/lib/coven/mesh.db"
//
// Session lifecycle:
//
//	sessions:
//	  stale_threshold: "30s"
//	  disconnect_threshold: "60s"
//	  reap_interval: "5s"
//	  queue_capacity: 1000
//	  release_policy: "drop"   # drop or deadletter
//	  dead_letter: "memory"    # memory or redis
//	  redis_url: "${MESH_REDIS_URL}"
//
// Meetings:
//
//	meetings:
//	  opinion_timeout: "300s"
//	  consensus_timeout: "180s"
//	  missing_vote_policy: "disagree"  # disagree or ignore
//	  shuffle_order: false
//	  max_rounds: 3
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
