// Package protocol implements the protocol registry.
//
// # Overview
//
// A protocol is a named, versioned, schema-validated message contract,
// unique per (project, name, version) and immutable once registered;
// new versions are new records. Discovery supports semantic-version range
// queries (">=1.0.0,<2.0.0") and capability-tag filters; no match is an
// empty list, not an error.
//
// # Validation
//
// Message payloads are opaque JSON documents validated against the
// registered schema at the registry boundary. Validation returns itemized
// violations and has zero side effects; the router calls it before any
// enqueue so an invalid message is never partially delivered.
package protocol
