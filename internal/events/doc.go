// Package events provides fire-and-forget pub/sub for lifecycle
// notifications. Subscribers are keyed by project (or the wildcard "*");
// publishing never blocks; a slow subscriber drops events rather than
// stalling the publisher. Events are monitoring signals, not part of the
// correctness contract.
package events
