// Package router delivers point-to-point and broadcast messages between
// sessions.
//
// Payloads are validated against the protocol registry before any delivery
// attempt and fail closed. Broadcast attempts each recipient independently
// and partitions the considered set exactly into delivered, failed, and
// skipped, so one full queue never blocks the others.
//
// Messages crossing a project boundary require mutual opt-in permission
// records, pass the sender-side protocol allow-list, and consume a slot in
// a per-pair sliding-window rate counter. Any failed condition rejects the
// message before it is queued.
package router
