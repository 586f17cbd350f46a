// Package meeting orchestrates turn-ordered discussions that converge on a
// recorded decision.
//
// # Overview
//
// A meeting moves through pending → in_progress → completed/failed.
// While pending, participants may join and the topic may change. Start
// fixes the speaking order and hands the meeting to its own actor
// goroutine; from then on, every state transition for that meeting is
// serialized by the actor, and independent meetings share no mutable state.
//
// # Rounds
//
// Each round prompts participants strictly sequentially. The outstanding
// prompt is an explicit Turn record {meeting, expected agent, correlation
// id, deadline}; at most one exists per meeting. The prompted agent's
// answer resolves the turn, the deadline expiring records a "no response"
// opinion, and anyone else submitting is rejected without advancing the
// state. Opinions receive strictly increasing sequence numbers matching
// the speaking order.
//
// # Consensus
//
// After the last turn, the round's opinions are sent to every participant
// with a vote request. Consensus requires strict unanimity among all
// original participants; how a missing vote counts is a configured policy
// (disagree by default, or excluded entirely). Consensus writes an
// immutable Decision linking the round's opinions. Otherwise the meeting
// advances a round, or fails with outcome no_consensus at max rounds; it
// is never left in_progress.
//
// # Cancellation
//
// Abort interrupts a pending turn or vote wait promptly. Disconnected
// participants keep their timeout running; a session reconnecting under
// the same agent identity before the deadline may still answer.
package meeting
