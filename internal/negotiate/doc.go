// Package negotiate computes protocol and feature compatibility between
// sessions. Results are symmetric: negotiate(A,B) and negotiate(B,A) agree
// on compatibility and the feature intersection. Required protocols with
// no common version make the pair incompatible, with an upgrade suggestion
// per conflict. Matrix runs every unordered pair for bulk discovery views.
package negotiate
