// ABOUTME: Capability negotiation between agent sessions
// ABOUTME: Computes common protocol versions, feature intersections, and incompatibilities

package negotiate

import (
	"fmt"
	"sort"

	"github.com/2389/coven-mesh/internal/protocol"
	"github.com/2389/coven-mesh/internal/session"
)

// Incompatibility names a required protocol the pair cannot speak together.
type Incompatibility struct {
	Protocol   string `json:"protocol"`
	Suggestion string `json:"suggestion"`
}

// Result of a pairwise negotiation. Symmetric: Negotiate(A,B) and
// Negotiate(B,A) agree on Compatible, CommonProtocols, and the feature sets.
type Result struct {
	Compatible          bool              `json:"compatible"`
	CommonProtocols     map[string]string `json:"common_protocols"` // name -> highest mutual version
	FeatureIntersection []string          `json:"feature_intersection"`
	UnsupportedFeatures []string          `json:"unsupported_features"` // union minus intersection
	Incompatibilities   []Incompatibility `json:"incompatibilities,omitempty"`
	Suggestion          string            `json:"suggestion,omitempty"`
}

// Negotiate computes compatibility between two capability declarations.
// requiredProtocols, when non-empty, must each have a common version or the
// pair is incompatible.
func Negotiate(a, b session.Capabilities, requiredProtocols []string) Result {
	res := Result{
		Compatible:      true,
		CommonProtocols: make(map[string]string),
	}

	for name, aVersions := range a.SupportedProtocols {
		bVersions, ok := b.SupportedProtocols[name]
		if !ok {
			continue
		}
		if common, ok := protocol.MaxCommon(aVersions, bVersions); ok {
			res.CommonProtocols[name] = common
		}
	}

	res.FeatureIntersection = intersect(a.SupportedFeatures, b.SupportedFeatures)
	res.UnsupportedFeatures = symmetricDifference(a.SupportedFeatures, b.SupportedFeatures)

	for _, name := range requiredProtocols {
		if _, ok := res.CommonProtocols[name]; ok {
			continue
		}
		res.Compatible = false
		res.Incompatibilities = append(res.Incompatibilities, Incompatibility{
			Protocol:   name,
			Suggestion: suggestFor(name, a.SupportedProtocols[name], b.SupportedProtocols[name]),
		})
	}

	if !res.Compatible {
		res.Suggestion = res.Incompatibilities[0].Suggestion
	}
	return res
}

// suggestFor builds a human-readable remediation for a missing common version.
func suggestFor(name string, aVersions, bVersions []string) string {
	switch {
	case len(aVersions) == 0 && len(bVersions) == 0:
		return fmt.Sprintf("neither session supports %s; both must add support", name)
	case len(aVersions) == 0 || len(bVersions) == 0:
		return fmt.Sprintf("one session does not support %s; it must add support", name)
	default:
		target := protocol.MaxOf(append(append([]string{}, aVersions...), bVersions...))
		return fmt.Sprintf("no common version of %s; upgrade both sessions to %s", name, target)
	}
}

// Negotiator resolves sessions through the manager and negotiates pairs.
type Negotiator struct {
	sessions *session.Manager
}

// NewNegotiator creates a Negotiator over the session manager.
func NewNegotiator(sessions *session.Manager) *Negotiator {
	return &Negotiator{sessions: sessions}
}

// Negotiate resolves both session IDs and computes their compatibility.
func (n *Negotiator) Negotiate(sessionA, sessionB string, requiredProtocols []string) (Result, error) {
	a, err := n.sessions.Get(sessionA)
	if err != nil {
		return Result{}, fmt.Errorf("session %s: %w", sessionA, err)
	}
	b, err := n.sessions.Get(sessionB)
	if err != nil {
		return Result{}, fmt.Errorf("session %s: %w", sessionB, err)
	}
	return Negotiate(a.Capabilities, b.Capabilities, requiredProtocols), nil
}

// MatrixEntry is one pair's result in a compatibility matrix.
type MatrixEntry struct {
	SessionA string `json:"session_a"`
	SessionB string `json:"session_b"`
	Result   Result `json:"result"`
}

// Matrix performs pairwise negotiation over the given sessions, O(n²).
// Each unordered pair appears once.
func (n *Negotiator) Matrix(sessionIDs []string) ([]MatrixEntry, error) {
	resolved := make([]*session.Session, 0, len(sessionIDs))
	for _, id := range sessionIDs {
		s, err := n.sessions.Get(id)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", id, err)
		}
		resolved = append(resolved, s)
	}

	var out []MatrixEntry
	for i := 0; i < len(resolved); i++ {
		for j := i + 1; j < len(resolved); j++ {
			out = append(out, MatrixEntry{
				SessionA: resolved[i].ID,
				SessionB: resolved[j].ID,
				Result:   Negotiate(resolved[i].Capabilities, resolved[j].Capabilities, nil),
			})
		}
	}
	return out, nil
}

// intersect returns the sorted intersection of two feature lists.
func intersect(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, f := range a {
		inA[f] = true
	}
	seen := make(map[string]bool)
	out := []string{}
	for _, f := range b {
		if inA[f] && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// symmetricDifference returns the sorted union minus intersection.
func symmetricDifference(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, f := range a {
		inA[f] = true
	}
	inB := make(map[string]bool, len(b))
	for _, f := range b {
		inB[f] = true
	}

	seen := make(map[string]bool)
	out := []string{}
	for _, f := range append(append([]string{}, a...), b...) {
		if inA[f] && inB[f] {
			continue
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
