// ABOUTME: Protocol registry backed by the store, answering discovery queries
// ABOUTME: Validates schemas on registration and payloads before routing

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mesh/internal/store"
)

// ErrDuplicate indicates the (project, name, version) tuple is already registered.
var ErrDuplicate = errors.New("protocol already registered")

// ErrNotFound indicates no matching protocol exists.
var ErrNotFound = errors.New("protocol not found")

// ErrInvalidDefinition indicates a malformed protocol definition.
var ErrInvalidDefinition = errors.New("invalid protocol definition")

// Definition is a protocol registration request.
type Definition struct {
	ProjectID      string
	Name           string
	Version        string
	Schema         json.RawMessage
	CapabilityTags []string
	Metadata       map[string]string
}

// Query filters protocol discovery. Zero values match everything.
type Query struct {
	Name         string
	VersionRange string // e.g. ">=1.0.0,<2.0.0"
	Tags         []string
}

// Registry stores protocol definitions and validates payloads against them.
// Uniqueness is delegated to the store's atomic check-then-write.
type Registry struct {
	store  store.Store
	logger *slog.Logger
}

// NewRegistry creates a Registry. Pass nil logger for the default.
func NewRegistry(st store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  st,
		logger: logger.With("component", "protocol"),
	}
}

// Register validates and persists a protocol definition.
// Returns ErrInvalidDefinition for malformed input, ErrDuplicate when the
// (project, name, version) tuple already exists. Failure has no side effects.
func (r *Registry) Register(ctx context.Context, def *Definition) (*store.Protocol, error) {
	if def.ProjectID == "" || def.Name == "" {
		return nil, fmt.Errorf("%w: project_id and name are required", ErrInvalidDefinition)
	}
	if _, err := ParseVersion(def.Version); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if _, err := ParseSchema(def.Schema); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	p := &store.Protocol{
		ID:             uuid.New().String(),
		ProjectID:      def.ProjectID,
		Name:           def.Name,
		Version:        def.Version,
		Schema:         def.Schema,
		CapabilityTags: def.CapabilityTags,
		Metadata:       def.Metadata,
		CreatedAt:      time.Now(),
	}

	if err := r.store.CreateProtocol(ctx, p); err != nil {
		if errors.Is(err, store.ErrDuplicateProtocol) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("persisting protocol: %w", err)
	}

	r.logger.Info("protocol registered",
		"project_id", p.ProjectID,
		"name", p.Name,
		"version", p.Version,
		"tags", p.CapabilityTags,
	)
	return p, nil
}

// Discover returns protocols in a project matching the query.
// No match is an empty list, not an error.
func (r *Registry) Discover(ctx context.Context, projectID string, q Query) ([]*store.Protocol, error) {
	rng, err := ParseRange(q.VersionRange)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}

	all, err := r.store.ListProtocols(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("listing protocols: %w", err)
	}

	out := make([]*store.Protocol, 0, len(all))
	for _, p := range all {
		if q.Name != "" && p.Name != q.Name {
			continue
		}
		if q.VersionRange != "" {
			v, err := ParseVersion(p.Version)
			if err != nil || !rng.Matches(v) {
				continue
			}
		}
		if !hasAllTags(p.CapabilityTags, q.Tags) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Get performs an exact lookup, used by the router before delivery.
func (r *Registry) Get(ctx context.Context, projectID, name, version string) (*store.Protocol, error) {
	p, err := r.store.GetProtocol(ctx, projectID, name, version)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up protocol: %w", err)
	}
	return p, nil
}

// ValidatePayload schema-validates a payload against a registered protocol.
// Returns the itemized violations; an empty slice means the payload conforms.
// A failed validation has zero side effects.
func (r *Registry) ValidatePayload(ctx context.Context, projectID, name, version string, payload json.RawMessage) ([]Violation, error) {
	p, err := r.Get(ctx, projectID, name, version)
	if err != nil {
		return nil, err
	}

	schema, err := ParseSchema(p.Schema)
	if err != nil {
		// Registration rejects malformed schemas; a stored one is corrupt.
		return nil, fmt.Errorf("stored schema for %s@%s: %w", name, version, err)
	}
	return schema.Validate(payload), nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}
