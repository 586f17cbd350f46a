// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides protocol/meeting/decision persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS protocols (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			version TEXT NOT NULL,
			schema TEXT NOT NULL,
			capability_tags TEXT NOT NULL,
			metadata TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_protocols_project_name_version
			ON protocols(project_id, name, version);

		CREATE TABLE IF NOT EXISTS project_permissions (
			from_project TEXT NOT NULL,
			to_project TEXT NOT NULL,
			allowed_protocols TEXT NOT NULL,
			rate_limit INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (from_project, to_project)
		);

		CREATE TABLE IF NOT EXISTS meetings (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			status TEXT NOT NULL,
			speaking_order TEXT NOT NULL,
			current_round INTEGER NOT NULL,
			max_rounds INTEGER NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_meetings_project
			ON meetings(project_id);

		CREATE TABLE IF NOT EXISTS opinions (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			round INTEGER NOT NULL,
			sequence_number INTEGER NOT NULL,
			content TEXT NOT NULL,
			responded INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			FOREIGN KEY (meeting_id) REFERENCES meetings(id)
		);

		CREATE INDEX IF NOT EXISTS idx_opinions_meeting_round
			ON opinions(meeting_id, round);

		CREATE TABLE IF NOT EXISTS votes (
			meeting_id TEXT NOT NULL,
			round INTEGER NOT NULL,
			agent TEXT NOT NULL,
			agrees INTEGER,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (meeting_id, round, agent)
		);

		CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			meeting_id TEXT NOT NULL UNIQUE,
			project_id TEXT NOT NULL,
			content TEXT NOT NULL,
			rationale TEXT NOT NULL,
			opinion_ids TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_decisions_project
			ON decisions(project_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// CreateProtocol inserts a protocol definition. The UNIQUE index on
// (project_id, name, version) makes the check-then-write atomic; a
// duplicate returns ErrDuplicateProtocol.
func (s *SQLiteStore) CreateProtocol(ctx context.Context, p *Protocol) error {
	tags, err := json.Marshal(p.CapabilityTags)
	if err != nil {
		return fmt.Errorf("marshaling capability tags: %w", err)
	}
	meta, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshaling metadata: %w", err)
	}

	query := `
		INSERT INTO protocols (id, project_id, name, version, schema, capability_tags, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		p.ID,
		p.ProjectID,
		p.Name,
		p.Version,
		string(p.Schema),
		string(tags),
		string(meta),
		p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateProtocol
		}
		return fmt.Errorf("inserting protocol: %w", err)
	}

	s.logger.Debug("registered protocol",
		"project_id", p.ProjectID, "name", p.Name, "version", p.Version)
	return nil
}

func scanProtocol(scan func(...any) error) (*Protocol, error) {
	var p Protocol
	var schema, tags, meta, createdAtStr string

	if err := scan(&p.ID, &p.ProjectID, &p.Name, &p.Version, &schema, &tags, &meta, &createdAtStr); err != nil {
		return nil, err
	}

	p.Schema = json.RawMessage(schema)
	if err := json.Unmarshal([]byte(tags), &p.CapabilityTags); err != nil {
		return nil, fmt.Errorf("parsing capability tags: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &p.Metadata); err != nil {
		return nil, fmt.Errorf("parsing metadata: %w", err)
	}

	var err error
	p.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &p, nil
}

// GetProtocol retrieves a protocol by exact (project, name, version).
// Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetProtocol(ctx context.Context, projectID, name, version string) (*Protocol, error) {
	query := `
		SELECT id, project_id, name, version, schema, capability_tags, metadata, created_at
		FROM protocols
		WHERE project_id = ? AND name = ? AND version = ?
	`

	row := s.db.QueryRowContext(ctx, query, projectID, name, version)
	p, err := scanProtocol(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying protocol: %w", err)
	}
	return p, nil
}

// ListProtocols returns all protocols registered in a project.
func (s *SQLiteStore) ListProtocols(ctx context.Context, projectID string) ([]*Protocol, error) {
	query := `
		SELECT id, project_id, name, version, schema, capability_tags, metadata, created_at
		FROM protocols
		WHERE project_id = ?
		ORDER BY name, version
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying protocols: %w", err)
	}
	defer rows.Close()

	var out []*Protocol
	for rows.Next() {
		p, err := scanProtocol(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning protocol: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPermission stores or replaces a cross-project permission.
func (s *SQLiteStore) UpsertPermission(ctx context.Context, perm *ProjectPermission) error {
	allowed, err := json.Marshal(perm.AllowedProtocols)
	if err != nil {
		return fmt.Errorf("marshaling allowed protocols: %w", err)
	}

	query := `
		INSERT INTO project_permissions (from_project, to_project, allowed_protocols, rate_limit, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(from_project, to_project) DO UPDATE SET
			allowed_protocols = excluded.allowed_protocols,
			rate_limit = excluded.rate_limit
	`

	_, err = s.db.ExecContext(ctx, query,
		perm.FromProject,
		perm.ToProject,
		string(allowed),
		perm.RateLimit,
		perm.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting permission: %w", err)
	}
	return nil
}

// GetPermission retrieves the permission record for a project pair.
func (s *SQLiteStore) GetPermission(ctx context.Context, fromProject, toProject string) (*ProjectPermission, error) {
	query := `
		SELECT from_project, to_project, allowed_protocols, rate_limit, created_at
		FROM project_permissions
		WHERE from_project = ? AND to_project = ?
	`

	var perm ProjectPermission
	var allowed, createdAtStr string

	err := s.db.QueryRowContext(ctx, query, fromProject, toProject).Scan(
		&perm.FromProject,
		&perm.ToProject,
		&allowed,
		&perm.RateLimit,
		&createdAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying permission: %w", err)
	}

	if err := json.Unmarshal([]byte(allowed), &perm.AllowedProtocols); err != nil {
		return nil, fmt.Errorf("parsing allowed protocols: %w", err)
	}
	perm.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &perm, nil
}

// CreateMeeting inserts a new meeting.
func (s *SQLiteStore) CreateMeeting(ctx context.Context, m *Meeting) error {
	order, err := json.Marshal(m.SpeakingOrder)
	if err != nil {
		return fmt.Errorf("marshaling speaking order: %w", err)
	}

	query := `
		INSERT INTO meetings (id, project_id, topic, status, speaking_order, current_round, max_rounds, outcome, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		m.ID,
		m.ProjectID,
		m.Topic,
		m.Status,
		string(order),
		m.CurrentRound,
		m.MaxRounds,
		m.Outcome,
		m.CreatedAt.UTC().Format(time.RFC3339),
		m.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting meeting: %w", err)
	}
	return nil
}

// GetMeeting retrieves a meeting by ID.
func (s *SQLiteStore) GetMeeting(ctx context.Context, id string) (*Meeting, error) {
	query := `
		SELECT id, project_id, topic, status, speaking_order, current_round, max_rounds, outcome, created_at, updated_at
		FROM meetings
		WHERE id = ?
	`

	var m Meeting
	var order, createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&m.ID,
		&m.ProjectID,
		&m.Topic,
		&m.Status,
		&order,
		&m.CurrentRound,
		&m.MaxRounds,
		&m.Outcome,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying meeting: %w", err)
	}

	if err := json.Unmarshal([]byte(order), &m.SpeakingOrder); err != nil {
		return nil, fmt.Errorf("parsing speaking order: %w", err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &m, nil
}

// UpdateMeeting replaces a stored meeting's mutable fields.
// Returns ErrNotFound if the meeting doesn't exist.
func (s *SQLiteStore) UpdateMeeting(ctx context.Context, m *Meeting) error {
	order, err := json.Marshal(m.SpeakingOrder)
	if err != nil {
		return fmt.Errorf("marshaling speaking order: %w", err)
	}

	query := `
		UPDATE meetings
		SET status = ?, speaking_order = ?, current_round = ?, outcome = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		m.Status,
		string(order),
		m.CurrentRound,
		m.Outcome,
		time.Now().UTC().Format(time.RFC3339),
		m.ID,
	)
	if err != nil {
		return fmt.Errorf("updating meeting: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveOpinion inserts an opinion row.
func (s *SQLiteStore) SaveOpinion(ctx context.Context, op *Opinion) error {
	query := `
		INSERT INTO opinions (id, meeting_id, agent, round, sequence_number, content, responded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	responded := 0
	if op.Responded {
		responded = 1
	}

	_, err := s.db.ExecContext(ctx, query,
		op.ID,
		op.MeetingID,
		op.Agent,
		op.Round,
		op.SequenceNumber,
		op.Content,
		responded,
		op.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting opinion: %w", err)
	}
	return nil
}

// ListOpinions returns opinions for a meeting in (round, sequence) order.
// round < 0 returns all rounds.
func (s *SQLiteStore) ListOpinions(ctx context.Context, meetingID string, round int) ([]*Opinion, error) {
	query := `
		SELECT id, meeting_id, agent, round, sequence_number, content, responded, created_at
		FROM opinions
		WHERE meeting_id = ?
	`
	args := []any{meetingID}
	if round >= 0 {
		query += " AND round = ?"
		args = append(args, round)
	}
	query += " ORDER BY round, sequence_number"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying opinions: %w", err)
	}
	defer rows.Close()

	var out []*Opinion
	for rows.Next() {
		var op Opinion
		var responded int
		var createdAtStr string
		if err := rows.Scan(&op.ID, &op.MeetingID, &op.Agent, &op.Round, &op.SequenceNumber, &op.Content, &responded, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning opinion: %w", err)
		}
		op.Responded = responded != 0
		if op.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &op)
	}
	return out, rows.Err()
}

// SaveVote inserts or replaces a consensus vote. A reconnecting participant
// may overwrite its own missing vote before the window closes.
func (s *SQLiteStore) SaveVote(ctx context.Context, v *Vote) error {
	query := `
		INSERT INTO votes (meeting_id, round, agent, agrees, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(meeting_id, round, agent) DO UPDATE SET
			agrees = excluded.agrees
	`

	var agrees any
	if v.Agrees != nil {
		if *v.Agrees {
			agrees = 1
		} else {
			agrees = 0
		}
	}

	_, err := s.db.ExecContext(ctx, query,
		v.MeetingID,
		v.Round,
		v.Agent,
		agrees,
		v.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting vote: %w", err)
	}
	return nil
}

// ListVotes returns votes for a meeting round.
func (s *SQLiteStore) ListVotes(ctx context.Context, meetingID string, round int) ([]*Vote, error) {
	query := `
		SELECT meeting_id, round, agent, agrees, created_at
		FROM votes
		WHERE meeting_id = ? AND round = ?
	`

	rows, err := s.db.QueryContext(ctx, query, meetingID, round)
	if err != nil {
		return nil, fmt.Errorf("querying votes: %w", err)
	}
	defer rows.Close()

	var out []*Vote
	for rows.Next() {
		var v Vote
		var agrees sql.NullInt64
		var createdAtStr string
		if err := rows.Scan(&v.MeetingID, &v.Round, &v.Agent, &agrees, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning vote: %w", err)
		}
		if agrees.Valid {
			b := agrees.Int64 != 0
			v.Agrees = &b
		}
		if v.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// SaveDecision records a meeting's decision. The UNIQUE constraint on
// meeting_id enforces immutability; a second write returns ErrDecisionExists.
func (s *SQLiteStore) SaveDecision(ctx context.Context, d *Decision) error {
	opinionIDs, err := json.Marshal(d.OpinionIDs)
	if err != nil {
		return fmt.Errorf("marshaling opinion ids: %w", err)
	}

	query := `
		INSERT INTO decisions (id, meeting_id, project_id, content, rationale, opinion_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		d.ID,
		d.MeetingID,
		d.ProjectID,
		d.Content,
		d.Rationale,
		string(opinionIDs),
		d.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDecisionExists
		}
		return fmt.Errorf("inserting decision: %w", err)
	}

	s.logger.Debug("recorded decision", "meeting_id", d.MeetingID, "decision_id", d.ID)
	return nil
}

func scanDecision(scan func(...any) error) (*Decision, error) {
	var d Decision
	var opinionIDs, createdAtStr string

	if err := scan(&d.ID, &d.MeetingID, &d.ProjectID, &d.Content, &d.Rationale, &opinionIDs, &createdAtStr); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(opinionIDs), &d.OpinionIDs); err != nil {
		return nil, fmt.Errorf("parsing opinion ids: %w", err)
	}
	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &d, nil
}

// GetDecision retrieves the decision for a meeting.
func (s *SQLiteStore) GetDecision(ctx context.Context, meetingID string) (*Decision, error) {
	query := `
		SELECT id, meeting_id, project_id, content, rationale, opinion_ids, created_at
		FROM decisions
		WHERE meeting_id = ?
	`

	row := s.db.QueryRowContext(ctx, query, meetingID)
	d, err := scanDecision(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying decision: %w", err)
	}
	return d, nil
}

// ListDecisions returns all decisions in a project, oldest first.
func (s *SQLiteStore) ListDecisions(ctx context.Context, projectID string) ([]*Decision, error) {
	query := `
		SELECT id, meeting_id, project_id, content, rationale, opinion_ids, created_at
		FROM decisions
		WHERE project_id = ?
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("querying decisions: %w", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
