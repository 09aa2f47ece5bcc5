// Package agents resolves voice agent configurations from the agent
// directory. The directory is a managed Postgres database; the bridge
// only ever issues single-row point queries against it.
package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAgentNotFound is returned when the agent does not exist or is not
// active. The two cases are indistinguishable on purpose: a call must
// never be bridged to a non-active agent either way.
var ErrAgentNotFound = errors.New("agents: agent not found or inactive")

// Agent is a point-in-time snapshot of one agent's configuration.
// Directory changes after resolution do not affect calls in flight.
type Agent struct {
	ID            string
	Name          string
	SystemPrompt  string
	OpeningScript string
}

// Directory resolves agent identifiers to active agent configurations.
type Directory interface {
	// ResolveActive returns the active agent with the given id.
	// Returns ErrAgentNotFound for missing or inactive agents; any
	// other error is a lookup failure.
	ResolveActive(ctx context.Context, agentID string) (*Agent, error)
}

// rowQuerier is the subset of pgxpool.Pool the store uses.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a Directory backed by Postgres. It holds no per-call state
// and is safe for concurrent use; construct one at startup and share it
// across sessions.
type Store struct {
	db rowQuerier
}

// NewStore creates a Store on top of a connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool}
}

// ResolveActive fetches the agent with one query, filtering on active
// status server-side.
func (s *Store) ResolveActive(ctx context.Context, agentID string) (*Agent, error) {
	const query = `
		SELECT id, name, system_prompt, opening_script
		FROM voice_agents
		WHERE id = $1 AND status = 'active'`

	var agent Agent
	err := s.db.QueryRow(ctx, query, agentID).Scan(
		&agent.ID,
		&agent.Name,
		&agent.SystemPrompt,
		&agent.OpeningScript,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("agents: lookup failed for %s: %w", agentID, err)
	}

	return &agent, nil
}

// Ensure Store implements Directory at compile time.
var _ Directory = (*Store)(nil)
