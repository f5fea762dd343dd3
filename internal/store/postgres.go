package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, full_name, email)
		VALUES ($1, $2, $3, $4)
	`, user.ID, user.Username, user.FullName, user.Email)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.FullName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByUsername(ctx context.Context, username string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, full_name, email, created_at FROM users WHERE username=$1
	`, username).Scan(&user.ID, &user.Username, &user.FullName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// CreateProject inserts the project, its owner membership and the provisioned
// workflow graph as one unit. The graph is immutable after this call.
func (s *PostgresStore) CreateProject(ctx context.Context, project Project, states []WorkflowState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create project: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, key, name, owner_id)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Key, project.Name, project.OwnerID); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, project.ID, project.OwnerID); err != nil {
		return fmt.Errorf("insert owner membership: %w", err)
	}

	for _, state := range states {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflow_states (id, project_id, name, ordinal, terminal)
			VALUES ($1, $2, $3, $4, $5)
		`, state.ID, project.ID, state.Name, state.Ordinal, state.Terminal); err != nil {
			return fmt.Errorf("insert workflow state %s: %w", state.Name, err)
		}
	}
	for _, state := range states {
		for _, target := range state.Transitions {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO workflow_transitions (from_state, to_state)
				VALUES ($1, $2)
			`, state.ID, target); err != nil {
				return fmt.Errorf("insert workflow transition: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, name, owner_id, created_at FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Key, &project.Name, &project.OwnerID, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (s *PostgresStore) AddMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (project_id, user_id) DO NOTHING
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMemberIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM project_members WHERE project_id=$1
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetWorkflowState(ctx context.Context, stateID string) (WorkflowState, error) {
	var state WorkflowState
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, ordinal, terminal FROM workflow_states WHERE id=$1
	`, stateID).Scan(&state.ID, &state.ProjectID, &state.Name, &state.Ordinal, &state.Terminal)
	if err != nil {
		return WorkflowState{}, err
	}
	transitions, err := s.listTransitions(ctx, state.ID)
	if err != nil {
		return WorkflowState{}, err
	}
	state.Transitions = transitions
	return state, nil
}

func (s *PostgresStore) GetWorkflowStateByName(ctx context.Context, projectID, name string) (WorkflowState, error) {
	var state WorkflowState
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, ordinal, terminal
		FROM workflow_states
		WHERE project_id=$1 AND name=$2
	`, projectID, name).Scan(&state.ID, &state.ProjectID, &state.Name, &state.Ordinal, &state.Terminal)
	if err != nil {
		return WorkflowState{}, err
	}
	transitions, err := s.listTransitions(ctx, state.ID)
	if err != nil {
		return WorkflowState{}, err
	}
	state.Transitions = transitions
	return state, nil
}

// FirstWorkflowState returns the project's entry state (lowest ordinal).
func (s *PostgresStore) FirstWorkflowState(ctx context.Context, projectID string) (WorkflowState, error) {
	var state WorkflowState
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, ordinal, terminal
		FROM workflow_states
		WHERE project_id=$1
		ORDER BY ordinal ASC
		LIMIT 1
	`, projectID).Scan(&state.ID, &state.ProjectID, &state.Name, &state.Ordinal, &state.Terminal)
	if err != nil {
		return WorkflowState{}, err
	}
	transitions, err := s.listTransitions(ctx, state.ID)
	if err != nil {
		return WorkflowState{}, err
	}
	state.Transitions = transitions
	return state, nil
}

func (s *PostgresStore) listTransitions(ctx context.Context, stateID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.to_state
		FROM workflow_transitions t
		JOIN workflow_states ws ON ws.id = t.to_state
		WHERE t.from_state=$1
		ORDER BY ws.ordinal ASC
	`, stateID)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	targets := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		targets = append(targets, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return targets, nil
}

func (s *PostgresStore) CreateLabel(ctx context.Context, label Label) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO labels (id, project_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (project_id, name) DO NOTHING
	`, label.ID, label.ProjectID, label.Name)
	if err != nil {
		return fmt.Errorf("insert label: %w", err)
	}
	return nil
}

// ListLabelsByIDs preserves the order of the requested IDs so callers can
// render label lists order-stably. Missing IDs are simply absent from the
// result.
func (s *PostgresStore) ListLabelsByIDs(ctx context.Context, labelIDs []string) ([]Label, error) {
	byID := make(map[string]Label, len(labelIDs))
	for _, id := range labelIDs {
		var label Label
		err := s.db.QueryRowContext(ctx, `
			SELECT id, project_id, name FROM labels WHERE id=$1
		`, id).Scan(&label.ID, &label.ProjectID, &label.Name)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get label %s: %w", id, err)
		}
		byID[id] = label
	}
	items := make([]Label, 0, len(byID))
	for _, id := range labelIDs {
		if label, ok := byID[id]; ok {
			items = append(items, label)
		}
	}
	return items, nil
}
