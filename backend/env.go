package backend

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/basestate/runid/envelope"
)

// CreateEnvironment inserts an environment and emits
// collection:environment-updated (there is no dedicated creation channel;
// consumers treat any environment event as "refresh the list").
func (s *Store) CreateEnvironment(ctx context.Context, actor envelope.Actor, collectionID, name string, variables map[string]string) (Environment, error) {
	if exists, err := s.collectionExists(ctx, collectionID); err != nil {
		return Environment{}, err
	} else if !exists {
		return Environment{}, ErrNotFound
	}
	env := Environment{
		ID:           s.newEnvID(),
		CollectionID: collectionID,
		Name:         name,
		Variables:    variables,
	}
	if env.Variables == nil {
		env.Variables = map[string]string{}
	}
	vars, err := json.Marshal(env.Variables)
	if err != nil {
		return Environment{}, fmt.Errorf("backend: create environment: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO environments (id, collection_id, name, variables, is_active) VALUES (?, ?, ?, ?, 0)`,
		env.ID, env.CollectionID, env.Name, string(vars))
	if err != nil {
		return Environment{}, fmt.Errorf("backend: create environment: %w", err)
	}
	s.emit(envelope.EnvironmentUpdated, actor, envelope.EnvironmentPayload{
		CollectionID: collectionID, EnvironmentID: env.ID, Name: name,
	})
	return env, nil
}

// UpdateEnvironment rewrites name and variables and emits
// collection:environment-updated.
func (s *Store) UpdateEnvironment(ctx context.Context, actor envelope.Actor, env Environment) error {
	vars, err := json.Marshal(env.Variables)
	if err != nil {
		return fmt.Errorf("backend: update environment: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE environments SET name = ?, variables = ? WHERE id = ? AND collection_id = ?`,
		env.Name, string(vars), env.ID, env.CollectionID)
	if err != nil {
		return fmt.Errorf("backend: update environment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.emit(envelope.EnvironmentUpdated, actor, envelope.EnvironmentPayload{
		CollectionID: env.CollectionID, EnvironmentID: env.ID, Name: env.Name,
	})
	return nil
}

// ActivateEnvironment makes one environment active (deactivating any other
// in the collection) and emits collection:environment-activated.
func (s *Store) ActivateEnvironment(ctx context.Context, actor envelope.Actor, collectionID, environmentID string) error {
	name, err := s.environmentName(ctx, collectionID, environmentID)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("backend: activate environment: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE environments SET is_active = 0 WHERE collection_id = ?`, collectionID); err != nil {
		return fmt.Errorf("backend: activate environment: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE environments SET is_active = 1 WHERE id = ?`, environmentID); err != nil {
		return fmt.Errorf("backend: activate environment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("backend: activate environment: %w", err)
	}
	s.emit(envelope.EnvironmentActivated, actor, envelope.EnvironmentPayload{
		CollectionID: collectionID, EnvironmentID: environmentID, Name: name,
	})
	return nil
}

// DeactivateEnvironment clears the active flag and emits
// collection:environment-deactivated.
func (s *Store) DeactivateEnvironment(ctx context.Context, actor envelope.Actor, collectionID, environmentID string) error {
	name, err := s.environmentName(ctx, collectionID, environmentID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE environments SET is_active = 0 WHERE id = ?`, environmentID); err != nil {
		return fmt.Errorf("backend: deactivate environment: %w", err)
	}
	s.emit(envelope.EnvironmentDeactivated, actor, envelope.EnvironmentPayload{
		CollectionID: collectionID, EnvironmentID: environmentID, Name: name,
	})
	return nil
}

// DeleteEnvironment removes an environment and emits
// collection:environment-deleted.
func (s *Store) DeleteEnvironment(ctx context.Context, actor envelope.Actor, collectionID, environmentID string) error {
	name, err := s.environmentName(ctx, collectionID, environmentID)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM environments WHERE id = ?`, environmentID); err != nil {
		return fmt.Errorf("backend: delete environment: %w", err)
	}
	s.emit(envelope.EnvironmentDeleted, actor, envelope.EnvironmentPayload{
		CollectionID: collectionID, EnvironmentID: environmentID, Name: name,
	})
	return nil
}

// Environments lists a collection's environments.
func (s *Store) Environments(ctx context.Context, collectionID string) ([]Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, collection_id, name, variables, is_active FROM environments WHERE collection_id = ? ORDER BY name, id`,
		collectionID)
	if err != nil {
		return nil, fmt.Errorf("backend: environments: %w", err)
	}
	defer rows.Close()

	out := []Environment{}
	for rows.Next() {
		var env Environment
		var vars string
		var active int
		if err := rows.Scan(&env.ID, &env.CollectionID, &env.Name, &vars, &active); err != nil {
			return nil, fmt.Errorf("backend: environments: %w", err)
		}
		if err := json.Unmarshal([]byte(vars), &env.Variables); err != nil {
			env.Variables = map[string]string{}
		}
		env.Active = active == 1
		out = append(out, env)
	}
	return out, rows.Err()
}

// ActiveEnvironment returns the collection's active environment, if any.
func (s *Store) ActiveEnvironment(ctx context.Context, collectionID string) (Environment, bool, error) {
	envs, err := s.Environments(ctx, collectionID)
	if err != nil {
		return Environment{}, false, err
	}
	for _, env := range envs {
		if env.Active {
			return env, true, nil
		}
	}
	return Environment{}, false, nil
}

func (s *Store) environmentName(ctx context.Context, collectionID, environmentID string) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM environments WHERE id = ? AND collection_id = ?`, environmentID, collectionID).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("backend: environment: %w", err)
	}
	return name, nil
}
