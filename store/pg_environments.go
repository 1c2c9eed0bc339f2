package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGEnvironmentStore implements EnvironmentStore backed by PostgreSQL. The
// engine never writes environments; they are managed by the admin surface.
type PGEnvironmentStore struct {
	pool *pgxpool.Pool
}

const environmentColumns = `id, name, code, region, base_url, admin_username,
	admin_password, active, variables`

func scanEnvironment(row pgx.Row) (*TestEnvironment, error) {
	var e TestEnvironment
	var vars json.RawMessage
	if err := row.Scan(&e.ID, &e.Name, &e.Code, &e.Region, &e.BaseURL, &e.AdminUsername,
		&e.AdminPassword, &e.Active, &vars); err != nil {
		return nil, err
	}
	if len(vars) > 0 {
		if err := json.Unmarshal(vars, &e.Variables); err != nil {
			return nil, fmt.Errorf("decode variables for environment %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func (s *PGEnvironmentStore) GetEnvironment(ctx context.Context, id uuid.UUID) (*TestEnvironment, error) {
	e, err := scanEnvironment(s.pool.QueryRow(ctx,
		`SELECT `+environmentColumns+` FROM test_environments WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get environment: %w", err)
	}
	return e, nil
}

func (s *PGEnvironmentStore) ListEnvironments(ctx context.Context, activeOnly bool) ([]*TestEnvironment, error) {
	query := `SELECT ` + environmentColumns + ` FROM test_environments`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list environments: %w", err)
	}
	defer rows.Close()

	var envs []*TestEnvironment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, e)
	}
	return envs, rows.Err()
}

// PGRecipientStore implements RecipientStore over notification_preferences.
// A row with a NULL environment_id applies to every environment.
type PGRecipientStore struct {
	pool *pgxpool.Pool
}

func (s *PGRecipientStore) ListRecipients(ctx context.Context, envID uuid.UUID) ([]*NotificationRecipient, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT email, bool_or(email_enabled), bool_or(slack_enabled)
		FROM notification_preferences
		WHERE (email_enabled OR slack_enabled)
			AND (environment_id IS NULL OR environment_id = $1)
		GROUP BY email ORDER BY email`, envID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var out []*NotificationRecipient
	for rows.Next() {
		n := &NotificationRecipient{EnvironmentIDs: []uuid.UUID{envID}}
		if err := rows.Scan(&n.Email, &n.EmailEnabled, &n.SlackEnabled); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
