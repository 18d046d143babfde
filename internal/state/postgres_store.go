package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pulsewatch/pulsewatch/internal/monitor"
)

// PostgresStore persists runtime state in service_runtime_state.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const selectState = `
	SELECT service_id, current_status, history, open_incident_id, last_check_at
	FROM service_runtime_state
	WHERE service_id = $1
`

const upsertState = `
	INSERT INTO service_runtime_state (
		service_id, current_status, history, open_incident_id, last_check_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, NOW())
	ON CONFLICT (service_id) DO UPDATE SET
		current_status = EXCLUDED.current_status,
		history = EXCLUDED.history,
		open_incident_id = EXCLUDED.open_incident_id,
		last_check_at = EXCLUDED.last_check_at,
		updated_at = NOW()
`

// Load reads the record for serviceID.
func (s *PostgresStore) Load(ctx context.Context, serviceID string) (*RuntimeState, error) {
	return scanState(s.pool.QueryRow(ctx, selectState, serviceID))
}

// Save upserts the record.
func (s *PostgresStore) Save(ctx context.Context, st *RuntimeState) error {
	return saveState(ctx, s.pool, st)
}

// Modify locks the row with SELECT ... FOR UPDATE inside a transaction so
// writers in other processes queue behind this one. A placeholder row is
// inserted first so there is always a row to lock.
func (s *PostgresStore) Modify(ctx context.Context, serviceID string, fn func(*RuntimeState)) (*RuntimeState, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin state transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO service_runtime_state (service_id, current_status)
		VALUES ($1, '')
		ON CONFLICT (service_id) DO NOTHING
	`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("ensure state row: %w", err)
	}

	st, err := scanState(tx.QueryRow(ctx, selectState+" FOR UPDATE", serviceID))
	if err != nil {
		return nil, fmt.Errorf("lock state row: %w", err)
	}

	fn(st)

	if err := saveState(ctx, tx, st); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit state transaction: %w", err)
	}
	return st, nil
}

// Delete removes the record.
func (s *PostgresStore) Delete(ctx context.Context, serviceID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM service_runtime_state WHERE service_id = $1`, serviceID)
	return err
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func saveState(ctx context.Context, db execer, st *RuntimeState) error {
	history := st.History
	if history == nil {
		history = []Sample{}
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}

	_, err = db.Exec(ctx, upsertState,
		st.ServiceID, string(st.CurrentStatus), historyJSON, st.OpenIncidentID, st.LastCheckAt,
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", st.ServiceID, err)
	}
	return nil
}

func scanState(row pgx.Row) (*RuntimeState, error) {
	var (
		st          RuntimeState
		status      string
		historyJSON []byte
	)
	err := row.Scan(&st.ServiceID, &status, &historyJSON, &st.OpenIncidentID, &st.LastCheckAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStateNotFound
		}
		return nil, err
	}

	st.CurrentStatus = monitor.Status(status)
	if err := json.Unmarshal(historyJSON, &st.History); err != nil {
		return nil, fmt.Errorf("decoding history: %w", err)
	}
	return &st, nil
}
