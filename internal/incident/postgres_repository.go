package incident

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a new PostgreSQL incident repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const incidentColumns = `
	id, service_id, kind, status, title, description, ai_summary,
	started_at, resolved_at, created_at, updated_at
`

// FindOpen returns the unresolved incident of kind.
func (r *PostgresRepository) FindOpen(ctx context.Context, serviceID string, kind Kind) (*Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE service_id = $1 AND kind = $2 AND status <> 'resolved'
		LIMIT 1
	`
	return r.scanOne(ctx, query, serviceID, string(kind))
}

// ListOpen returns all unresolved incidents of the service.
func (r *PostgresRepository) ListOpen(ctx context.Context, serviceID string) ([]*Incident, error) {
	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE service_id = $1 AND status <> 'resolved'
		ORDER BY started_at
	`
	return r.scanMany(ctx, query, serviceID)
}

// Create inserts the incident and its first update in one transaction.
func (r *PostgresRepository) Create(ctx context.Context, inc *Incident, first *Update) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback error is not critical

	_, err = tx.Exec(ctx, `
		INSERT INTO incidents (
			id, service_id, kind, status, title, description,
			started_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, inc.ID, inc.ServiceID, string(inc.Kind), string(inc.Status), inc.Title, inc.Description,
		inc.StartedAt, inc.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyOpen
		}
		return err
	}

	if err := insertUpdate(ctx, tx, first); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Resolve marks the incident resolved and appends update.
func (r *PostgresRepository) Resolve(ctx context.Context, id string, resolvedAt time.Time, update *Update) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback error is not critical

	tag, err := tx.Exec(ctx, `
		UPDATE incidents
		SET status = 'resolved', resolved_at = $2, updated_at = $2
		WHERE id = $1 AND status <> 'resolved'
	`, id, resolvedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIncidentNotFound
	}

	if err := insertUpdate(ctx, tx, update); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// SetSummary stores the generated summary.
func (r *PostgresRepository) SetSummary(ctx context.Context, id, summary string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE incidents SET ai_summary = $2, updated_at = NOW() WHERE id = $1
	`, id, summary)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrIncidentNotFound
	}
	return nil
}

// Get retrieves an incident by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`
	return r.scanOne(ctx, query, id)
}

// Updates returns the incident timeline, oldest first.
func (r *PostgresRepository) Updates(ctx context.Context, incidentID string) ([]*Update, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, incident_id, message, status, created_at
		FROM incident_updates
		WHERE incident_id = $1
		ORDER BY created_at, id
	`, incidentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*Update
	for rows.Next() {
		var (
			u      Update
			status string
		)
		if err := rows.Scan(&u.ID, &u.IncidentID, &u.Message, &status, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Status = Status(status)
		updates = append(updates, &u)
	}
	return updates, rows.Err()
}

// ListForService returns incidents of a service, newest first.
func (r *PostgresRepository) ListForService(ctx context.Context, serviceID string, opts ListOptions) ([]*Incident, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + incidentColumns + `
		FROM incidents
		WHERE service_id = $1 AND ($2::boolean OR status <> 'resolved')
		ORDER BY started_at DESC
		LIMIT $3
	`
	return r.scanMany(ctx, query, serviceID, opts.IncludeResolved, limit)
}

func insertUpdate(ctx context.Context, tx pgx.Tx, u *Update) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO incident_updates (id, incident_id, message, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, u.ID, u.IncidentID, u.Message, string(u.Status), u.CreatedAt)
	return err
}

func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...any) (*Incident, error) {
	inc, err := scanIncident(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrIncidentNotFound
		}
		return nil, err
	}
	return inc, nil
}

func (r *PostgresRepository) scanMany(ctx context.Context, query string, args ...any) ([]*Incident, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var incidents []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

func scanIncident(row pgx.Row) (*Incident, error) {
	var (
		inc    Incident
		kind   string
		status string
	)
	err := row.Scan(
		&inc.ID,
		&inc.ServiceID,
		&kind,
		&status,
		&inc.Title,
		&inc.Description,
		&inc.AISummary,
		&inc.StartedAt,
		&inc.ResolvedAt,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	inc.Kind = Kind(kind)
	inc.Status = Status(status)
	return &inc, nil
}
