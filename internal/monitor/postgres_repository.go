package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of ServiceRepository and
// CheckRepository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var (
	_ ServiceRepository = (*PostgresRepository)(nil)
	_ CheckRepository   = (*PostgresRepository)(nil)
)

// NewPostgresRepository creates a new PostgreSQL monitor repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const serviceColumns = `
	id, project_id, name, type, url_or_host, port,
	check_interval_seconds, timeout_ms, expected_status_code, expected_keyword,
	is_active, notify_email, notify_chat, alert_email, chat_id,
	created_at, updated_at
`

// ListActive returns every active service.
func (r *PostgresRepository) ListActive(ctx context.Context) ([]*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE is_active = TRUE ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var services []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}

	return services, rows.Err()
}

// Get retrieves a service by ID.
func (r *PostgresRepository) Get(ctx context.Context, id string) (*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE id = $1`

	svc, err := scanService(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return svc, nil
}

// Upsert creates or replaces a service.
func (r *PostgresRepository) Upsert(ctx context.Context, svc *Service) error {
	query := `
		INSERT INTO services (
			id, project_id, name, type, url_or_host, port,
			check_interval_seconds, timeout_ms, expected_status_code, expected_keyword,
			is_active, notify_email, notify_chat, alert_email, chat_id,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			url_or_host = EXCLUDED.url_or_host,
			port = EXCLUDED.port,
			check_interval_seconds = EXCLUDED.check_interval_seconds,
			timeout_ms = EXCLUDED.timeout_ms,
			expected_status_code = EXCLUDED.expected_status_code,
			expected_keyword = EXCLUDED.expected_keyword,
			is_active = EXCLUDED.is_active,
			notify_email = EXCLUDED.notify_email,
			notify_chat = EXCLUDED.notify_chat,
			alert_email = EXCLUDED.alert_email,
			chat_id = EXCLUDED.chat_id,
			updated_at = NOW()
		RETURNING created_at, updated_at
	`

	return r.pool.QueryRow(ctx, query,
		svc.ID, svc.ProjectID, svc.Name, string(svc.Type), svc.Target, svc.Port,
		svc.CheckIntervalSeconds, svc.TimeoutMs, svc.ExpectedStatusCode, svc.ExpectedKeyword,
		svc.IsActive, svc.NotifyEmail, svc.NotifyChat, svc.AlertEmail, svc.ChatID,
	).Scan(&svc.CreatedAt, &svc.UpdatedAt)
}

// Insert appends a check result.
func (r *PostgresRepository) Insert(ctx context.Context, result *CheckResult) error {
	query := `
		INSERT INTO check_results (
			service_id, status, response_time_ms, status_code, error_message,
			checked_at, anomaly_detected, anomaly_type, anomaly_score
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`

	var anomalyType *string
	if result.AnomalyType != nil {
		s := string(*result.AnomalyType)
		anomalyType = &s
	}

	return r.pool.QueryRow(ctx, query,
		result.ServiceID, string(result.Status), result.ResponseTimeMs, result.StatusCode, result.ErrorMessage,
		result.CheckedAt, result.AnomalyDetected, anomalyType, result.AnomalyScore,
	).Scan(&result.ID)
}

// RecentUpLatencies returns the latest up response times, oldest first.
func (r *PostgresRepository) RecentUpLatencies(ctx context.Context, serviceID string, limit int) ([]float64, error) {
	query := `
		SELECT response_time_ms FROM (
			SELECT response_time_ms, checked_at, id
			FROM check_results
			WHERE service_id = $1 AND status = 'up' AND response_time_ms IS NOT NULL
			ORDER BY checked_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY checked_at ASC, id ASC
	`

	rows, err := r.pool.Query(ctx, query, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latencies := make([]float64, 0, limit)
	for rows.Next() {
		var ms int
		if err := rows.Scan(&ms); err != nil {
			return nil, err
		}
		latencies = append(latencies, float64(ms))
	}

	return latencies, rows.Err()
}

// Recent returns the latest check results, newest first.
func (r *PostgresRepository) Recent(ctx context.Context, serviceID string, limit int) ([]*CheckResult, error) {
	query := `
		SELECT id, service_id, status, response_time_ms, status_code, error_message,
			checked_at, anomaly_detected, anomaly_type, anomaly_score
		FROM check_results
		WHERE service_id = $1
		ORDER BY checked_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*CheckResult
	for rows.Next() {
		var (
			res         CheckResult
			status      string
			anomalyType *string
		)
		err := rows.Scan(
			&res.ID, &res.ServiceID, &status, &res.ResponseTimeMs, &res.StatusCode, &res.ErrorMessage,
			&res.CheckedAt, &res.AnomalyDetected, &anomalyType, &res.AnomalyScore,
		)
		if err != nil {
			return nil, err
		}
		res.Status = Status(status)
		if anomalyType != nil {
			at := AnomalyType(*anomalyType)
			res.AnomalyType = &at
		}
		results = append(results, &res)
	}

	return results, rows.Err()
}

// CountsSince aggregates check results by status.
func (r *PostgresRepository) CountsSince(ctx context.Context, serviceID string, since time.Time) (StatusCounts, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'up'),
			COUNT(*) FILTER (WHERE status = 'down'),
			COUNT(*) FILTER (WHERE status = 'degraded')
		FROM check_results
		WHERE service_id = $1 AND checked_at >= $2
	`

	var counts StatusCounts
	err := r.pool.QueryRow(ctx, query, serviceID, since.Unix()).Scan(
		&counts.Total, &counts.Up, &counts.Down, &counts.Degraded,
	)
	return counts, err
}

// scanService scans a service from a pgx.Row.
func scanService(row pgx.Row) (*Service, error) {
	var (
		svc     Service
		svcType string
	)

	err := row.Scan(
		&svc.ID,
		&svc.ProjectID,
		&svc.Name,
		&svcType,
		&svc.Target,
		&svc.Port,
		&svc.CheckIntervalSeconds,
		&svc.TimeoutMs,
		&svc.ExpectedStatusCode,
		&svc.ExpectedKeyword,
		&svc.IsActive,
		&svc.NotifyEmail,
		&svc.NotifyChat,
		&svc.AlertEmail,
		&svc.ChatID,
		&svc.CreatedAt,
		&svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	svc.Type = ServiceType(svcType)
	return &svc, nil
}
