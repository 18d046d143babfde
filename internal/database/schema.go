package database

// Migrations is the full schema, applied in order on every boot.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "services and check results",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS services (
				id TEXT PRIMARY KEY,
				project_id TEXT,
				name TEXT NOT NULL,
				type TEXT NOT NULL,
				url_or_host TEXT NOT NULL,
				port INTEGER,
				check_interval_seconds INTEGER NOT NULL DEFAULT 60,
				timeout_ms INTEGER NOT NULL DEFAULT 10000,
				expected_status_code INTEGER,
				expected_keyword TEXT,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				notify_email BOOLEAN NOT NULL DEFAULT FALSE,
				notify_chat BOOLEAN NOT NULL DEFAULT FALSE,
				alert_email TEXT,
				chat_id TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS services_active_idx ON services (is_active)`,
			`CREATE TABLE IF NOT EXISTS check_results (
				id BIGSERIAL PRIMARY KEY,
				service_id TEXT NOT NULL,
				status TEXT NOT NULL,
				response_time_ms INTEGER,
				status_code INTEGER,
				error_message TEXT,
				checked_at BIGINT NOT NULL,
				anomaly_detected BOOLEAN NOT NULL DEFAULT FALSE,
				anomaly_type TEXT,
				anomaly_score DOUBLE PRECISION
			)`,
			`CREATE INDEX IF NOT EXISTS check_results_service_checked_idx
				ON check_results (service_id, checked_at DESC)`,
		},
	},
	{
		Version:     2,
		Description: "incidents",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS incidents (
				id TEXT PRIMARY KEY,
				service_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				status TEXT NOT NULL,
				title TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				ai_summary TEXT,
				started_at TIMESTAMPTZ NOT NULL,
				resolved_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS incidents_one_unresolved_per_kind
				ON incidents (service_id, kind) WHERE status <> 'resolved'`,
			`CREATE INDEX IF NOT EXISTS incidents_service_started_idx
				ON incidents (service_id, started_at DESC)`,
			`CREATE TABLE IF NOT EXISTS incident_updates (
				id TEXT PRIMARY KEY,
				incident_id TEXT NOT NULL REFERENCES incidents (id) ON DELETE CASCADE,
				message TEXT NOT NULL,
				status TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS incident_updates_incident_idx
				ON incident_updates (incident_id, created_at)`,
		},
	},
	{
		Version:     3,
		Description: "runtime state, cache and feature flags",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS service_runtime_state (
				service_id TEXT PRIMARY KEY,
				current_status TEXT NOT NULL,
				history JSONB NOT NULL DEFAULT '[]'::jsonb,
				open_incident_id TEXT,
				last_check_at BIGINT NOT NULL DEFAULT 0,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS kv_cache (
				key TEXT PRIMARY KEY,
				value BYTEA NOT NULL,
				expires_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS kv_cache_expires_idx ON kv_cache (expires_at)`,
			`CREATE TABLE IF NOT EXISTS feature_flags (
				key TEXT PRIMARY KEY,
				value JSONB NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
		},
	},
}
