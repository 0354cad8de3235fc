package storage

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS brands (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS order_records (
		id TEXT PRIMARY KEY,
		brand_id TEXT NOT NULL DEFAULT '',
		external_order_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS conversion_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		next_retry_at DATETIME NOT NULL,
		payload TEXT NOT NULL,
		context_ref TEXT NOT NULL DEFAULT '',
		last_error TEXT,
		error_code TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME
	)`,
	`CREATE TABLE IF NOT EXISTS conversion_failures (
		id TEXT PRIMARY KEY,
		job_id TEXT REFERENCES conversion_jobs(job_id) ON DELETE SET NULL,
		payload TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		http_status INTEGER,
		response_body TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS visitor_sessions (
		session_id TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL DEFAULT '',
		site_id TEXT NOT NULL DEFAULT '',
		affiliate_id TEXT NOT NULL DEFAULT '',
		campaign_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL DEFAULT '',
		utm_source TEXT NOT NULL DEFAULT '',
		utm_medium TEXT NOT NULL DEFAULT '',
		utm_campaign TEXT NOT NULL DEFAULT '',
		utm_term TEXT NOT NULL DEFAULT '',
		utm_content TEXT NOT NULL DEFAULT '',
		landing_url TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_brands_site ON brands(site_id)`,
	`CREATE INDEX IF NOT EXISTS idx_order_records_created ON order_records(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_due ON conversion_jobs(status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_failures_created ON conversion_failures(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_visitor_sessions_visitor ON visitor_sessions(visitor_id, site_id)`,
	`CREATE INDEX IF NOT EXISTS idx_visitor_sessions_site ON visitor_sessions(site_id, created_at)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS brands (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		webhook_secret TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_records (
		id TEXT PRIMARY KEY,
		brand_id TEXT NOT NULL DEFAULT '',
		external_order_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS conversion_jobs (
		job_id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 5,
		next_retry_at TIMESTAMPTZ NOT NULL,
		payload TEXT NOT NULL,
		context_ref TEXT NOT NULL DEFAULT '',
		last_error TEXT,
		error_code TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS conversion_failures (
		id TEXT PRIMARY KEY,
		job_id TEXT REFERENCES conversion_jobs(job_id) ON DELETE SET NULL,
		payload TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		http_status INTEGER,
		response_body TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS visitor_sessions (
		session_id TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL DEFAULT '',
		site_id TEXT NOT NULL DEFAULT '',
		affiliate_id TEXT NOT NULL DEFAULT '',
		campaign_id TEXT NOT NULL DEFAULT '',
		product_id TEXT NOT NULL DEFAULT '',
		utm_source TEXT NOT NULL DEFAULT '',
		utm_medium TEXT NOT NULL DEFAULT '',
		utm_campaign TEXT NOT NULL DEFAULT '',
		utm_term TEXT NOT NULL DEFAULT '',
		utm_content TEXT NOT NULL DEFAULT '',
		landing_url TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		customer_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_brands_site ON brands(site_id)`,
	`CREATE INDEX IF NOT EXISTS idx_order_records_created ON order_records(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_jobs_due ON conversion_jobs(status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_conversion_failures_created ON conversion_failures(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_visitor_sessions_visitor ON visitor_sessions(visitor_id, site_id)`,
	`CREATE INDEX IF NOT EXISTS idx_visitor_sessions_site ON visitor_sessions(site_id, created_at)`,
}
