package store

var schema = []string{
	`CREATE TABLE IF NOT EXISTS definition (
		id TEXT PRIMARY KEY,
		definition_key TEXT NOT NULL,
		version INTEGER NOT NULL,
		suspended BOOLEAN NOT NULL DEFAULT FALSE,
		data TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_definition_key ON definition (definition_key, version)`,
	`CREATE TABLE IF NOT EXISTS process (
		id TEXT PRIMARY KEY,
		root_process_id TEXT NOT NULL,
		parent_id TEXT,
		definition_id TEXT NOT NULL,
		definition_key TEXT NOT NULL,
		business_key TEXT,
		state TEXT NOT NULL,
		suspended BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		started_at BIGINT,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_process_parent ON process (parent_id)`,
	`CREATE INDEX IF NOT EXISTS idx_process_definition ON process (definition_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_process_business_key ON process (business_key)`,
	`CREATE TABLE IF NOT EXISTS activity (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL,
		definition_id TEXT NOT NULL,
		parent_definition_id TEXT,
		process_definition_key TEXT NOT NULL,
		type TEXT NOT NULL,
		topic TEXT,
		state TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		timeout_at BIGINT,
		async BOOLEAN NOT NULL DEFAULT FALSE,
		failure_reason TEXT,
		failure_trace TEXT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		started_at BIGINT,
		completed_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_process ON activity (process_id, definition_id)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_poll ON activity (topic, process_definition_key, state, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_activity_timeout ON activity (timeout_at, state)`,
	`CREATE TABLE IF NOT EXISTS variable (
		id TEXT PRIMARY KEY,
		process_id TEXT NOT NULL,
		execution_id TEXT NOT NULL,
		execution_definition_id TEXT NOT NULL,
		var_key TEXT NOT NULL,
		var_value TEXT,
		var_type TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (execution_id, var_key)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_variable_process ON variable (process_id)`,
}
