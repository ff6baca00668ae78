package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS account_pool (
	account_id TEXT PRIMARY KEY,
	status TEXT NOT NULL CHECK (status IN ('AVAILABLE', 'IN_USE', 'FAILED', 'DIRTY')),
	lease_timestamp TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS account_pool_status_idx ON account_pool (status);
`
