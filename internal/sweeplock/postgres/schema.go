package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS account_pool_sweeps (
	name TEXT PRIMARY KEY,
	holder TEXT,
	held_until TIMESTAMPTZ,
	started_at TIMESTAMPTZ,
	finished_at TIMESTAMPTZ,
	finished_by TEXT NOT NULL DEFAULT '',
	scanned INTEGER NOT NULL DEFAULT 0,
	released INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
