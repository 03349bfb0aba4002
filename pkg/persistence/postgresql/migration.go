package postgresql

// migrations returns the schema migrations keyed by version.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflows (
				id UUID PRIMARY KEY,
				workspace_id TEXT NOT NULL,
				name TEXT NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT 'draft',
				trigger JSONB,
				steps JSONB NOT NULL DEFAULT '[]',
				settings JSONB NOT NULL DEFAULT '{}',
				enrolled_count BIGINT NOT NULL DEFAULT 0,
				completed_count BIGINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX IF NOT EXISTS idx_workflows_workspace
				ON workflows (workspace_id) WHERE deleted_at IS NULL;
			CREATE INDEX IF NOT EXISTS idx_workflows_status
				ON workflows (status) WHERE deleted_at IS NULL;
		`,
		2: `
			CREATE TABLE IF NOT EXISTS enrollments (
				id UUID PRIMARY KEY,
				workflow_id UUID NOT NULL REFERENCES workflows (id),
				contact_id TEXT NOT NULL,
				workspace_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				current_step_id TEXT NOT NULL DEFAULT '',
				next_step_at TIMESTAMP WITH TIME ZONE,
				entered_at TIMESTAMP WITH TIME ZONE NOT NULL,
				exited_at TIMESTAMP WITH TIME ZONE,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT NOT NULL DEFAULT '',
				claimed_until TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			-- Due-enrollment selection scans this index on every runner tick.
			CREATE INDEX IF NOT EXISTS idx_enrollments_due
				ON enrollments (next_step_at) WHERE status = 'active';
			CREATE INDEX IF NOT EXISTS idx_enrollments_workflow_contact
				ON enrollments (workflow_id, contact_id);
			CREATE INDEX IF NOT EXISTS idx_enrollments_workspace
				ON enrollments (workspace_id);
		`,
		3: `
			ALTER TABLE enrollments
				ADD COLUMN IF NOT EXISTS exclusive BOOLEAN NOT NULL DEFAULT FALSE;

			-- Concurrent enrolls under a one-active-run policy race past the
			-- service-level check; the database is the arbiter.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_enrollments_single_active
				ON enrollments (workflow_id, contact_id)
				WHERE status = 'active' AND exclusive;
		`,
	}
}
