package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE flows (
				id UUID PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				infospace_id VARCHAR(255) NOT NULL,
				owner VARCHAR(255) NOT NULL,
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'paused', 'archived')),
				input_type VARCHAR(50) NOT NULL CHECK (input_type IN ('bundle', 'source_stream', 'manual')),
				trigger_mode VARCHAR(50) NOT NULL CHECK (trigger_mode IN ('on_arrival', 'scheduled', 'manual')),
				input_bundle_id VARCHAR(255),
				input_source_id VARCHAR(255),
				schedule VARCHAR(255) NOT NULL DEFAULT '',
				steps JSONB NOT NULL DEFAULT '[]',
				cursor_state JSONB,
				total_executions BIGINT NOT NULL DEFAULT 0,
				total_assets_processed BIGINT NOT NULL DEFAULT 0,
				consecutive_failures INT NOT NULL DEFAULT 0,
				last_execution_at TIMESTAMP WITH TIME ZONE,
				last_execution_status VARCHAR(50) NOT NULL DEFAULT '',
				last_error TEXT NOT NULL DEFAULT '',
				metadata JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				deleted_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flows_status ON flows(status);
			CREATE INDEX idx_flows_infospace ON flows(infospace_id);
			CREATE INDEX idx_flows_owner ON flows(owner);
			CREATE INDEX idx_flows_deleted_at ON flows(deleted_at);

			CREATE TABLE flow_executions (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL REFERENCES flows(id),
				status VARCHAR(50) NOT NULL CHECK (status IN ('pending', 'running', 'success', 'failed', 'partial')),
				triggered_by VARCHAR(50) NOT NULL,
				triggered_by_task_id VARCHAR(255),
				triggered_by_source_id VARCHAR(255),
				input_asset_ids JSONB NOT NULL DEFAULT '[]',
				output_asset_ids JSONB NOT NULL DEFAULT '[]',
				step_outputs JSONB NOT NULL DEFAULT '[]',
				error_message TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				started_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_flow_executions_flow_id ON flow_executions(flow_id);
			CREATE INDEX idx_flow_executions_status ON flow_executions(status);

			-- Single-flight invariant: at most one non-terminal execution per
			-- flow, enforced server-side so independent workers cannot race.
			CREATE UNIQUE INDEX idx_flow_executions_single_flight
				ON flow_executions(flow_id)
				WHERE status IN ('pending', 'running');

			CREATE TABLE flow_schedules (
				id UUID PRIMARY KEY,
				flow_id UUID NOT NULL UNIQUE REFERENCES flows(id),
				cron_expression VARCHAR(255) NOT NULL,
				next_due_at TIMESTAMP WITH TIME ZONE NOT NULL,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_flow_schedules_due ON flow_schedules(active, next_due_at);
		`,
		2: `
			-- Engine-local projections of collaborator state, used by the
			-- bundle/asset/source storage adapters. Populated by the
			-- ingestion subsystem in production and by fixtures in tests.
			CREATE TABLE IF NOT EXISTS assets (
				id BIGSERIAL PRIMARY KEY,
				title VARCHAR(1024) NOT NULL DEFAULT '',
				kind VARCHAR(50) NOT NULL DEFAULT '',
				url TEXT NOT NULL DEFAULT '',
				source_id VARCHAR(255),
				source_identifier VARCHAR(1024) NOT NULL DEFAULT '',
				text_content TEXT NOT NULL DEFAULT '',
				tags JSONB NOT NULL DEFAULT '[]',
				source_metadata JSONB,
				fragments JSONB NOT NULL DEFAULT '{}',
				ingested_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_assets_source_ingested ON assets(source_id, ingested_at, id);

			CREATE TABLE IF NOT EXISTS bundles (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE TABLE IF NOT EXISTS bundle_assets (
				bundle_id VARCHAR(255) NOT NULL REFERENCES bundles(id) ON DELETE CASCADE,
				asset_id BIGINT NOT NULL REFERENCES assets(id) ON DELETE CASCADE,
				added_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (bundle_id, asset_id)
			);
		`,
	}
}
