package sqlite

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	config TEXT NOT NULL DEFAULT '{}',
	last_heartbeat TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS agents_name_lower_idx ON agents (lower(name));

CREATE TABLE IF NOT EXISTS missions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	priority INTEGER NOT NULL DEFAULT 0,
	agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS missions_status_priority_idx ON missions (status, priority DESC, created_at);

CREATE TABLE IF NOT EXISTS mission_steps (
	id TEXT PRIMARY KEY,
	mission_id TEXT NOT NULL REFERENCES missions(id) ON DELETE CASCADE,
	step_order INTEGER NOT NULL,
	agent_id TEXT REFERENCES agents(id) ON DELETE SET NULL,
	title TEXT NOT NULL,
	description TEXT,
	input TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL DEFAULT 'pending',
	output TEXT,
	completed_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS mission_steps_mission_idx ON mission_steps (mission_id);

CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	agent_id TEXT,
	mission_id TEXT,
	step_id TEXT,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_created_idx ON events (created_at);

CREATE TABLE IF NOT EXISTS agent_messages (
	id TEXT PRIMARY KEY,
	from_agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	to_agent_id TEXT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
	mission_id TEXT REFERENCES missions(id) ON DELETE SET NULL,
	content TEXT NOT NULL,
	message_type TEXT NOT NULL DEFAULT 'task',
	status TEXT NOT NULL DEFAULT 'pending',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS agent_messages_to_idx ON agent_messages (to_agent_id, status, created_at);
CREATE INDEX IF NOT EXISTS agent_messages_from_idx ON agent_messages (from_agent_id, created_at);
`
