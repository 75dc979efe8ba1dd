package state

const schemaSQL = `
CREATE TABLE IF NOT EXISTS task_history (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  title TEXT,
  status TEXT NOT NULL,
  detail TEXT,
  persisted_type TEXT,
  entry_id TEXT,
  created_at TEXT NOT NULL,
  started_at TEXT,
  finished_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_task_history_kind_finished ON task_history(kind, finished_at);

CREATE TABLE IF NOT EXISTS diagnostics (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  kind TEXT NOT NULL,
  status TEXT NOT NULL,
  message TEXT NOT NULL,
  created_at TEXT NOT NULL,
  FOREIGN KEY(task_id) REFERENCES task_history(id)
);

CREATE INDEX IF NOT EXISTS idx_diagnostics_task_id ON diagnostics(task_id);
`
