package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists workflows and steps in an embedded SQLite file, the
// same single-file deployment target the primary index uses.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "workflows.db"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY, name TEXT, description TEXT, status TEXT,
	created_at TEXT, started_at TEXT, completed_at TEXT,
	created_by TEXT, current_step_id TEXT, context TEXT
);
CREATE TABLE IF NOT EXISTS workflow_steps (
	id TEXT PRIMARY KEY, workflow_id TEXT NOT NULL, seq INTEGER, name TEXT, action TEXT,
	params TEXT, depends_on TEXT, timeout_seconds INTEGER, retry_count INTEGER,
	retry_delay_seconds REAL, status TEXT, result TEXT, error TEXT,
	started_at TEXT, completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_wf_steps_workflow ON workflow_steps(workflow_id);
`); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func encTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func decTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w Workflow) error {
	return s.writeWorkflow(ctx, w)
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, w Workflow) error {
	return s.writeWorkflow(ctx, w)
}

func (s *SQLiteStore) writeWorkflow(ctx context.Context, w Workflow) error {
	cx, _ := json.Marshal(w.Context)
	created := w.CreatedAt
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflows (id,name,description,status,created_at,started_at,completed_at,created_by,current_step_id,context)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, description=excluded.description, status=excluded.status,
	started_at=excluded.started_at, completed_at=excluded.completed_at,
	current_step_id=excluded.current_step_id, context=excluded.context`,
		w.ID, w.Name, w.Description, w.Status, encTime(&created), encTime(w.StartedAt), encTime(w.CompletedAt),
		w.CreatedBy, w.CurrentStepID, string(cx))
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (Workflow, bool, error) {
	var w Workflow
	var created, started, completed sql.NullString
	var cx string
	row := s.db.QueryRowContext(ctx, `
SELECT id,name,description,status,created_at,started_at,completed_at,created_by,current_step_id,context
FROM workflows WHERE id=?`, id)
	if err := row.Scan(&w.ID, &w.Name, &w.Description, &w.Status, &created, &started, &completed,
		&w.CreatedBy, &w.CurrentStepID, &cx); err != nil {
		return Workflow{}, false, nil
	}
	if t := decTime(created); t != nil {
		w.CreatedAt = *t
	}
	w.StartedAt = decTime(started)
	w.CompletedAt = decTime(completed)
	_ = json.Unmarshal([]byte(cx), &w.Context)
	return w, true, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM workflows ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()
	out := make([]Workflow, 0, len(ids))
	for _, id := range ids {
		if w, ok, err := s.GetWorkflow(ctx, id); err == nil && ok {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *SQLiteStore) CreateStep(ctx context.Context, st Step) error {
	var seq int
	_ = s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0)+1 FROM workflow_steps WHERE workflow_id=?`, st.WorkflowID).Scan(&seq)
	params, _ := json.Marshal(st.Params)
	deps, _ := json.Marshal(st.DependsOn)
	result, _ := json.Marshal(st.Result)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO workflow_steps (id,workflow_id,seq,name,action,params,depends_on,timeout_seconds,retry_count,retry_delay_seconds,status,result,error,started_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		st.ID, st.WorkflowID, seq, st.Name, st.Action, string(params), string(deps), st.TimeoutSeconds,
		st.RetryCount, st.RetryDelaySeconds, st.Status, string(result), st.Error, encTime(st.StartedAt), encTime(st.CompletedAt))
	return err
}

func (s *SQLiteStore) UpdateStep(ctx context.Context, st Step) error {
	result, _ := json.Marshal(st.Result)
	_, err := s.db.ExecContext(ctx, `
UPDATE workflow_steps SET status=?, result=?, error=?, started_at=?, completed_at=? WHERE id=?`,
		st.Status, string(result), st.Error, encTime(st.StartedAt), encTime(st.CompletedAt), st.ID)
	return err
}

func (s *SQLiteStore) StepsFor(ctx context.Context, workflowID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,workflow_id,name,action,params,depends_on,timeout_seconds,retry_count,retry_delay_seconds,status,result,error,started_at,completed_at
FROM workflow_steps WHERE workflow_id=? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Step
	for rows.Next() {
		var st Step
		var params, deps, result string
		var started, completed sql.NullString
		if err := rows.Scan(&st.ID, &st.WorkflowID, &st.Name, &st.Action, &params, &deps, &st.TimeoutSeconds,
			&st.RetryCount, &st.RetryDelaySeconds, &st.Status, &result, &st.Error, &started, &completed); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(params), &st.Params)
		_ = json.Unmarshal([]byte(deps), &st.DependsOn)
		_ = json.Unmarshal([]byte(result), &st.Result)
		st.StartedAt = decTime(started)
		st.CompletedAt = decTime(completed)
		out = append(out, st)
	}
	return out, rows.Err()
}
