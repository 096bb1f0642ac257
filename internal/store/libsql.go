package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/weftlabs/weft/pkg/schema"
)

// LibSQLStore persists engine state in a local libSQL database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens (creating if needed) the database at path and applies
// connection pragmas. Call Migrate before first use.
func NewLibSQLStore(path string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", "file:"+path)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to open database").WithCause(err)
	}

	// libSQL's embedded driver is not safe for concurrent writers on one
	// file; serialize through a single connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		var discard any
		if err := db.QueryRow(pragma).Scan(&discard); err != nil && !errors.Is(err, sql.ErrNoRows) {
			db.Close()
			return nil, schema.NewErrorf(schema.ErrCodeStore, "pragma failed: %s", pragma).WithCause(err)
		}
	}

	return &LibSQLStore{db: db}, nil
}

func (s *LibSQLStore) Close() error {
	return s.db.Close()
}

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	defJSON, err := json.Marshal(exec.Definition)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode definition").WithCause(err)
	}
	inputsJSON, err := json.Marshal(exec.Inputs)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode inputs").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, name, definition, status, inputs, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Name, string(defJSON), string(exec.Status), string(inputsJSON),
		exec.CreatedAt.UTC().Format(time.RFC3339Nano), exec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", exec.ID)
		}
		return schema.NewError(schema.ErrCodeStore, "failed to insert execution").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, definition, status, inputs, output, error,
		       created_at, started_at, completed_at, updated_at
		FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to read execution").WithCause(err)
	}
	return exec, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC().Format(time.RFC3339Nano)}

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Output != nil {
		sets = append(sets, "output = ?")
		args = append(args, string(update.Output))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC().Format(time.RFC3339Nano))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC().Format(time.RFC3339Nano))
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to update execution").WithCause(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to check update result").WithCause(err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `
		SELECT id, name, definition, status, inputs, output, error,
		       created_at, started_at, completed_at, updated_at
		FROM executions`
	var conds []string
	var args []any
	if filter.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.UpdatedBefore != nil {
		conds = append(conds, "updated_at < ?")
		args = append(args, filter.UpdatedBefore.UTC().Format(time.RFC3339Nano))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list executions").WithCause(err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan execution").WithCause(err)
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) PutCheckpoint(ctx context.Context, cp *Checkpoint) error {
	completed, err := json.Marshal(cp.CompletedStepIDs)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode checkpoint").WithCause(err)
	}
	failed, err := json.Marshal(cp.FailedStepIDs)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode checkpoint").WithCause(err)
	}
	skipped, err := json.Marshal(cp.SkippedStepIDs)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode checkpoint").WithCause(err)
	}
	counters, err := json.Marshal(cp.ResourceCounters)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode checkpoint").WithCause(err)
	}
	trace, err := json.Marshal(cp.Trace)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to encode checkpoint").WithCause(err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints
			(execution_id, status, current_level, completed_step_ids, failed_step_ids,
			 skipped_step_ids, resource_counters, trace, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id) DO UPDATE SET
			status = excluded.status,
			current_level = excluded.current_level,
			completed_step_ids = excluded.completed_step_ids,
			failed_step_ids = excluded.failed_step_ids,
			skipped_step_ids = excluded.skipped_step_ids,
			resource_counters = excluded.resource_counters,
			trace = excluded.trace,
			updated_at = excluded.updated_at`,
		cp.ExecutionID, string(cp.Status), cp.CurrentLevel,
		string(completed), string(failed), string(skipped),
		string(counters), string(trace),
		cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to save checkpoint").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, status, current_level, completed_step_ids, failed_step_ids,
		       skipped_step_ids, resource_counters, trace, updated_at
		FROM checkpoints WHERE execution_id = ?`, executionID)

	var cp Checkpoint
	var status, completed, failed, skipped, counters, trace, updatedAt string
	err := row.Scan(&cp.ExecutionID, &status, &cp.CurrentLevel,
		&completed, &failed, &skipped, &counters, &trace, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no checkpoint for execution %s", executionID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to read checkpoint").WithCause(err)
	}

	cp.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(completed), &cp.CompletedStepIDs); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt checkpoint: completed_step_ids").WithCause(err)
	}
	if err := json.Unmarshal([]byte(failed), &cp.FailedStepIDs); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt checkpoint: failed_step_ids").WithCause(err)
	}
	if err := json.Unmarshal([]byte(skipped), &cp.SkippedStepIDs); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt checkpoint: skipped_step_ids").WithCause(err)
	}
	if err := json.Unmarshal([]byte(counters), &cp.ResourceCounters); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt checkpoint: resource_counters").WithCause(err)
	}
	if trace != "" && trace != "null" {
		if err := json.Unmarshal([]byte(trace), &cp.Trace); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "corrupt checkpoint: trace").WithCause(err)
		}
	}
	if cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "corrupt checkpoint: updated_at").WithCause(err)
	}
	return &cp, nil
}

func (s *LibSQLStore) UpsertStepRecord(ctx context.Context, rec *StepRecord) error {
	var startedAt, completedAt any
	if rec.StartedAt != nil {
		startedAt = rec.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if rec.CompletedAt != nil {
		completedAt = rec.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_records
			(execution_id, step_id, status, output, error, duration_ms,
			 resource_used, item_count, attempt, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, step_id) DO UPDATE SET
			status = excluded.status,
			output = excluded.output,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			resource_used = excluded.resource_used,
			item_count = excluded.item_count,
			attempt = excluded.attempt,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		rec.ExecutionID, rec.StepID, string(rec.Status),
		nullableJSON(rec.Output), rec.Error, rec.DurationMs,
		rec.ResourceUsed, rec.ItemCount, rec.Attempt, startedAt, completedAt,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to save step record").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetStepRecord(ctx context.Context, executionID, stepID string) (*StepRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, step_id, status, output, error, duration_ms,
		       resource_used, item_count, attempt, started_at, completed_at
		FROM step_records WHERE execution_id = ? AND step_id = ?`, executionID, stepID)
	rec, err := scanStepRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no record for step %s", stepID)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to read step record").WithCause(err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListStepRecords(ctx context.Context, executionID string) ([]*StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, step_id, status, output, error, duration_ms,
		       resource_used, item_count, attempt, started_at, completed_at
		FROM step_records WHERE execution_id = ? ORDER BY step_id`, executionID)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list step records").WithCause(err)
	}
	defer rows.Close()

	var out []*StepRecord
	for rows.Next() {
		rec, err := scanStepRecord(rows)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan step record").WithCause(err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (execution_id, step_id, event_type, payload, timestamp, sequence)
		VALUES (?, ?, ?, ?, ?,
			COALESCE((SELECT MAX(sequence) FROM events WHERE execution_id = ?), 0) + 1)`,
		event.ExecutionID, event.StepID, event.Type, nullableJSON(event.Payload),
		event.Timestamp.UTC().Format(time.RFC3339Nano), event.ExecutionID,
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "failed to append event").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_id, event_type, payload, timestamp, sequence
		FROM events WHERE execution_id = ? AND sequence > ?
		ORDER BY sequence ASC`, executionID, since)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "failed to list events").WithCause(err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var stepID, payload sql.NullString
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ExecutionID, &stepID, &ev.Type, &payload, &ts, &ev.Sequence); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to scan event").WithCause(err)
		}
		ev.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		if ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "corrupt event timestamp").WithCause(err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var defJSON, status, createdAt, updatedAt string
	var name, inputs, output, errJSON, startedAt, completedAt sql.NullString

	err := row.Scan(&exec.ID, &name, &defJSON, &status, &inputs, &output, &errJSON,
		&createdAt, &startedAt, &completedAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	exec.Name = name.String
	exec.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &exec.Definition); err != nil {
		return nil, fmt.Errorf("corrupt definition: %w", err)
	}
	if inputs.Valid && inputs.String != "" && inputs.String != "null" {
		if err := json.Unmarshal([]byte(inputs.String), &exec.Inputs); err != nil {
			return nil, fmt.Errorf("corrupt inputs: %w", err)
		}
	}
	if output.Valid && output.String != "" {
		exec.Output = json.RawMessage(output.String)
	}
	if errJSON.Valid && errJSON.String != "" {
		exec.Error = json.RawMessage(errJSON.String)
	}
	if exec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("corrupt created_at: %w", err)
	}
	if exec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("corrupt updated_at: %w", err)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt started_at: %w", err)
		}
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt completed_at: %w", err)
		}
		exec.CompletedAt = &t
	}
	return &exec, nil
}

func scanStepRecord(row rowScanner) (*StepRecord, error) {
	var rec StepRecord
	var status string
	var output, errMsg, startedAt, completedAt sql.NullString

	err := row.Scan(&rec.ExecutionID, &rec.StepID, &status, &output, &errMsg,
		&rec.DurationMs, &rec.ResourceUsed, &rec.ItemCount, &rec.Attempt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = schema.StepStatus(status)
	rec.Error = errMsg.String
	if output.Valid && output.String != "" {
		rec.Output = json.RawMessage(output.String)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt started_at: %w", err)
		}
		rec.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("corrupt completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
