package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/db"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
)

// MySQLArchive keeps terminal task records in the task_results table as one
// JSON payload per task. Only terminal states land here, so the row is
// written once and re-written only by an idempotent replay.
type MySQLArchive struct {
	db db.Database
}

// NewMySQLArchive creates an archive over the given database.
func NewMySQLArchive(database db.Database) *MySQLArchive {
	return &MySQLArchive{db: database}
}

// SaveFinal upserts the terminal record for a task.
func (a *MySQLArchive) SaveFinal(ctx context.Context, rec task.StatusRecord) error {
	if rec.TaskID == "" {
		return appErr.ValidationError("task_id", "required")
	}
	if !rec.State.Terminal() {
		return appErr.Newf(appErr.InternalServerError, "archive refused non-terminal state %s", rec.State)
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return appErr.Wrapf(err, appErr.InternalServerError, "encode task record")
	}

	query := `INSERT INTO task_results (task_id, state, record, finished_at)
VALUES (?, ?, ?, ?)
ON DUPLICATE KEY UPDATE state = VALUES(state), record = VALUES(record), finished_at = VALUES(finished_at)`
	finishedAt := rec.UpdatedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now()
	}
	if _, err := a.db.Exec(ctx, query, rec.TaskID, string(rec.State), string(payload), finishedAt); err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "archive task %s", rec.TaskID)
	}
	return nil
}

// Find loads an archived record by task id.
func (a *MySQLArchive) Find(ctx context.Context, taskID string) (task.StatusRecord, error) {
	if taskID == "" {
		return task.StatusRecord{}, appErr.ValidationError("task_id", "required")
	}

	var payload string
	row := a.db.QueryRow(ctx, "SELECT record FROM task_results WHERE task_id = ?", taskID)
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, db.ErrNoRows) {
			return task.StatusRecord{}, appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
		}
		return task.StatusRecord{}, appErr.Wrapf(err, appErr.DatabaseError, "load archived task %s", taskID)
	}

	var rec task.StatusRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return task.StatusRecord{}, appErr.Wrapf(err, appErr.DatabaseError, "decode archived task %s", taskID)
	}
	return rec, nil
}

var _ Archive = (*MySQLArchive)(nil)
