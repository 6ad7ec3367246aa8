// Package lifecycle owns task state. Every task is one Redis hash moved
// through PENDING, RECEIVED, STARTED and the terminal states by atomic
// compare-and-set scripts, so a late worker, the reaper and a revoke request
// can race without corrupting the machine. Terminal records are archived to
// MySQL and stay readable after the Redis key expires.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/Mazene-ZERGUINE/CodeBox/internal/cache"
	"github.com/Mazene-ZERGUINE/CodeBox/internal/task"
	appErr "github.com/Mazene-ZERGUINE/CodeBox/pkg/errors"
	"github.com/Mazene-ZERGUINE/CodeBox/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	taskKeyPrefix = "codebox:task:"
	revokeSuffix  = ":revoke"
	runningKey    = "codebox:running"

	defaultRecordTTL = 24 * time.Hour
)

// Hash fields of one task record.
const (
	fieldTaskID    = "task_id"
	fieldState     = "state"
	fieldAttempts  = "attempts"
	fieldLanguage  = "language"
	fieldDeclared  = "declared"
	fieldResult    = "result"
	fieldHeartbeat = "heartbeat_at"
	fieldCreated   = "created_at"
	fieldUpdated   = "updated_at"
)

// createScript initializes a task hash unless it already exists.
// KEYS[1] task key. ARGV: task_id, language, declared JSON, now, ttl seconds.
const createScript = `
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 'exists'
end
redis.call('HSET', KEYS[1],
  'task_id', ARGV[1],
  'state', 'PENDING',
  'attempts', '0',
  'language', ARGV[2],
  'declared', ARGV[3],
  'result', '',
  'heartbeat_at', '0',
  'created_at', ARGV[4],
  'updated_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
return 'ok'
`

// transitionScript moves a task to a new state when its current state is in
// the allowed set, maintaining the running index as a side effect.
// KEYS[1] task key, KEYS[2] running index.
// ARGV: task_id, to, now, incr attempts flag, result JSON (may be empty),
// ttl seconds, allowed from states...
const transitionScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return {'missing', '', '0'}
end
local allowed = false
for i = 7, #ARGV do
  if state == ARGV[i] then
    allowed = true
    break
  end
end
if not allowed then
  return {'conflict', state, '0'}
end
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'updated_at', ARGV[3])
local attempts
if ARGV[4] == '1' then
  attempts = redis.call('HINCRBY', KEYS[1], 'attempts', 1)
else
  attempts = redis.call('HGET', KEYS[1], 'attempts')
end
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'result', ARGV[5])
end
if ARGV[2] == 'STARTED' then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[3])
else
  redis.call('ZREM', KEYS[2], ARGV[1])
end
redis.call('EXPIRE', KEYS[1], ARGV[6])
return {'ok', state, tostring(attempts)}
`

// heartbeatScript refreshes the running index entry while the task is still
// STARTED, cleaning it up otherwise.
// KEYS[1] task key, KEYS[2] running index. ARGV: task_id, now.
const heartbeatScript = `
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'STARTED' then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
  redis.call('HSET', KEYS[1], 'heartbeat_at', ARGV[2])
  return 'ok'
end
redis.call('ZREM', KEYS[2], ARGV[1])
return 'stale'
`

// Archive persists terminal records beyond the Redis TTL.
type Archive interface {
	SaveFinal(ctx context.Context, rec task.StatusRecord) error
	Find(ctx context.Context, taskID string) (task.StatusRecord, error)
}

// Store is the single writer surface over task records.
type Store struct {
	cache   cache.Cache
	archive Archive
	ttl     time.Duration
}

// NewStore creates a Store. archive may be nil; records then live only for
// the Redis TTL.
func NewStore(c cache.Cache, archive Archive, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultRecordTTL
	}
	return &Store{cache: c, archive: archive, ttl: ttl}
}

func taskKey(taskID string) string   { return taskKeyPrefix + taskID }
func revokeKey(taskID string) string { return taskKeyPrefix + taskID + revokeSuffix }

// Create registers a new task in PENDING.
func (s *Store) Create(ctx context.Context, rec task.StatusRecord) error {
	if rec.TaskID == "" {
		return appErr.ValidationError("task_id", "required")
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	reply, err := s.cache.Eval(ctx, createScript,
		[]string{taskKey(rec.TaskID)},
		rec.TaskID,
		string(rec.Language),
		marshalDeclared(rec.DeclaredOutputs),
		created.Unix(),
		ttlSeconds(cache.JitterTTL(s.ttl)),
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "create task %s", rec.TaskID)
	}
	if status, _ := replyStrings(reply); status == "exists" {
		return appErr.Newf(appErr.TaskAlreadyExists, "task %s already exists", rec.TaskID)
	}
	return nil
}

// Get returns the record for a task, falling back to the archive once the
// Redis key has expired.
func (s *Store) Get(ctx context.Context, taskID string) (task.StatusRecord, error) {
	if taskID == "" {
		return task.StatusRecord{}, appErr.ValidationError("task_id", "required")
	}
	fields, err := s.cache.HGetAll(ctx, taskKey(taskID))
	if err != nil {
		return task.StatusRecord{}, appErr.Wrapf(err, appErr.CacheError, "get task %s", taskID)
	}
	if len(fields) > 0 {
		return parseRecord(fields)
	}

	if s.archive == nil {
		return task.StatusRecord{}, appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
	}
	rec, err := s.archive.Find(ctx, taskID)
	if err != nil {
		return task.StatusRecord{}, err
	}
	s.writeBack(ctx, rec)
	return rec, nil
}

// Transition applies one state machine edge using the canonical predecessor
// set for to. incrAttempt bumps the attempt counter in the same atomic step;
// result, when non-nil, is stored alongside. Returns the updated record.
func (s *Store) Transition(ctx context.Context, taskID string, to task.State, incrAttempt bool, result *task.ExecutionResult) (task.StatusRecord, error) {
	return s.transitionFrom(ctx, taskID, task.AllowedFrom(to), to, incrAttempt, result)
}

func (s *Store) transitionFrom(ctx context.Context, taskID string, from []task.State, to task.State, incrAttempt bool, result *task.ExecutionResult) (task.StatusRecord, error) {
	if taskID == "" {
		return task.StatusRecord{}, appErr.ValidationError("task_id", "required")
	}
	if !to.Valid() {
		return task.StatusRecord{}, appErr.Newf(appErr.InternalServerError, "unknown state %q", to)
	}

	resultJSON := ""
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return task.StatusRecord{}, appErr.Wrapf(err, appErr.InternalServerError, "encode result")
		}
		resultJSON = string(data)
	}
	incr := "0"
	if incrAttempt {
		incr = "1"
	}

	args := []interface{}{
		taskID,
		string(to),
		time.Now().Unix(),
		incr,
		resultJSON,
		ttlSeconds(cache.JitterTTL(s.ttl)),
	}
	for _, st := range from {
		args = append(args, string(st))
	}

	reply, err := s.cache.Eval(ctx, transitionScript,
		[]string{taskKey(taskID), runningKey}, args...)
	if err != nil {
		return task.StatusRecord{}, appErr.Wrapf(err, appErr.CacheError, "transition task %s", taskID)
	}

	status, parts := replyStrings(reply)
	switch status {
	case "missing":
		return task.StatusRecord{}, appErr.Newf(appErr.TaskNotFound, "task %s not found", taskID)
	case "conflict":
		prev := ""
		if len(parts) > 0 {
			prev = parts[0]
		}
		return task.StatusRecord{}, appErr.Newf(appErr.StateConflict,
			"task %s cannot move %s -> %s", taskID, prev, to).WithDetail("state", prev)
	case "ok":
		rec, err := s.Get(ctx, taskID)
		if err != nil {
			return task.StatusRecord{}, err
		}
		if to.Terminal() && s.archive != nil {
			if err := s.archive.SaveFinal(ctx, rec); err != nil {
				// Redis still holds the record for the TTL window; losing
				// the archive row only shortens how long it stays readable.
				logger.Error(ctx, "archive terminal record failed",
					zap.String("task_id", taskID),
					zap.Error(err))
			}
		}
		return rec, nil
	default:
		return task.StatusRecord{}, appErr.Newf(appErr.CacheError, "unexpected transition reply %q", status)
	}
}

// Heartbeat refreshes the liveness of a STARTED task. Returns false once the
// task has left STARTED, which tells the caller to stop beating.
func (s *Store) Heartbeat(ctx context.Context, taskID string) (bool, error) {
	reply, err := s.cache.Eval(ctx, heartbeatScript,
		[]string{taskKey(taskID), runningKey}, taskID, time.Now().Unix())
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "heartbeat task %s", taskID)
	}
	status, _ := replyStrings(reply)
	return status == "ok", nil
}

// Revoke requests cancellation. Tasks still waiting move to REVOKED at once;
// a STARTED task only gets the flag and the owning worker notices it, both
// before execution and mid-run. Revoking a finished task is a no-op that
// reports the state it found. Returns the resulting state and whether this
// call moved it.
func (s *Store) Revoke(ctx context.Context, taskID string) (task.State, bool, error) {
	if taskID == "" {
		return "", false, appErr.ValidationError("task_id", "required")
	}
	// Flag first so a worker holding the queued message sees it even when
	// the transition below loses the race.
	if err := s.cache.Set(ctx, revokeKey(taskID), "1", s.ttl); err != nil {
		return "", false, appErr.Wrapf(err, appErr.CacheError, "flag revoke for task %s", taskID)
	}

	rec, err := s.transitionFrom(ctx, taskID,
		[]task.State{task.StatePending, task.StateReceived}, task.StateRevoked, false, nil)
	if err == nil {
		return rec.State, true, nil
	}
	if appErr.GetCode(err) != appErr.StateConflict {
		return "", false, err
	}

	current, getErr := s.Get(ctx, taskID)
	if getErr != nil {
		return "", false, getErr
	}
	if current.State.Terminal() && current.State != task.StateRevoked {
		// The flag is useless once the task finished on its own.
		if err := s.cache.Del(ctx, revokeKey(taskID)); err != nil {
			logger.Warn(ctx, "drop stale revoke flag failed",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return current.State, false, nil
}

// IsRevoked reports whether a revoke flag is set for the task.
func (s *Store) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := s.cache.Exists(ctx, revokeKey(taskID))
	if err != nil {
		return false, appErr.Wrapf(err, appErr.CacheError, "check revoke for task %s", taskID)
	}
	return n > 0, nil
}

// StaleStarted lists tasks whose last heartbeat is at or before the cutoff.
func (s *Store) StaleStarted(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := s.cache.ZRangeByScore(ctx, runningKey, "-inf", strconv.FormatInt(cutoff.Unix(), 10))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "list stale tasks")
	}
	return ids, nil
}

// RunningCount returns how many tasks are currently indexed as STARTED.
func (s *Store) RunningCount(ctx context.Context) (int64, error) {
	n, err := s.cache.ZCard(ctx, runningKey)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "count running tasks")
	}
	return n, nil
}

// dropRunning removes an orphaned index entry whose record is gone.
func (s *Store) dropRunning(ctx context.Context, taskID string) {
	if err := s.cache.ZRem(ctx, runningKey, taskID); err != nil {
		logger.Warn(ctx, "drop running index entry failed",
			zap.String("task_id", taskID), zap.Error(err))
	}
}

// writeBack re-caches an archived record so repeated reads stay off MySQL.
func (s *Store) writeBack(ctx context.Context, rec task.StatusRecord) {
	fields := map[string]interface{}{
		fieldTaskID:    rec.TaskID,
		fieldState:     string(rec.State),
		fieldAttempts:  strconv.Itoa(rec.AttemptCount),
		fieldLanguage:  string(rec.Language),
		fieldDeclared:  marshalDeclared(rec.DeclaredOutputs),
		fieldResult:    marshalResult(rec.Result),
		fieldHeartbeat: strconv.FormatInt(unixOrZero(rec.HeartbeatAt), 10),
		fieldCreated:   strconv.FormatInt(unixOrZero(rec.CreatedAt), 10),
		fieldUpdated:   strconv.FormatInt(unixOrZero(rec.UpdatedAt), 10),
	}
	key := taskKey(rec.TaskID)
	if err := s.cache.HSet(ctx, key, fields); err != nil {
		logger.Warn(ctx, "re-cache archived task failed",
			zap.String("task_id", rec.TaskID), zap.Error(err))
		return
	}
	_ = s.cache.Expire(ctx, key, cache.JitterTTL(s.ttl))
}

func parseRecord(fields map[string]string) (task.StatusRecord, error) {
	rec := task.StatusRecord{
		TaskID:   fields[fieldTaskID],
		State:    task.State(fields[fieldState]),
		Language: task.Language(fields[fieldLanguage]),
	}
	if !rec.State.Valid() {
		return task.StatusRecord{}, appErr.Newf(appErr.CacheError, "corrupt task record: state %q", fields[fieldState])
	}
	if raw := fields[fieldAttempts]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return task.StatusRecord{}, appErr.Wrapf(err, appErr.CacheError, "corrupt task record: attempts")
		}
		rec.AttemptCount = n
	}
	if raw := fields[fieldDeclared]; raw != "" && raw != "[]" {
		if err := json.Unmarshal([]byte(raw), &rec.DeclaredOutputs); err != nil {
			return task.StatusRecord{}, appErr.Wrapf(err, appErr.CacheError, "corrupt task record: declared outputs")
		}
	}
	if raw := fields[fieldResult]; raw != "" {
		var res task.ExecutionResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return task.StatusRecord{}, appErr.Wrapf(err, appErr.CacheError, "corrupt task record: result")
		}
		rec.Result = &res
	}
	rec.HeartbeatAt = timeFromField(fields[fieldHeartbeat])
	rec.CreatedAt = timeFromField(fields[fieldCreated])
	rec.UpdatedAt = timeFromField(fields[fieldUpdated])
	return rec, nil
}

func timeFromField(raw string) time.Time {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func marshalDeclared(declared []string) string {
	if len(declared) == 0 {
		return "[]"
	}
	data, err := json.Marshal(declared)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func marshalResult(res *task.ExecutionResult) string {
	if res == nil {
		return ""
	}
	data, err := json.Marshal(res)
	if err != nil {
		return ""
	}
	return string(data)
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// replyStrings flattens an Eval reply into its first element and the rest.
func replyStrings(reply interface{}) (string, []string) {
	switch v := reply.(type) {
	case string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		if len(out) == 0 {
			return "", nil
		}
		return out[0], out[1:]
	default:
		return fmt.Sprint(v), nil
	}
}
