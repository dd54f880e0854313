package repository

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/lib/pq"

	"github.com/tilde-lab/yascheduler/core/models"
)

// TaskRepository handles database operations for the task queue.
type TaskRepository struct {
	db *DB
}

// NewTaskRepository creates a new task repository.
func NewTaskRepository(db *DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Assignment is one task paired with the node it was claimed for.
type Assignment struct {
	Task *models.Task
	IP   string
}

// Submit inserts a TO_DO task and returns its id.
func (r *TaskRepository) Submit(ctx context.Context, label string, metadata map[string]interface{}) (int, error) {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return 0, err
	}
	var taskID int
	err = withRetry(ctx, func() error {
		return r.db.QueryRowContext(ctx,
			`INSERT INTO yascheduler_tasks (label, metadata, ip, status)
			 VALUES ($1, $2, NULL, $3)
			 RETURNING task_id`,
			label, meta, models.StatusToDo,
		).Scan(&taskID)
	})
	return taskID, err
}

// ClaimReadyTasks atomically pairs TO_DO tasks with currently free
// nodes. eligible maps an engine name to the free node IPs whose
// platforms cover it. Pairing is FIFO by task id; node choice is the
// lowest eligible IP. Task rows are taken with FOR UPDATE SKIP LOCKED
// so concurrent reconciler instances partition the queue instead of
// double-assigning.
func (r *TaskRepository) ClaimReadyTasks(ctx context.Context, eligible map[string][]string) ([]Assignment, error) {
	candidates := map[string]bool{}
	for _, ips := range eligible {
		for _, ip := range ips {
			candidates[ip] = true
		}
	}
	limit := len(candidates)
	if limit == 0 {
		return nil, nil
	}

	var out []Assignment
	err := r.db.inTx(ctx, func(tx *sql.Tx) error {
		out = nil

		// Lock candidate node rows; rows locked by a concurrent
		// claimer are skipped together with their IPs.
		ipList := make([]string, 0, len(candidates))
		for ip := range candidates {
			ipList = append(ipList, ip)
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT ip FROM yascheduler_nodes
			 WHERE enabled=TRUE AND ip = ANY($1)
			 FOR UPDATE SKIP LOCKED`,
			pq.Array(ipList))
		if err != nil {
			return err
		}
		locked := map[string]bool{}
		for rows.Next() {
			var ip string
			if err := rows.Scan(&ip); err != nil {
				rows.Close()
				return err
			}
			locked[ip] = true
		}
		if err := rows.Close(); err != nil {
			return err
		}

		// Re-verify freeness inside the transaction.
		busy, err := busyIPsTx(ctx, tx)
		if err != nil {
			return err
		}
		free := map[string]bool{}
		for ip := range locked {
			if !busy[ip] {
				free[ip] = true
			}
		}
		if len(free) == 0 {
			return nil
		}

		rows, err = tx.QueryContext(ctx,
			`SELECT task_id, label, metadata FROM yascheduler_tasks
			 WHERE status=$1
			 ORDER BY task_id
			 LIMIT $2
			 FOR UPDATE SKIP LOCKED`,
			models.StatusToDo, limit)
		if err != nil {
			return err
		}
		tasks, err := scanClaimable(rows)
		if err != nil {
			return err
		}

		taken := map[string]bool{}
		for _, task := range tasks {
			ip := pickNode(eligible[task.EngineName()], free, taken)
			if ip == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE yascheduler_tasks SET status=$1, ip=$2 WHERE task_id=$3`,
				models.StatusRunning, ip, task.TaskID,
			); err != nil {
				return err
			}
			taken[ip] = true
			task.Status = models.StatusRunning
			task.IP = ip
			out = append(out, Assignment{Task: task, IP: ip})
		}
		return nil
	})
	return out, err
}

// pickNode returns the lowest free eligible IP not already taken in
// this claim round.
func pickNode(ips []string, free, taken map[string]bool) string {
	sorted := append([]string(nil), ips...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := net.ParseIP(sorted[i]), net.ParseIP(sorted[j])
		if a == nil || b == nil {
			return sorted[i] < sorted[j]
		}
		return bytes.Compare(a.To16(), b.To16()) < 0
	})
	for _, ip := range sorted {
		if free[ip] && !taken[ip] {
			return ip
		}
	}
	return ""
}

func scanClaimable(rows *sql.Rows) ([]*models.Task, error) {
	defer rows.Close()
	var tasks []*models.Task
	for rows.Next() {
		var task models.Task
		var meta []byte
		if err := rows.Scan(&task.TaskID, &task.Label, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(meta, &task.Metadata); err != nil {
			return nil, fmt.Errorf("task %d metadata: %w", task.TaskID, err)
		}
		task.Status = models.StatusToDo
		tasks = append(tasks, &task)
	}
	return tasks, rows.Err()
}

// Get retrieves a task by id; nil when absent.
func (r *TaskRepository) Get(ctx context.Context, taskID int) (*models.Task, error) {
	var task *models.Task
	err := withRetry(ctx, func() error {
		row := r.db.QueryRowContext(ctx,
			`SELECT task_id, label, metadata, ip, status
			 FROM yascheduler_tasks WHERE task_id=$1`, taskID)
		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			task = nil
			return nil
		}
		task = t
		return err
	})
	return task, err
}

// GetMany retrieves tasks by ids.
func (r *TaskRepository) GetMany(ctx context.Context, ids []int) ([]*models.Task, error) {
	return r.query(ctx,
		`SELECT task_id, label, metadata, ip, status
		 FROM yascheduler_tasks
		 WHERE task_id = ANY($1)
		 ORDER BY task_id`,
		pq.Array(ids))
}

// ListByStatus retrieves tasks in any of the given statuses.
func (r *TaskRepository) ListByStatus(ctx context.Context, statuses ...models.TaskStatus) ([]*models.Task, error) {
	vals := make([]int, len(statuses))
	for i, s := range statuses {
		vals[i] = int(s)
	}
	return r.query(ctx,
		`SELECT task_id, label, metadata, ip, status
		 FROM yascheduler_tasks
		 WHERE status = ANY($1)
		 ORDER BY task_id`,
		pq.Array(vals))
}

// ListRunning retrieves all RUNNING tasks.
func (r *TaskRepository) ListRunning(ctx context.Context) ([]*models.Task, error) {
	return r.ListByStatus(ctx, models.StatusRunning)
}

// ListBusyIPs returns the set of node IPs referenced by RUNNING tasks.
func (r *TaskRepository) ListBusyIPs(ctx context.Context) (map[string]bool, error) {
	var busy map[string]bool
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx,
			`SELECT DISTINCT ip FROM yascheduler_tasks
			 WHERE status=$1 AND ip IS NOT NULL`, models.StatusRunning)
		if err != nil {
			return err
		}
		defer rows.Close()
		busy = map[string]bool{}
		for rows.Next() {
			var ip string
			if err := rows.Scan(&ip); err != nil {
				return err
			}
			busy[ip] = true
		}
		return rows.Err()
	})
	return busy, err
}

// UpdateMetadata overwrites a task's metadata.
func (r *TaskRepository) UpdateMetadata(ctx context.Context, taskID int, metadata map[string]interface{}) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE yascheduler_tasks SET metadata=$1 WHERE task_id=$2`,
			meta, taskID)
		return err
	})
}

// Finish sets a task DONE with its final metadata. DONE is terminal.
func (r *TaskRepository) Finish(ctx context.Context, taskID int, metadata map[string]interface{}) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return err
	}
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE yascheduler_tasks SET status=$1, metadata=$2 WHERE task_id=$3`,
			models.StatusDone, meta, taskID)
		return err
	})
}

// RecoverOrphans resets RUNNING tasks whose node is gone back to TO_DO
// with the ip cleared. Idempotent; safe at startup and on every cloud
// deallocation.
func (r *TaskRepository) RecoverOrphans(ctx context.Context, deadIPs []string) error {
	if len(deadIPs) == 0 {
		return nil
	}
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE yascheduler_tasks SET status=$1, ip=NULL
			 WHERE status=$2 AND ip = ANY($3)`,
			models.StatusToDo, models.StatusRunning, pq.Array(deadIPs))
		return err
	})
}

// Requeue returns a RUNNING task to TO_DO with the ip cleared. This is
// the recovery path for dispatch failures; it performs for one task the
// same transition RecoverOrphans performs for the tasks of dead nodes.
func (r *TaskRepository) Requeue(ctx context.Context, taskID int) error {
	return withRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx,
			`UPDATE yascheduler_tasks SET status=$1, ip=NULL
			 WHERE task_id=$2 AND status=$3`,
			models.StatusToDo, taskID, models.StatusRunning)
		return err
	})
}

// CountByStatus returns task counts per status.
func (r *TaskRepository) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	var counts map[models.TaskStatus]int
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx,
			`SELECT status, COUNT(task_id) FROM yascheduler_tasks
			 GROUP BY status ORDER BY status`)
		if err != nil {
			return err
		}
		defer rows.Close()
		counts = map[models.TaskStatus]int{}
		for rows.Next() {
			var status, n int
			if err := rows.Scan(&status, &n); err != nil {
				return err
			}
			counts[models.TaskStatus(status)] = n
		}
		return rows.Err()
	})
	return counts, err
}

func (r *TaskRepository) query(ctx context.Context, q string, args ...interface{}) ([]*models.Task, error) {
	var tasks []*models.Task
	err := withRetry(ctx, func() error {
		rows, err := r.db.QueryContext(ctx, q, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks = nil
		for rows.Next() {
			task, err := scanTask(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, task)
		}
		return rows.Err()
	})
	return tasks, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	var meta []byte
	var ip sql.NullString
	if err := row.Scan(&task.TaskID, &task.Label, &meta, &ip, &task.Status); err != nil {
		return nil, err
	}
	if ip.Valid {
		task.IP = ip.String
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &task.Metadata); err != nil {
			return nil, fmt.Errorf("task %d metadata: %w", task.TaskID, err)
		}
	}
	return &task, nil
}

func busyIPsTx(ctx context.Context, tx *sql.Tx) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT DISTINCT ip FROM yascheduler_tasks
		 WHERE status=$1 AND ip IS NOT NULL`, models.StatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	busy := map[string]bool{}
	for rows.Next() {
		var ip string
		if err := rows.Scan(&ip); err != nil {
			return nil, err
		}
		busy[ip] = true
	}
	return busy, rows.Err()
}
