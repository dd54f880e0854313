// Package client is the thin programmatic surface over the core used
// by the admin CLIs: task submission with validation, status queries
// and node administration.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tilde-lab/yascheduler/config"
	"github.com/tilde-lab/yascheduler/core/models"
	"github.com/tilde-lab/yascheduler/core/repository"
)

// Client wraps the repositories for out-of-process callers.
type Client struct {
	cfg      *config.Config
	taskRepo *repository.TaskRepository
	nodeRepo *repository.NodeRepository
	log      *zap.Logger
}

// New connects a client against the configured database.
func New(cfg *config.Config, log *zap.Logger) (*Client, error) {
	db, err := repository.NewDB(cfg.Db.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return &Client{
		cfg:      cfg,
		taskRepo: repository.NewTaskRepository(db),
		nodeRepo: repository.NewNodeRepository(db),
		log:      log,
	}, nil
}

// SubmitRequest describes one task to submit.
type SubmitRequest struct {
	Label      string
	Engine     string
	Inputs     map[string]string // filename -> content
	WebhookURL string
	NCpus      int

	// WebhookOnSubmit fires the webhook once right after submission,
	// in addition to the completion notification.
	WebhookOnSubmit bool
}

// Submit validates the request against the engine declaration, stores
// the input files locally and inserts a TO_DO task. Validation is
// strict here so bad tasks fail at submission, never at dispatch.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (int, error) {
	eng := c.cfg.Engine(req.Engine)
	if eng == nil {
		return 0, fmt.Errorf("unknown engine %q", req.Engine)
	}
	// the engine template was validated at config load; re-check so a
	// stale process with a broken engine still refuses submissions
	if err := config.ValidateSpawn(eng.Spawn); err != nil {
		return 0, err
	}
	for _, name := range eng.InputFiles {
		if _, ok := req.Inputs[name]; !ok {
			return 0, fmt.Errorf("missing input file %q for engine %s", name, eng.Name)
		}
	}

	metadata := map[string]interface{}{
		models.MetaEngine: eng.Name,
	}
	if req.WebhookURL != "" {
		metadata[models.MetaWebhookURL] = req.WebhookURL
	}
	if req.NCpus > 0 {
		metadata[models.MetaNCpus] = req.NCpus
	}

	taskID, err := c.taskRepo.Submit(ctx, req.Label, metadata)
	if err != nil {
		return 0, err
	}

	localDir := filepath.Join(c.cfg.Local.TasksDir, strconv.Itoa(taskID))
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return 0, err
	}
	for name, content := range req.Inputs {
		if err := os.WriteFile(filepath.Join(localDir, name), []byte(content), 0o644); err != nil {
			return 0, err
		}
	}

	metadata[models.MetaLocalFolder] = localDir
	if req.WebhookOnSubmit {
		metadata[models.MetaWebhookOnSubmit] = true
	}
	if err := c.taskRepo.UpdateMetadata(ctx, taskID, metadata); err != nil {
		return 0, err
	}
	if req.WebhookOnSubmit && req.WebhookURL != "" {
		c.notifySubmitted(ctx, taskID, req)
	}
	c.log.Info("task submitted",
		zap.Int("task_id", taskID), zap.String("label", req.Label))
	return taskID, nil
}

// notifySubmitted posts the submission webhook. Best effort: failures
// are logged, never retried here.
func (c *Client) notifySubmitted(ctx context.Context, taskID int, req SubmitRequest) {
	body, err := json.Marshal(map[string]interface{}{
		"task_id": taskID,
		"label":   req.Label,
		"status":  int(models.StatusToDo),
	})
	if err != nil {
		return
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		req.WebhookURL, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("submission webhook failed", zap.Error(err))
		return
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(httpReq)
	if err != nil {
		c.log.Warn("submission webhook failed", zap.Error(err))
		return
	}
	resp.Body.Close()
}

// Tasks retrieves tasks by ids, or by status when ids is empty.
func (c *Client) Tasks(ctx context.Context, ids []int, statuses []models.TaskStatus) ([]*models.Task, error) {
	if len(ids) > 0 {
		return c.taskRepo.GetMany(ctx, ids)
	}
	if len(statuses) > 0 {
		return c.taskRepo.ListByStatus(ctx, statuses...)
	}
	return c.taskRepo.ListByStatus(ctx,
		models.StatusToDo, models.StatusRunning, models.StatusDone)
}

// TaskCounts returns task counts per status.
func (c *Client) TaskCounts(ctx context.Context) (map[models.TaskStatus]int, error) {
	return c.taskRepo.CountByStatus(ctx)
}

// Nodes retrieves the node registry.
func (c *Client) Nodes(ctx context.Context) ([]*models.Node, error) {
	return c.nodeRepo.List(ctx)
}

// AddNode statically registers an enabled node.
func (c *Client) AddNode(ctx context.Context, ip, username string) error {
	if username == "" {
		username = c.cfg.Remote.User
	}
	return c.nodeRepo.Add(ctx, &models.Node{
		IP:       ip,
		Enabled:  true,
		Username: username,
	})
}

// SetNodeEnabled gates a node in or out of assignment.
func (c *Client) SetNodeEnabled(ctx context.Context, ip string, enabled bool) error {
	return c.nodeRepo.SetEnabled(ctx, ip, enabled)
}

// RemoveNode deregisters a node and recovers any task running on it.
func (c *Client) RemoveNode(ctx context.Context, ip string) error {
	if err := c.taskRepo.RecoverOrphans(ctx, []string{ip}); err != nil {
		return err
	}
	return c.nodeRepo.Remove(ctx, ip)
}
