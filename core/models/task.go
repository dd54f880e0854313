package models

// TaskStatus is the persistent task state.
type TaskStatus int

// Status codes as stored in yascheduler_tasks.status.
const (
	StatusToDo    TaskStatus = 0
	StatusRunning TaskStatus = 1
	StatusDone    TaskStatus = 2
)

// String returns the conventional status name.
func (s TaskStatus) String() string {
	switch s {
	case StatusToDo:
		return "TO_DO"
	case StatusRunning:
		return "RUNNING"
	case StatusDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// Metadata keys written by the scheduler itself.
const (
	MetaEngine          = "engine"
	MetaWebhookURL      = "webhook_url"
	MetaNCpus           = "ncpus"
	MetaLocalFolder     = "local_folder"
	MetaRemoteFolder    = "remote_folder"
	MetaDownloadErrors  = "download_errors"
	MetaWebhookOnSubmit = "webhook_onsubmit"
)

// Task is a unit of work: an engine name plus named input files, bound
// to a node IP while RUNNING. Tasks are created by submit, mutated only
// by the scheduler loop and never destroyed by the core.
type Task struct {
	TaskID   int                    `json:"task_id"`
	Label    string                 `json:"label"`
	Metadata map[string]interface{} `json:"metadata"`
	IP       string                 `json:"ip,omitempty"`
	Status   TaskStatus             `json:"status"`
}

// EngineName returns the engine recorded in the task metadata.
func (t *Task) EngineName() string {
	name, _ := t.Metadata[MetaEngine].(string)
	return name
}

// WebhookURL returns the webhook destination, empty when unset.
func (t *Task) WebhookURL() string {
	url, _ := t.Metadata[MetaWebhookURL].(string)
	return url
}

// RequestedNCpus returns the ncpus requested at submission, 0 when the
// node's probed value should be used.
func (t *Task) RequestedNCpus() int {
	switch v := t.Metadata[MetaNCpus].(type) {
	case float64: // JSONB numbers decode as float64
		return int(v)
	case int:
		return v
	}
	return 0
}
