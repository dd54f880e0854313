package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusString(t *testing.T) {
	assert.Equal(t, "TO_DO", StatusToDo.String())
	assert.Equal(t, "RUNNING", StatusRunning.String())
	assert.Equal(t, "DONE", StatusDone.String())
	assert.Equal(t, "UNKNOWN", TaskStatus(9).String())
}

func TestTaskMetadataAccessors(t *testing.T) {
	task := &Task{Metadata: map[string]interface{}{
		MetaEngine:     "dummy",
		MetaWebhookURL: "https://example.org/hook",
		MetaNCpus:      float64(4), // as decoded from JSONB
	}}
	assert.Equal(t, "dummy", task.EngineName())
	assert.Equal(t, "https://example.org/hook", task.WebhookURL())
	assert.Equal(t, 4, task.RequestedNCpus())

	empty := &Task{}
	assert.Empty(t, empty.EngineName())
	assert.Empty(t, empty.WebhookURL())
	assert.Zero(t, empty.RequestedNCpus())
}

func TestNodeCloudOwned(t *testing.T) {
	assert.True(t, (&Node{Cloud: "hetzner"}).CloudOwned())
	assert.False(t, (&Node{}).CloudOwned())
}
