package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tilde-lab/yascheduler/core/models"
	"github.com/tilde-lab/yascheduler/core/remote"
)

func TestSubstituteSpawn(t *testing.T) {
	got := SubstituteSpawn(
		"{engine_path}/dummyengine {task_path}/1.input -n {ncpus}",
		"data/tasks/42", "data/engines/dummy", 8)
	assert.Equal(t, "data/engines/dummy/dummyengine data/tasks/42/1.input -n 8", got)

	// templates without placeholders pass through unchanged
	assert.Equal(t, "run all", SubstituteSpawn("run all", "t", "e", 1))
}

func TestNCpusResolution(t *testing.T) {
	s := &Scheduler{}
	m := &remote.Machine{NCpus: 16}

	// the task's requested value wins
	task := &models.Task{Metadata: map[string]interface{}{models.MetaNCpus: float64(4)}}
	assert.Equal(t, 4, s.ncpus(task, &models.Node{NCpus: 8}, m))

	// then the node's probed count
	task = &models.Task{Metadata: map[string]interface{}{}}
	assert.Equal(t, 8, s.ncpus(task, &models.Node{NCpus: 8}, m))

	// finally the live probe from the connection
	assert.Equal(t, 16, s.ncpus(task, &models.Node{}, m))
}
