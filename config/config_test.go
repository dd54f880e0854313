package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fullConfig = `
[db]
user = yascheduler
password = secret
database = sched
host = db.example.org
port = 5433

[local]
data_dir = /srv/yascheduler
webhook_reqs_limit = 3
conn_machine_limit = 7

[remote]
data_dir = ./scheduler
tasks_dir = %(data_dir)s/tasks
user = worker

[clouds]
hetzner_token = abc123
hetzner_max_nodes = 4
hetzner_priority = 10
hetzner_idle_tolerance = 120
aws_image_id = ami-0123456
aws_region = eu-west-1
aws_max_nodes = 2
aws_priority = 5
aws_platforms = debian-11 debian-12

[engine.dummy]
platforms = debian-11
deploy_local_files = dummyengine
spawn = {engine_path}/dummyengine {task_path}/1.input
check_pname = dummyengine
sleep_interval = 1
input_files = 1.input
output_files = 1.input 1.input.out

[engine.slow]
deploy_remote_archive = https://example.org/slow.tar.gz
spawn = {engine_path}/slow -n {ncpus}
check_cmd = pidof slow
check_cmd_code = 0
input_files = INPUT
output_files = OUTPUT
`

func TestLoadFullConfig(t *testing.T) {
	cfg, err := LoadBytes([]byte(fullConfig), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "db.example.org", cfg.Db.Host)
	assert.Equal(t, 5433, cfg.Db.Port)
	assert.Contains(t, cfg.Db.ConnectionString(), "dbname=sched")

	assert.Equal(t, "/srv/yascheduler", cfg.Local.DataDir)
	assert.Equal(t, "/srv/yascheduler/tasks", cfg.Local.TasksDir)
	assert.Equal(t, "/srv/yascheduler/keys", cfg.Local.KeysDir)
	assert.Equal(t, 3, cfg.Local.WebhookReqsLimit)
	assert.Equal(t, 7, cfg.Local.ConnMachineLimit)
	// defaults survive partial sections
	assert.Equal(t, 10, cfg.Local.ConnMachinePending)

	assert.Equal(t, "worker", cfg.Remote.User)
	// %(key)s interpolation within the section
	assert.Equal(t, "./scheduler/tasks", cfg.Remote.TasksDir)

	require.Len(t, cfg.Clouds, 2)
	byName := map[string]Cloud{}
	for _, c := range cfg.Clouds {
		byName[c.Name] = c
	}
	assert.Equal(t, 4, byName["hetzner"].MaxNodes)
	assert.Equal(t, 10, byName["hetzner"].Priority)
	assert.Equal(t, []string{"debian-11"}, byName["hetzner"].Platforms)
	assert.Equal(t, []string{"debian-11", "debian-12"}, byName["aws"].Platforms)
	assert.Equal(t, "ami-0123456", byName["aws"].AWSImageID)

	require.Len(t, cfg.Engines, 2)
	assert.Equal(t, 1, cfg.MinSleepInterval())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
[engine.e]
deploy_local_files = bin
spawn = {engine_path}/bin
check_pname = bin
input_files = in
output_files = out
`), zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "yascheduler", cfg.Db.User)
	assert.Equal(t, 5432, cfg.Db.Port)
	assert.Equal(t, "root", cfg.Remote.User)
	assert.Equal(t, "./data/engines", cfg.Remote.EnginesDir)
	assert.Equal(t, 5, cfg.Local.ConnMachineLimit)
	assert.Equal(t, 10, cfg.Local.AllocateLimit)
	assert.Empty(t, cfg.Clouds)
}

func TestUnknownKeysDoNotFail(t *testing.T) {
	_, err := LoadBytes([]byte(`
[db]
hosts = oops

[engine.e]
deploy_local_files = bin
spawn = {engine_path}/bin
check_pname = bin
input_files = in
output_files = out
typo_key = value
`), zap.NewNop())
	assert.NoError(t, err)
}

func TestCloudValidation(t *testing.T) {
	_, err := LoadBytes([]byte(`
[clouds]
hetzner_max_nodes = 2

[engine.e]
deploy_local_files = bin
spawn = {engine_path}/bin
check_pname = bin
input_files = in
output_files = out
`), zap.NewNop())
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestCloudDisabledByMaxNodes(t *testing.T) {
	cfg, err := LoadBytes([]byte(`
[clouds]
hetzner_token = abc
hetzner_max_nodes = 0

[engine.e]
deploy_local_files = bin
spawn = {engine_path}/bin
check_pname = bin
input_files = in
output_files = out
`), zap.NewNop())
	require.NoError(t, err)
	require.Len(t, cfg.Clouds, 1)
	assert.False(t, cfg.Clouds[0].Enabled())
}
