package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loadEngine(t *testing.T, body string) (*Config, error) {
	t.Helper()
	return LoadBytes([]byte("[engine.e]\n"+body), zap.NewNop())
}

func TestEngineDefaults(t *testing.T) {
	cfg, err := loadEngine(t, `
deploy_local_files = bin aux.dat
spawn = {engine_path}/bin {task_path}/in
check_pname = bin
input_files = in
output_files = out
`)
	require.NoError(t, err)
	eng := cfg.Engine("e")
	require.NotNil(t, eng)

	assert.Equal(t, []string{"debian-11"}, eng.Platforms)
	assert.Equal(t, 10, eng.SleepInterval)

	deploy, ok := eng.Deploy.(LocalFilesDeploy)
	require.True(t, ok)
	require.Len(t, deploy.Files, 2)
	// local files resolve under {local.engines_dir}/{name}
	assert.Contains(t, deploy.Files[0], "engines/e/bin")

	check, ok := eng.Check.(ProcessNameCheck)
	require.True(t, ok)
	assert.Equal(t, "bin", check.Pname)
}

func TestEngineCommandCheckDefaultCode(t *testing.T) {
	cfg, err := loadEngine(t, `
deploy_local_archive = engine.tar.gz
spawn = run
check_cmd = pidof bin
input_files = in
output_files = out
`)
	require.NoError(t, err)
	check, ok := cfg.Engine("e").Check.(CommandCheck)
	require.True(t, ok)
	assert.Equal(t, 0, check.ExitCode)
}

func TestEngineDeploySourceExclusive(t *testing.T) {
	_, err := loadEngine(t, `
deploy_local_files = bin
deploy_remote_archive = https://example.org/a.tar.gz
spawn = run
check_pname = bin
input_files = in
output_files = out
`)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = loadEngine(t, `
spawn = run
check_pname = bin
input_files = in
output_files = out
`)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEngineCheckExclusive(t *testing.T) {
	_, err := loadEngine(t, `
deploy_local_files = bin
spawn = run
check_pname = bin
check_cmd = pidof bin
input_files = in
output_files = out
`)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = loadEngine(t, `
deploy_local_files = bin
spawn = run
input_files = in
output_files = out
`)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEngineUnknownSpawnPlaceholder(t *testing.T) {
	_, err := loadEngine(t, `
deploy_local_files = bin
spawn = {nonsense} file
check_pname = bin
input_files = in
output_files = out
`)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEngineRequiresInputOutput(t *testing.T) {
	_, err := loadEngine(t, `
deploy_local_files = bin
spawn = run
check_pname = bin
output_files = out
`)
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = loadEngine(t, `
deploy_local_files = bin
spawn = run
check_pname = bin
input_files = in
`)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateSpawn(t *testing.T) {
	assert.NoError(t, ValidateSpawn("{engine_path}/x {task_path}/y -n {ncpus}"))
	assert.Error(t, ValidateSpawn("{task_dir}/x"))
	assert.Error(t, ValidateSpawn("run {}"))
	assert.NoError(t, ValidateSpawn("plain command without placeholders"))
}

func TestSupportsPlatform(t *testing.T) {
	eng := &Engine{Platforms: []string{"debian-11", "debian-12"}}
	assert.True(t, eng.SupportsPlatform("debian-11"))
	assert.False(t, eng.SupportsPlatform("windows-10"))
	assert.True(t, eng.SupportsAnyPlatform([]string{"windows-10", "debian-12"}))
	assert.False(t, eng.SupportsAnyPlatform([]string{"windows-10", "windows"}))
}
