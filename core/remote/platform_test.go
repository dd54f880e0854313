package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOSRelease(t *testing.T) {
	debian := `PRETTY_NAME="Debian GNU/Linux 11 (bullseye)"
NAME="Debian GNU/Linux"
VERSION_ID="11"
VERSION="11 (bullseye)"
ID=debian
HOME_URL="https://www.debian.org/"
`
	assert.Equal(t, []string{"debian-11", "debian", "linux"}, parseOSRelease(debian))

	ubuntu := `NAME="Ubuntu"
VERSION_ID="22.04"
ID=ubuntu
ID_LIKE=debian
`
	assert.Equal(t, []string{"ubuntu-22.04", "ubuntu", "linux"}, parseOSRelease(ubuntu))

	// unknown distributions still land on the generic tag
	assert.Equal(t, []string{"linux"}, parseOSRelease("garbage"))
}

func TestWindowsTags(t *testing.T) {
	assert.Equal(t, []string{"windows-11", "windows"}, windowsTags("11\r\n"))
	assert.Equal(t, []string{"windows"}, windowsTags(""))
}

func TestPlatformJoin(t *testing.T) {
	assert.Equal(t, "data/tasks/42", linuxPlatform.Join("data/tasks", "42"))
	assert.Equal(t, "/srv/data/tasks/42", linuxPlatform.Join("/srv/data/tasks", "42"))
	assert.Equal(t, `data\tasks\42`, windowsPlatform.Join(`data\tasks`, "42"))
}

func TestPlatformTranslate(t *testing.T) {
	assert.Equal(t, "./data/tasks", linuxPlatform.Translate("./data/tasks"))
	assert.Equal(t, `.\data\tasks`, windowsPlatform.Translate("./data/tasks"))
}

func TestPlatformQuote(t *testing.T) {
	assert.Equal(t, `'it''s'`, windowsPlatform.Quote("it's"))
	assert.Equal(t, `'plain'`, linuxPlatform.Quote("plain"))
	assert.Equal(t, `'it'\''s'`, linuxPlatform.Quote("it's"))
}

func TestPgrepCmd(t *testing.T) {
	assert.Equal(t, "pgrep -f 'dummyengine'", linuxPlatform.PgrepCmd("dummyengine"))
	cmd := windowsPlatform.PgrepCmd("dummyengine.exe")
	assert.Contains(t, cmd, "Get-Process")
	assert.Contains(t, cmd, "'dummyengine'")
}

func TestSpawnCmd(t *testing.T) {
	cmd := linuxPlatform.SpawnCmd("./bin input", "data/tasks/1")
	assert.Contains(t, cmd, "nohup ./bin input")
	assert.Contains(t, cmd, "cd 'data/tasks/1'")
	assert.Contains(t, cmd, "&")
}

func TestInstallPackagesCmd(t *testing.T) {
	cmd, err := linuxPlatform.InstallPackagesCmd("debian-11", []string{"openmpi-bin", "wget"}, true)
	require.NoError(t, err)
	assert.Contains(t, cmd, "apt-get")
	assert.Contains(t, cmd, "DPkg::Lock::Timeout=600")
	assert.Contains(t, cmd, "openmpi-bin wget")
	assert.NotContains(t, cmd, "sudo")

	cmd, err = linuxPlatform.InstallPackagesCmd("debian-11", []string{"wget"}, false)
	require.NoError(t, err)
	assert.Contains(t, cmd, "sudo apt-get")

	// empty list is a no-op
	cmd, err = linuxPlatform.InstallPackagesCmd("debian-11", nil, true)
	require.NoError(t, err)
	assert.Empty(t, cmd)

	_, err = windowsPlatform.InstallPackagesCmd("windows-11", []string{"x"}, true)
	assert.Error(t, err)
}
