package providers

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloudConfigRender(t *testing.T) {
	rendered, err := CloudConfig{
		SSHAuthorizedKeys: []string{"ssh-rsa AAAA... yakey1"},
		PackageUpgrade:    true,
		Packages:          []string{"openmpi-bin", "wget"},
	}.Render()
	require.NoError(t, err)

	require.True(t, strings.HasPrefix(rendered, "#cloud-config\n"))
	// the body is JSON, which cloud-init reads as YAML
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(
		[]byte(strings.TrimPrefix(rendered, "#cloud-config\n")), &body))
	assert.Equal(t, true, body["package_upgrade"])
	assert.Len(t, body["packages"], 2)
	assert.Len(t, body["ssh_authorized_keys"], 1)
}

func TestCloudConfigRenderBase64(t *testing.T) {
	encoded, err := CloudConfig{PackageUpgrade: true}.RenderBase64()
	require.NoError(t, err)
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(decoded), "#cloud-config\n"))
}

func TestNodeName(t *testing.T) {
	a, b := NodeName(), NodeName()
	assert.True(t, strings.HasPrefix(a, "yascheduler-node-"))
	assert.NotEqual(t, a, b)
}
