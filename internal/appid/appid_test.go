package appid

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// resetIdentity clears gofulmen's process-wide cache and re-registers the
// embedded document.
func resetIdentity(t *testing.T) {
	t.Helper()
	appidentity.Reset()
	require.NoError(t, appidentity.RegisterEmbeddedIdentityYAML(EmbeddedYAML()))
	t.Cleanup(func() {
		appidentity.Reset()
		_ = appidentity.RegisterEmbeddedIdentityYAML(EmbeddedYAML())
	})
}

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestEmbeddedIdentityDocument(t *testing.T) {
	var doc struct {
		App struct {
			BinaryName string `yaml:"binary_name"`
			EnvPrefix  string `yaml:"env_prefix"`
			ConfigName string `yaml:"config_name"`
		} `yaml:"app"`
		Metadata struct {
			TelemetryNamespace string `yaml:"telemetry_namespace"`
		} `yaml:"metadata"`
	}
	require.NoError(t, yaml.Unmarshal(EmbeddedYAML(), &doc))

	assert.Equal(t, DefaultBinaryName, doc.App.BinaryName)
	assert.Equal(t, DefaultEnvPrefix, doc.App.EnvPrefix)
	assert.Equal(t, DefaultBinaryName, doc.App.ConfigName)
	assert.Equal(t, DefaultBinaryName, doc.Metadata.TelemetryNamespace)
}

func TestGetFallsBackToEmbeddedOutsideRepo(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, "")
	chdirTemp(t)

	identity, err := Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DefaultBinaryName, identity.BinaryName)
	assert.Equal(t, DefaultEnvPrefix, identity.EnvPrefix)
}

func TestGetHonorsExplicitPath(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, filepath.Join(t.TempDir(), "missing-app.yaml"))

	_, err := Get(context.Background())
	require.Error(t, err)
	var notFound *appidentity.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestResolveUsesFallback(t *testing.T) {
	resetIdentity(t)
	t.Setenv(appidentity.EnvIdentityPath, filepath.Join(t.TempDir(), "missing-app.yaml"))

	identity := Resolve(context.Background())
	assert.Equal(t, Fallback(), identity)
	assert.Equal(t, "SHARDLINE_", identity.EnvPrefix)
}
