package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/fulmenhq/gofulmen/appidentity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/shardline/internal/appid"
	"github.com/shardline/shardline/internal/output"
)

func TestApplyIdentity(t *testing.T) {
	use, short, long := rootCmd.Use, rootCmd.Short, rootCmd.Long
	flag := rootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	usage := flag.Usage
	t.Cleanup(func() {
		rootCmd.Use, rootCmd.Short, rootCmd.Long = use, short, long
		flag.Usage = usage
	})

	applyIdentity(&appidentity.Identity{
		BinaryName:  "shardline-staging",
		ConfigName:  "shardline-staging",
		Description: "staging gateway",
	})

	assert.Equal(t, "shardline-staging", rootCmd.Use)
	assert.Equal(t, "staging gateway", rootCmd.Short)
	assert.Contains(t, rootCmd.Long, "shardline-staging - staging gateway")
	assert.Contains(t, flag.Usage, "$XDG_CONFIG_HOME/shardline-staging/config.yaml")
}

func TestRootRegistersCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"gateway", "request", "shards", "rate-limit", "version", "health", "envinfo"} {
		assert.True(t, names[want], want)
	}
}

func TestWriteVersion(t *testing.T) {
	var plain bytes.Buffer
	require.NoError(t, writeVersion(&plain, buildInfo{Name: appid.DefaultBinaryName, Version: "1.4.0"}, output.FormatTable))
	assert.Equal(t, "shardline 1.4.0\n", plain.String())

	var full bytes.Buffer
	info := buildInfo{Name: "shardline", Version: "1.4.0", Commit: "abc", Go: "go1.25.1", GatewayAPI: 10}
	require.NoError(t, writeVersion(&full, info, output.FormatTable))
	assert.Contains(t, full.String(), "Gateway API: v10 (json)")
	assert.Contains(t, full.String(), "Commit: abc")

	var js bytes.Buffer
	require.NoError(t, writeVersion(&js, info, output.FormatJSON))
	var decoded buildInfo
	require.NoError(t, json.Unmarshal(js.Bytes(), &decoded))
	assert.Equal(t, info, decoded)
}
