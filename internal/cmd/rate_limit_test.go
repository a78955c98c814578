package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/shardline/internal/config"
	"github.com/shardline/shardline/internal/output"
	"github.com/shardline/shardline/internal/ratelimit"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	since, err := parseSince("", now)
	require.NoError(t, err)
	assert.True(t, since.IsZero())

	since, err = parseSince("90m", now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(-90*time.Minute), since)

	since, err = parseSince("2025-05-31T00:00:00Z", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), since)

	_, err = parseSince("yesterday", now)
	assert.Error(t, err)
}

func TestWriteRateLimitResetResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeRateLimitResetResult(output.FormatTable, &buf, 3, 0, true))
	assert.Equal(t, "Would delete 3 incident(s)\n", buf.String())

	buf.Reset()
	require.NoError(t, writeRateLimitResetResult(output.FormatTable, &buf, 3, 2, false))
	assert.Equal(t, "Deleted 2/3 incident(s)\n", buf.String())

	buf.Reset()
	require.NoError(t, writeRateLimitResetResult(output.FormatJSON, &buf, 1, 1, false))
	assert.JSONEq(t, `{"matched":1,"deleted":1,"dry_run":false}`, buf.String())
}

func seedIncidents(t *testing.T, dbPath string, incidents ...ratelimit.Incident) {
	t.Helper()
	ctx := context.Background()
	db, err := openStore(ctx, config.StoreConfig{Driver: "sqlite", Path: dbPath})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()
	for _, in := range incidents {
		require.NoError(t, db.RecordIncident(ctx, in))
	}
}

func executeCommand(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		outputFormat = "table"
		rateLimitListRoute, rateLimitListOut = "", ""
		rateLimitResetAll, rateLimitResetYes, rateLimitResetDryRun = false, false, false
		rateLimitResetRoute, rateLimitResetOut = "", ""
	})
	return rootCmd.ExecuteContext(context.Background())
}

func TestRateLimitListAndReset(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "incidents.db")
	t.Setenv("SHARDLINE_DB_PATH", dbPath)
	t.Setenv("SHARDLINE_DB_DRIVER", "sqlite")

	now := time.Now().UTC()
	seedIncidents(t, dbPath,
		ratelimit.Incident{Route: "GET /users/@me", Bucket: "abc", Scope: "user", RetryAfter: time.Second, OccurredAt: now.Add(-time.Minute)},
		ratelimit.Incident{Route: "POST /channels/:id/messages", Bucket: "def", Scope: "shared", RetryAfter: 2 * time.Second, OccurredAt: now},
	)

	listPath := filepath.Join(dir, "list.json")
	require.NoError(t, executeCommand(t, "rate-limit", "list", "-o", "json", "--out", listPath))

	data, err := os.ReadFile(listPath)
	require.NoError(t, err)
	var listed []ratelimit.Incident
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "POST /channels/:id/messages", listed[0].Route, "newest first")

	assert.Error(t, executeCommand(t, "rate-limit", "reset", "--all"), "--all needs --yes")

	resetPath := filepath.Join(dir, "reset.json")
	require.NoError(t, executeCommand(t, "rate-limit", "reset", "--route", "GET /users/@me", "-o", "json", "--out", resetPath))
	data, err = os.ReadFile(resetPath)
	require.NoError(t, err)
	assert.JSONEq(t, `{"matched":1,"deleted":1,"dry_run":false}`, string(data))

	require.NoError(t, executeCommand(t, "rate-limit", "list", "-o", "json", "--out", listPath))
	data, err = os.ReadFile(listPath)
	require.NoError(t, err)
	listed = nil
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed, 1)
}
