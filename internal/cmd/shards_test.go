package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/server"
)

type staticShards struct {
	statuses  []gateway.ShardStatus
	restarted []int
}

func (s *staticShards) Status() []gateway.ShardStatus { return s.statuses }

func (s *staticShards) ShardStatus(shard int) (gateway.ShardStatus, error) {
	for _, st := range s.statuses {
		if st.Shard.Index == shard {
			return st, nil
		}
	}
	return gateway.ShardStatus{}, fmt.Errorf("%w: %d", gateway.ErrUnknownShard, shard)
}

func (s *staticShards) Restart(shard int) error {
	st, err := s.ShardStatus(shard)
	if err != nil {
		return err
	}
	if !st.Down {
		return fmt.Errorf("%w: %d", gateway.ErrShardRunning, shard)
	}
	s.restarted = append(s.restarted, shard)
	return nil
}

func (s *staticShards) Send(context.Context, int, gateway.Command) error { return nil }

func statusServer(t *testing.T, shards *staticShards) string {
	t.Helper()
	ts := httptest.NewServer(server.New(server.Options{Shards: shards}).Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		shardsAddr = ""
		rootCmd.SetOut(nil)
	})
	return ts.URL
}

func TestShardsCommandListsShards(t *testing.T) {
	shards := &staticShards{statuses: []gateway.ShardStatus{
		{Shard: gateway.ShardID{Index: 0, Total: 2}, State: gateway.StateReady, SessionID: "abc"},
		{Shard: gateway.ShardID{Index: 1, Total: 2}, State: gateway.StateReconnecting},
	}}
	url := statusServer(t, shards)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	require.NoError(t, executeCommand(t, "shards", "--addr", url, "-o", "json"))

	var listed []gateway.ShardStatus
	require.NoError(t, json.Unmarshal(out.Bytes(), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, gateway.StateReady, listed[0].State)
	assert.Equal(t, gateway.StateReconnecting, listed[1].State)
}

func TestShardsRestartCommand(t *testing.T) {
	shards := &staticShards{statuses: []gateway.ShardStatus{
		{Shard: gateway.ShardID{Index: 0, Total: 1}, State: gateway.StateDisconnected, Down: true},
	}}
	url := statusServer(t, shards)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	require.NoError(t, executeCommand(t, "shards", "restart", "0", "--addr", url))
	assert.Equal(t, []int{0}, shards.restarted)
	assert.Contains(t, out.String(), "Shard 0 restart requested")

	err := executeCommand(t, "shards", "restart", "4", "--addr", url)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SHARD_NOT_FOUND")
}
