package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardStatusJSONRoundTrip(t *testing.T) {
	seq := uint64(42)
	in := ShardStatus{Shard: ShardID{Index: 1, Total: 4}, State: StateResuming, SessionID: "abc", Sequence: &seq}

	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"state":"resuming"`)

	var out ShardStatus
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, StateResuming, out.State)
	require.NotNil(t, out.Sequence)
	assert.Equal(t, seq, *out.Sequence)

	var st State
	assert.Error(t, st.UnmarshalText([]byte("sleeping")))
}
