package output

import (
	"encoding/json"

	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/ratelimit"
)

// JSONFormatter renders values as JSON.
type JSONFormatter struct {
	Indent bool
}

func (f *JSONFormatter) marshal(v any) (string, error) {
	var (
		data []byte
		err  error
	)
	if f.Indent {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (f *JSONFormatter) FormatShards(statuses []gateway.ShardStatus) (string, error) {
	if statuses == nil {
		statuses = []gateway.ShardStatus{}
	}
	return f.marshal(statuses)
}

func (f *JSONFormatter) FormatBuckets(buckets []ratelimit.BucketSnapshot) (string, error) {
	if buckets == nil {
		buckets = []ratelimit.BucketSnapshot{}
	}
	return f.marshal(buckets)
}

func (f *JSONFormatter) FormatIncidents(incidents []ratelimit.Incident) (string, error) {
	if incidents == nil {
		incidents = []ratelimit.Incident{}
	}
	return f.marshal(incidents)
}

// eventJSON adds the error text Event leaves out of its encoding.
type eventJSON struct {
	gateway.Event
	Error string `json:"error,omitempty"`
}

// FormatEvent always renders one line so the stream stays NDJSON.
func (f *JSONFormatter) FormatEvent(ev gateway.Event) (string, error) {
	out := eventJSON{Event: ev}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
