package output

import (
	"fmt"
	"strings"

	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/ratelimit"
)

// Format represents an output format.
type Format string

const (
	FormatTable    Format = "table"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Formatter renders shard and rate limiter state for the CLI.
type Formatter interface {
	FormatShards(statuses []gateway.ShardStatus) (string, error)
	FormatBuckets(buckets []ratelimit.BucketSnapshot) (string, error)
	FormatIncidents(incidents []ratelimit.Incident) (string, error)
	// FormatEvent renders one line of the live event stream.
	FormatEvent(ev gateway.Event) (string, error)
}

// ParseFormat validates and normalizes a format string.
func ParseFormat(value string) (Format, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	switch normalized {
	case "", string(FormatTable):
		return FormatTable, nil
	case string(FormatJSON):
		return FormatJSON, nil
	case string(FormatMarkdown), "md":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", value)
	}
}

// NewFormatter returns a formatter for the requested format.
func NewFormatter(format Format) Formatter {
	switch format {
	case FormatJSON:
		return &JSONFormatter{Indent: true}
	case FormatMarkdown:
		return &TableFormatter{Markdown: true}
	default:
		return &TableFormatter{}
	}
}
