package output

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/ratelimit"
)

// TableFormatter renders ASCII tables, or Markdown tables when Markdown is
// set.
type TableFormatter struct {
	Markdown bool
	// Now is used for relative times; nil means time.Now.
	Now func() time.Time
}

func (f *TableFormatter) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *TableFormatter) render(t table.Writer) string {
	if f.Markdown {
		return t.RenderMarkdown()
	}
	t.SetStyle(table.StyleRounded)
	return t.Render()
}

func (f *TableFormatter) FormatShards(statuses []gateway.ShardStatus) (string, error) {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Shard", "State", "Session", "Seq", "Latency", "Reconnects", "Last Error"})

	ready := 0
	for _, st := range statuses {
		state := st.State.String()
		if st.Down {
			state = "down"
		}
		if st.State == gateway.StateReady {
			ready++
		}
		seq := "-"
		if st.Sequence != nil {
			seq = fmt.Sprint(*st.Sequence)
		}
		t.AppendRow(table.Row{
			st.Shard.String(),
			state,
			orDash(st.SessionID),
			seq,
			formatLatency(st.Latency),
			st.Reconnects,
			orDash(truncate(st.LastError, 60)),
		})
	}
	t.AppendFooter(table.Row{"", fmt.Sprintf("%d/%d ready", ready, len(statuses))})
	return f.render(t), nil
}

func (f *TableFormatter) FormatBuckets(buckets []ratelimit.BucketSnapshot) (string, error) {
	if len(buckets) == 0 {
		return "No buckets discovered yet.", nil
	}
	now := f.now()
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Bucket", "Remaining", "In Flight", "Queued", "Resets In", "Routes"})
	for _, b := range buckets {
		name := b.Key
		if b.ID != "" {
			name = b.ID
		}
		remaining := "?"
		if b.Limit > 0 {
			remaining = fmt.Sprintf("%d/%d", b.Remaining, b.Limit)
		}
		t.AppendRow(table.Row{
			name,
			remaining,
			b.InFlight,
			b.Queued,
			untilLabel(b.ResetAt, now),
			orDash(strings.Join(b.Routes, ", ")),
		})
	}
	return f.render(t), nil
}

func (f *TableFormatter) FormatIncidents(incidents []ratelimit.Incident) (string, error) {
	if len(incidents) == 0 {
		return "No rate limit incidents recorded.", nil
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"When", "Route", "Bucket", "Scope", "Global", "Retry After"})
	for _, in := range incidents {
		t.AppendRow(table.Row{
			in.OccurredAt.Local().Format(time.DateTime),
			in.Route,
			orDash(in.Bucket),
			orDash(in.Scope),
			yesNo(in.Global),
			in.RetryAfter.String(),
		})
	}
	return f.render(t), nil
}

func (f *TableFormatter) FormatEvent(ev gateway.Event) (string, error) {
	var sb strings.Builder
	sb.WriteString(f.now().Format("15:04:05.000"))
	fmt.Fprintf(&sb, " shard=%d %s", ev.Shard, ev.Kind)
	if ev.Type != "" {
		fmt.Fprintf(&sb, " %s", ev.Type)
	}
	if ev.Sequence != 0 {
		fmt.Fprintf(&sb, " seq=%d", ev.Sequence)
	}
	if ev.Err != nil {
		fmt.Fprintf(&sb, " err=%q", ev.Err.Error())
	}
	return sb.String(), nil
}

func formatLatency(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Millisecond).String()
}

func untilLabel(at, now time.Time) string {
	if at.IsZero() || !at.After(now) {
		return "-"
	}
	return at.Sub(now).Round(time.Millisecond).String()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
