package cmd

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/shardline/shardline/internal/gateway"
	"github.com/shardline/shardline/internal/metrics"
	"github.com/shardline/shardline/internal/observability"
	"github.com/shardline/shardline/internal/output"
)

// shardSource is the part of the supervisor the event loop consumes.
type shardSource interface {
	Events() <-chan gateway.Event
	Status() []gateway.ShardStatus
	Close() error
}

// eventLoop drains the supervisor's event stream, prints it and keeps the
// shard gauges current. It stops the supervisor once every shard is down
// for good.
type eventLoop struct {
	sv           shardSource
	formatter    output.Formatter
	dispatch     bool
	quiet        bool
	restartFatal bool
	logger       observability.Logger
	out          io.Writer

	stopping bool
}

// run returns when the event stream closes, with the supervisor's close
// error.
func (l *eventLoop) run() error {
	for ev := range l.sv.Events() {
		l.handle(ev)
	}
	return l.sv.Close()
}

func (l *eventLoop) handle(ev gateway.Event) {
	if ev.Kind != gateway.EventDispatch {
		l.publishReady()
	}
	l.print(ev)

	if ev.Kind != gateway.EventShardDown {
		return
	}
	l.logger.Error("Shard down",
		zap.Int("shard", ev.Shard),
		zap.Error(ev.Err))
	if l.stopping || !l.allDown() {
		return
	}
	if l.restartFatal && !gateway.IsAuthentication(ev.Err) {
		return
	}
	l.logger.Error("All shards are down, stopping")
	l.stopping = true
	go func() { _ = l.sv.Close() }()
}

func (l *eventLoop) print(ev gateway.Event) {
	if l.quiet || (ev.Kind == gateway.EventDispatch && !l.dispatch) {
		return
	}
	line, err := l.formatter.FormatEvent(ev)
	if err != nil {
		l.logger.Warn("Failed to format event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	_, _ = fmt.Fprintln(l.out, line)
}

func (l *eventLoop) publishReady() {
	statuses := l.sv.Status()
	ready := 0
	for _, st := range statuses {
		if st.State == gateway.StateReady {
			ready++
		}
	}
	metrics.SetShardsReady(ready, len(statuses))
}

func (l *eventLoop) allDown() bool {
	statuses := l.sv.Status()
	if len(statuses) == 0 {
		return false
	}
	for _, st := range statuses {
		if !st.Down {
			return false
		}
	}
	return true
}
