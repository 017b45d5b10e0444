package pageview

import (
	"pkt.systems/pageview/internal/telemetry"
	"pkt.systems/pageview/schema"
	"pkt.systems/pslog"
)

type eventFanout struct {
	sinks []telemetry.Publisher
}

func (f eventFanout) Publish(event schema.TelemetryEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.Publish(event)
	}
}

// logSink traces every accepted telemetry event.
type logSink struct {
	logger pslog.Logger
}

func (s logSink) Publish(event schema.TelemetryEvent) {
	s.logger.Trace("telemetry event", "id", event.ID, "name", event.Name, "properties", event.Properties)
}
