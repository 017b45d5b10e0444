package core

import (
	"context"
	"encoding/json"
	"errors"

	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/schema"
)

// ProbeResult is the outcome of a single liveness probe.
type ProbeResult struct {
	// Present is false when no content script answered.
	Present bool
	// State is Active or Inactive when Present, Unknown otherwise.
	State schema.ActivationState
}

// NotPresent is the probe result for a tab without a content script.
var NotPresent = ProbeResult{Present: false, State: schema.StateUnknown}

// TabStateProbe asks a tab's content script whether the reading view is on.
type TabStateProbe struct {
	messenger TabMessenger
}

// NewTabStateProbe constructs a probe over messenger.
func NewTabStateProbe(messenger TabMessenger) *TabStateProbe {
	return &TabStateProbe{messenger: messenger}
}

// Probe pings the tab. An undeliverable ping is reported as NotPresent, never
// as an error.
func (p *TabStateProbe) Probe(ctx context.Context, tabID schema.TabID) ProbeResult {
	log := logx.WithTab(ctx, tabID)
	raw, err := p.messenger.SendMessage(ctx, tabID, schema.Message{Event: schema.EventPing})
	if err != nil {
		if errors.Is(err, schema.ErrNotPresent) {
			log.Debug("probe not present")
		} else {
			log.Debug("probe delivery failed", "err", err)
		}
		return NotPresent
	}
	var reply schema.PingReply
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &reply); err != nil {
			log.Debug("probe reply malformed", "err", err)
		}
	}
	state := schema.StateInactive
	if reply.PageViewEnabled {
		state = schema.StateActive
	}
	log.Debug("probe ok", "state", state)
	return ProbeResult{Present: true, State: state}
}
