package frontend

import (
	"context"
	"math/rand/v2"
)

// WellKnownDispatcher splits inbound messages into those consumed by
// in-process well-known handlers and those that must be persisted to
// per-session request queues.
//
// The handler registry is built once at construction by intersecting all
// registered flows against a configured allow-list.
type WellKnownDispatcher struct {
	flows   map[string]WellKnownFlow
	metrics Metrics
}

// NewWellKnownDispatcher builds a dispatcher from the given flows, keeping
// only those whose Name() appears in allowed. A nil allowed intersects
// with nothing (no well-known flows are active).
func NewWellKnownDispatcher(flows []WellKnownFlow, allowed map[string]bool, metrics Metrics) *WellKnownDispatcher {
	active := make(map[string]WellKnownFlow, len(flows))
	for _, f := range flows {
		if allowed[f.Name()] {
			active[f.Name()] = f
		}
	}
	return &WellKnownDispatcher{flows: active, metrics: metrics}
}

// Dispatch hands well-known messages to their in-process handler (grouped
// by handler name, one ProcessMessages call per name) and returns the
// remaining messages, which must be queued as regular responses. Regular
// requests are assigned a fresh non-zero response_id so queuing them does
// not collide with a session's pending-state slot.
func (d *WellKnownDispatcher) Dispatch(ctx context.Context, messages []Message) ([]Message, error) {
	byFlow := make(map[string][]Message)
	var result []Message

	for _, msg := range messages {
		if msg.ResponseID != 0 {
			result = append(result, msg)
			continue
		}

		flowName := msg.SessionID.FlowName
		if flow, ok := d.flows[flowName]; ok {
			byFlow[flow.Name()] = append(byFlow[flow.Name()], msg)
			d.metrics.IncrCounter("well_known_flow_requests", 1)
			d.metrics.IncrCounterLabel("well_known_flow_requests_by_session", msg.SessionID.String(), 1)
			continue
		}

		msg.ResponseID = newResponseID()
		result = append(result, msg)
	}

	for name, msgs := range byFlow {
		if err := d.flows[name].ProcessMessages(ctx, msgs); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// newResponseID returns a fresh pseudo-random non-zero response id.
func newResponseID() uint64 {
	for {
		if v := rand.Uint64(); v != 0 {
			return v
		}
	}
}
