// Package wellknown provides sample in-process handlers for the
// frontend's WellKnownFlow collaborator: flows that consume a message
// without ever touching a per-session request/response queue.
package wellknown

import (
	"context"
	"log"
	"sync"
	"time"

	"encore.app/frontend"
)

// HeartbeatFlow records when each agent that addresses it was last heard
// from (the server's arrival time of its latest heartbeat), without persisting anything to the object store
// itself (the clock bookkeeping already happens in ServerCommunicator;
// this flow exists for lightweight fleet-health telemetry a dashboard
// can poll without opening the object store).
type HeartbeatFlow struct {
	mu       sync.RWMutex
	lastSeen map[frontend.AgentIdentity]time.Time
}

// NewHeartbeatFlow constructs an empty HeartbeatFlow.
func NewHeartbeatFlow() *HeartbeatFlow {
	return &HeartbeatFlow{lastSeen: make(map[frontend.AgentIdentity]time.Time)}
}

func (f *HeartbeatFlow) Name() string { return "Heartbeat" }

// ProcessMessages records the arrival time of each heartbeat message,
// keyed by the session's base identity (the agent that sent it).
func (f *HeartbeatFlow) ProcessMessages(ctx context.Context, messages []frontend.Message) error {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, msg := range messages {
		f.lastSeen[frontend.AgentIdentity(msg.SessionID.Base)] = now
	}
	return nil
}

// LastSeen reports when id's heartbeat was last recorded.
func (f *HeartbeatFlow) LastSeen(id frontend.AgentIdentity) (time.Time, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.lastSeen[id]
	return t, ok
}

// StartupMessage is the payload of a Startup well-known flow message: an
// agent announces itself (and its labels) immediately after connecting.
type StartupMessage struct {
	Labels  []string `json:"labels"`
	Version string   `json:"version"`
}

// StartupFlow decodes first-contact announcements and, optionally, hands
// each one to a fleet inventory sink. Once the server installs its
// deferrer, the sink callback runs on the deferred worker pool instead of
// the ingress path; without a deferrer the callback runs inline.
type StartupFlow struct {
	onStartup func(ctx context.Context, msg frontend.Message, decoded StartupMessage)
	deferrer  frontend.DeferFunc
}

// NewStartupFlow constructs a StartupFlow. onStartup may be nil.
func NewStartupFlow(onStartup func(ctx context.Context, msg frontend.Message, decoded StartupMessage)) *StartupFlow {
	return &StartupFlow{onStartup: onStartup}
}

func (f *StartupFlow) Name() string { return "Startup" }

// SetDeferrer implements frontend.DeferredWorkSubmitter. Installed by
// the server at construction, before any message traffic.
func (f *StartupFlow) SetDeferrer(d frontend.DeferFunc) { f.deferrer = d }

func (f *StartupFlow) ProcessMessages(ctx context.Context, messages []frontend.Message) error {
	for _, msg := range messages {
		decoded, err := decodeStartupPayload(msg.Payload)
		if err != nil {
			log.Printf("wellknown: malformed startup payload for session %s: %v", msg.SessionID, err)
			continue
		}
		if f.onStartup == nil {
			continue
		}
		if f.deferrer != nil {
			// The callback outlives the bundle that carried the message, so
			// detach it from the bundle's cancellation while keeping its
			// values (the log correlation id).
			bg := context.WithoutCancel(ctx)
			f.deferrer(ctx, func() { f.onStartup(bg, msg, decoded) })
			continue
		}
		f.onStartup(ctx, msg, decoded)
	}
	return nil
}

func init() {
	frontend.RegisterWellKnownFlows(func() []frontend.WellKnownFlow {
		return []frontend.WellKnownFlow{NewHeartbeatFlow(), NewStartupFlow(nil)}
	})
}

// decodeStartupPayload is a narrow, dependency-free decoder: the wire
// format here is "version\x00label1,label2,...", matching the minimal
// framing Ingress already expects for STATUS payloads (a leading typed
// field, no general-purpose serialization needed).
func decodeStartupPayload(payload []byte) (StartupMessage, error) {
	for i, b := range payload {
		if b == 0 {
			version := string(payload[:i])
			var labels []string
			if i+1 < len(payload) {
				labels = splitNonEmpty(string(payload[i+1:]), ',')
			}
			return StartupMessage{Version: version, Labels: labels}, nil
		}
	}
	return StartupMessage{Version: string(payload)}, nil
}

func splitNonEmpty(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
