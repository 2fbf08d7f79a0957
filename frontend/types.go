// Package frontend implements the client-facing ingress of the fleet
// management framework: authenticated message ingress, well-known flow
// dispatch, per-agent task draining, and adaptive admission control.
//
// Design Philosophy:
// - Each concurrent bundle is handled straight-line; blocking I/O against
//   the object store and queue manager is expected and tolerated.
// - The two LRU caches and the throttler are the only state shared across
//   concurrent handlers; everything else is scoped to a single bundle.
// - Collaborators (ObjectStore, QueueManager, Cipher, WellKnownFlow,
//   Events, Metrics) are narrow interfaces — concrete, production-shaped
//   implementations live in sibling packages (objectstore, queuestore,
//   cipher, wellknown, fmetrics, liveevents).
package frontend

import (
	"context"
	"time"
)

// AgentIdentity is the canonical name derived from an agent's certificate
// subject. It keys every per-agent structure and names that agent's
// outbound task queue.
type AgentIdentity string

// MessageType distinguishes regular data messages from status completions.
type MessageType int

const (
	MessageData MessageType = iota
	MessageStatus
)

// StatusCode mirrors the small set of completion codes a STATUS message's
// payload may carry. ClientKilled triggers a ClientCrash event.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusClientKilled
	StatusGenericError
)

// Status is the decoded payload of a STATUS message.
type Status struct {
	Code    StatusCode
	Message string
}

// SessionID identifies a logical flow of work. FlowName extracts the
// well-known handler name embedded in the session, if any (the empty
// string if this session does not belong to a well-known flow).
type SessionID struct {
	Base     string
	FlowName string
}

func (s SessionID) String() string {
	return s.Base
}

// Message is one entry in a parcel's signed message list.
type Message struct {
	SessionID  SessionID
	RequestID  uint64
	ResponseID uint64
	TaskID     uint64
	TaskTTL    int
	Priority   int
	Type       MessageType
	Payload    []byte
}

// Task is a Message leased from an agent-specific outbound queue.
type Task = Message

// Parcel is the logical (not wire-bit-exact) envelope exchanged with an
// agent. The cipher, transport, and wire codec are external collaborators;
// this struct is what DecodeParcel/EncodeParcel accept and return.
type Parcel struct {
	Source     AgentIdentity
	SourceIP   string
	APIVersion int
	QueueSize  int
	Timestamp  uint64
	Messages   []Message
	// CipherVerified is true when the transport layer already verified the
	// cipher-level signature on this parcel (skips re-verification).
	CipherVerified bool
	// Ciphertext and Signature carry the wire-level encrypted message list
	// and its detached signature. DecodeMessageList/EncodeMessageList own
	// their format; everything else in this package treats them opaquely.
	Ciphertext []byte
	Signature  []byte
}

// AgentRecord is the durable, per-agent state held in the ObjectStore.
// CERT is immutable after first write; CLOCK never decreases on the
// accepted path; CLIENT_IP reflects the most recently observed source.
type AgentRecord struct {
	Subject  AgentIdentity
	Cert     []byte
	PubKey   []byte
	Clock    uint64
	Ping     time.Time
	ClientIP string
	Labels   []string
}

// clone returns a deep copy of the record so a caller can hold and mutate
// it without racing a concurrent handler for the same agent that read the
// same cached entry (a single agent may pipeline concurrent bundles).
func (r *AgentRecord) clone() *AgentRecord {
	cp := *r
	if r.Cert != nil {
		cp.Cert = append([]byte(nil), r.Cert...)
	}
	if r.PubKey != nil {
		cp.PubKey = append([]byte(nil), r.PubKey...)
	}
	if r.Labels != nil {
		cp.Labels = append([]string(nil), r.Labels...)
	}
	return &cp
}

// ObjectStore is the durable object store collaborator. Create is
// idempotent for an existing key; Get/Set operate on named attributes of
// the object at key; Flush controls visibility of buffered writes.
type ObjectStore interface {
	// Create opens (or lazily creates) the agent record at key. ignoreCache
	// bypasses any store-internal read cache, forcing an authoritative
	// fetch.
	Create(ctx context.Context, key AgentIdentity, ignoreCache bool) (*AgentRecord, error)
	Get(ctx context.Context, key AgentIdentity) (*AgentRecord, error)
	Set(ctx context.Context, key AgentIdentity, record *AgentRecord) error
	Flush(ctx context.Context, key AgentIdentity, sync bool) error
}

// QueueManager is the per-queue lease data store collaborator. A
// QueueManager handle is scope-acquired per ReceiveMessages/DrainTasks
// call; Close commits all buffered writes on success and discards them on
// error.
type QueueManager interface {
	QueryAndOwn(ctx context.Context, queue AgentIdentity, limit int, leaseSeconds int) ([]Task, error)
	MultiCheckStatus(ctx context.Context, tasks []Task) (map[uint64]bool, error)
	DeQueueClientRequest(ctx context.Context, agent AgentIdentity, taskID uint64) error
	QueueResponse(ctx context.Context, session SessionID, msg Message) error
	QueueNotification(ctx context.Context, session SessionID, priority int, lastStatus *uint64) error
	Schedule(ctx context.Context, tasks []Task) error
	// Close finalizes the scope: commit on nil err, rollback otherwise.
	Close(err error) error
}

// QueueManagerFactory opens a new scoped QueueManager handle.
type QueueManagerFactory interface {
	Open(ctx context.Context) (QueueManager, error)
}

// Cipher verifies and transcodes parcels. Encode/Decode are invoked by
// ServerCommunicator; the cipher owns all symmetric/asymmetric primitives.
type Cipher interface {
	// VerifyCipherSignature checks the parcel's embedded signature against
	// the claimed source's public key.
	VerifyCipherSignature(parcel *Parcel, pubKey []byte) bool
	// DecodeMessageList decrypts and deserializes the parcel's signed
	// message list, returning the messages and the agent's claimed clock.
	DecodeMessageList(parcel *Parcel, pubKey []byte) (messages []Message, timestamp uint64, err error)
	// EncodeMessageList encrypts and serializes messages as a parcel bound
	// for dest, signed with the server's private key.
	EncodeMessageList(messages []Message, dest AgentIdentity, destPubKey []byte, timestamp uint64, apiVersion int) (*Parcel, error)
}

// WellKnownFlow is an in-process handler resolved by session-id flow name.
// Implementations are assumed idempotent and must not block the ingress
// path for more than the tolerated bundle budget.
type WellKnownFlow interface {
	Name() string
	ProcessMessages(ctx context.Context, messages []Message) error
}

// DeferFunc schedules fn onto the server's bounded worker pool for
// well-known-flow follow-up work that must not block the ingress path.
type DeferFunc func(ctx context.Context, fn func())

// DeferredWorkSubmitter is implemented by well-known flows whose
// follow-up work (a slow inventory sink, say) should run off the ingress
// path. The server installs its deferrer on every such flow at
// construction.
type DeferredWorkSubmitter interface {
	SetDeferrer(DeferFunc)
}

// Events publishes fleet-wide notifications (e.g. ClientCrash).
type Events interface {
	Publish(ctx context.Context, name string, payload any) error
}

// Metrics is the narrow counter/gauge/event-timing collaborator the core
// depends on. Field-qualified counters take a single label value.
type Metrics interface {
	IncrCounter(name string, delta int64)
	IncrCounterLabel(name, label string, delta int64)
	SetGauge(name string, value float64)
	ObserveEvent(name string, d time.Duration)
}
