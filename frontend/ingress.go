package frontend

import (
	"context"
	"fmt"
)

// clientCrashEvent is the event name published, with the STATUS message as
// payload, when that message reports that the agent process was killed
// mid-task.
const clientCrashEvent = "ClientCrash"

// Ingress persists agent responses and raises completion notifications
// and crash events.
type Ingress struct {
	queues     QueueManagerFactory
	dispatcher *WellKnownDispatcher
	events     Events
	metrics    Metrics
}

// NewIngress constructs an Ingress over the given collaborators.
func NewIngress(queues QueueManagerFactory, dispatcher *WellKnownDispatcher, events Events, metrics Metrics) *Ingress {
	return &Ingress{queues: queues, dispatcher: dispatcher, events: events, metrics: metrics}
}

// ReceiveMessages groups messages by session, routes well-known messages
// to their in-process handler, persists the remainder as responses on the
// session's request queue, and emits exactly one notification per
// (session, request) boundary. All writes commit atomically from the
// perspective of workers, or none do.
func (in *Ingress) ReceiveMessages(ctx context.Context, client AgentIdentity, messages []Message) (err error) {
	manager, err := in.queues.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() {
		if cerr := manager.Close(err); cerr != nil && err == nil {
			err = cerr
		}
	}()

	groups := groupBySession(messages)

	for session, msgs := range groups {
		remaining, derr := in.dispatcher.Dispatch(ctx, msgs)
		if derr != nil {
			return derr
		}
		if len(remaining) == 0 {
			continue
		}

		for _, msg := range remaining {
			if qerr := manager.QueueResponse(ctx, session, msg); qerr != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, qerr)
			}
		}

		if notifyErr := in.notify(ctx, manager, client, session, remaining); notifyErr != nil {
			return notifyErr
		}
	}

	return nil
}

// notify implements the notification and completion rules for one
// session's group: a well-known message still needing to wake a listener
// (request_id == 0) emits a single notification and stops; otherwise at
// most one notification is emitted per distinct request_id in the group.
// STATUS completion effects are NOT deduplicated: every STATUS message
// dequeues its task and raises a ClientCrash event when the status
// reports the client was killed, even when an earlier message in the
// group (a DATA response preceding its terminal STATUS, say) already
// notified for the same request_id.
func (in *Ingress) notify(ctx context.Context, manager QueueManager, client AgentIdentity, session SessionID, msgs []Message) error {
	notified := make(map[uint64]bool, len(msgs))

	for _, msg := range msgs {
		if msg.RequestID == 0 {
			if err := manager.QueueNotification(ctx, session, msg.Priority, nil); err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			return nil
		}

		if msg.Type != MessageStatus {
			if notified[msg.RequestID] {
				continue
			}
			if err := manager.QueueNotification(ctx, session, msg.Priority, nil); err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			notified[msg.RequestID] = true
			continue
		}

		if err := manager.DeQueueClientRequest(ctx, client, msg.TaskID); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}

		if !notified[msg.RequestID] {
			requestID := msg.RequestID
			if err := manager.QueueNotification(ctx, session, msg.Priority, &requestID); err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
			notified[msg.RequestID] = true
		}

		status := decodeStatus(msg.Payload)
		if status.Code == StatusClientKilled {
			if err := in.events.Publish(ctx, clientCrashEvent, msg); err != nil {
				return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			}
		}
	}
	return nil
}

// groupBySession partitions messages by session_id, preserving the
// relative order of messages within each group.
func groupBySession(messages []Message) map[SessionID][]Message {
	groups := make(map[SessionID][]Message)
	for _, msg := range messages {
		groups[msg.SessionID] = append(groups[msg.SessionID], msg)
	}
	return groups
}

// decodeStatus extracts a Status from a STATUS message's payload. The
// wire encoding of Status is owned by the cipher/codec layer in
// production; this frontend only needs the completion code, which is
// encoded as a single leading byte.
func decodeStatus(payload []byte) Status {
	if len(payload) == 0 {
		return Status{Code: StatusGenericError}
	}
	return Status{Code: StatusCode(payload[0])}
}
