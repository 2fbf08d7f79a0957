// Package queuestore is the embedded, bbolt-backed implementation of the
// frontend's QueueManager/QueueManagerFactory collaborators: per-agent
// outbound task leasing, response persistence, and notification and
// completion bookkeeping.
//
// A QueueManager handle wraps one writable bbolt transaction. Close
// commits on success and rolls back on error, giving ReceiveMessages and
// DrainTasksForClient the scoped, all-or-nothing write semantics the
// frontend package expects.
package queuestore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"encore.app/frontend"
)

var (
	bucketTasks         = []byte("tasks")
	bucketCompleted     = []byte("completed")
	bucketResponses     = []byte("responses")
	bucketNotifications = []byte("notifications")
)

// leasedTask is the on-disk record for a pending or leased task.
type leasedTask struct {
	Task        frontend.Task `json:"task"`
	Queue       string        `json:"queue"`
	LeaseExpiry time.Time     `json:"lease_expiry"`
}

// Factory opens scoped QueueManager handles over a single bbolt
// database.
type Factory struct {
	db *bolt.DB
}

// Open creates or opens a bbolt database at path and ensures its
// buckets exist.
func Open(path string) (*Factory, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("queuestore: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketCompleted, bucketResponses, bucketNotifications} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("queuestore: create buckets: %w", err)
	}

	return &Factory{db: db}, nil
}

// Close closes the underlying bbolt database.
func (f *Factory) Close() error {
	return f.db.Close()
}

func init() {
	frontend.RegisterQueueFactory(func(path string) (frontend.QueueManagerFactory, error) { return Open(path) })
}

// Open implements frontend.QueueManagerFactory.
func (f *Factory) Open(ctx context.Context) (frontend.QueueManager, error) {
	tx, err := f.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("queuestore: begin tx: %w", err)
	}
	return &manager{tx: tx}, nil
}

// manager is a single scoped, writable bbolt transaction. Every method
// below operates directly against it; nothing is visible to other
// transactions until Close commits.
type manager struct {
	tx *bolt.Tx
}

func taskKey(queue string, taskID uint64) []byte {
	var buf bytes.Buffer
	buf.WriteString(queue)
	buf.WriteByte(0)
	binary.Write(&buf, binary.BigEndian, taskID)
	return buf.Bytes()
}

func completedKey(taskID uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, taskID)
	return buf
}

// QueryAndOwn leases up to limit pending-or-lease-expired tasks for
// queue, decrementing each leased task's TTL and extending its lease by
// leaseSeconds.
func (m *manager) QueryAndOwn(ctx context.Context, queue frontend.AgentIdentity, limit int, leaseSeconds int) ([]frontend.Task, error) {
	b := m.tx.Bucket(bucketTasks)
	c := b.Cursor()
	prefix := append([]byte(string(queue)), 0)

	now := time.Now()

	// Scan first, write after: bbolt cursors must not have their bucket
	// mutated mid-iteration.
	type leaseCandidate struct {
		key []byte
		rec leasedTask
	}
	var candidates []leaseCandidate
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) && len(candidates) < limit; k, v = c.Next() {
		var rec leasedTask
		if err := json.Unmarshal(v, &rec); err != nil {
			continue
		}
		if rec.LeaseExpiry.After(now) {
			continue // already leased and not yet expired
		}
		candidates = append(candidates, leaseCandidate{key: append([]byte(nil), k...), rec: rec})
	}

	var owned []frontend.Task
	for _, cand := range candidates {
		cand.rec.Task.TaskTTL--
		cand.rec.LeaseExpiry = now.Add(time.Duration(leaseSeconds) * time.Second)

		data, err := json.Marshal(cand.rec)
		if err != nil {
			return nil, fmt.Errorf("queuestore: marshal task: %w", err)
		}
		if err := b.Put(cand.key, data); err != nil {
			return nil, fmt.Errorf("queuestore: lease task: %w", err)
		}

		owned = append(owned, cand.rec.Task)
	}

	return owned, nil
}

// MultiCheckStatus reports, for each task, whether a completion status
// has already been recorded for its task id (via DeQueueClientRequest).
func (m *manager) MultiCheckStatus(ctx context.Context, tasks []frontend.Task) (map[uint64]bool, error) {
	b := m.tx.Bucket(bucketCompleted)
	result := make(map[uint64]bool, len(tasks))
	for _, task := range tasks {
		v := b.Get(completedKey(task.TaskID))
		result[task.TaskID] = v != nil
	}
	return result, nil
}

// DeQueueClientRequest removes a task from agent's queue and records its
// completion so a concurrent re-lease of the same task id is dropped
// instead of resent.
func (m *manager) DeQueueClientRequest(ctx context.Context, agent frontend.AgentIdentity, taskID uint64) error {
	tasks := m.tx.Bucket(bucketTasks)
	if err := tasks.Delete(taskKey(string(agent), taskID)); err != nil {
		return fmt.Errorf("queuestore: dequeue task: %w", err)
	}

	completed := m.tx.Bucket(bucketCompleted)
	return completed.Put(completedKey(taskID), []byte{1})
}

// QueueResponse persists an agent's response message under its session.
func (m *manager) QueueResponse(ctx context.Context, session frontend.SessionID, msg frontend.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queuestore: marshal response: %w", err)
	}
	b := m.tx.Bucket(bucketResponses)
	key := []byte(fmt.Sprintf("%s\x00%020d\x00%020d", session.Base, msg.RequestID, msg.ResponseID))
	return b.Put(key, data)
}

// notification is the on-disk record of a wake-up signal for a session.
type notification struct {
	Session    frontend.SessionID `json:"session"`
	Priority   int                `json:"priority"`
	LastStatus *uint64            `json:"last_status,omitempty"`
	QueuedAt   time.Time          `json:"queued_at"`
}

// QueueNotification records a wake-up signal for session's listener.
func (m *manager) QueueNotification(ctx context.Context, session frontend.SessionID, priority int, lastStatus *uint64) error {
	note := notification{Session: session, Priority: priority, LastStatus: lastStatus, QueuedAt: time.Now()}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("queuestore: marshal notification: %w", err)
	}
	b := m.tx.Bucket(bucketNotifications)
	seq, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("queuestore: notification sequence: %w", err)
	}
	key := []byte(fmt.Sprintf("%s\x00%020d", session.Base, seq))
	return b.Put(key, data)
}

// Schedule enqueues tasks onto their destination agent's queue with a
// lease already expired, so the next QueryAndOwn for that agent picks
// them up immediately. The destination agent is the session's base
// identity, which embeds the agent id in the session path.
func (m *manager) Schedule(ctx context.Context, tasks []frontend.Task) error {
	b := m.tx.Bucket(bucketTasks)
	for _, task := range tasks {
		queue := task.SessionID.Base
		rec := leasedTask{Task: task, Queue: queue, LeaseExpiry: time.Time{}}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("queuestore: marshal scheduled task: %w", err)
		}
		if err := b.Put(taskKey(queue, task.TaskID), data); err != nil {
			return fmt.Errorf("queuestore: schedule task: %w", err)
		}
	}
	return nil
}

// Close commits the transaction on a nil err, otherwise rolls it back.
func (m *manager) Close(err error) error {
	if err != nil {
		return m.tx.Rollback()
	}
	return m.tx.Commit()
}
