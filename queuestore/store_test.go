package queuestore

import (
	"context"
	"path/filepath"
	"testing"

	"encore.app/frontend"
)

func testFactory(t *testing.T) *Factory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	f, err := Open(path)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestScheduleThenQueryAndOwnLeasesTask(t *testing.T) {
	f := testFactory(t)
	ctx := context.Background()

	m, err := f.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	task := frontend.Task{TaskID: 1, TaskTTL: 10, SessionID: frontend.SessionID{Base: "C.1"}}
	if err := m.Schedule(ctx, []frontend.Task{task}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := m.Close(nil); err != nil {
		t.Fatalf("Close: %v", err)
	}

	m, err = f.Open(ctx)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer m.Close(nil)

	owned, err := m.QueryAndOwn(ctx, "C.1", 10, 120)
	if err != nil {
		t.Fatalf("QueryAndOwn: %v", err)
	}
	if len(owned) != 1 || owned[0].TaskID != 1 {
		t.Fatalf("expected to own task 1, got %v", owned)
	}
	if owned[0].TaskTTL != 9 {
		t.Fatalf("expected TaskTTL to be decremented to 9, got %d", owned[0].TaskTTL)
	}
}

func TestQueryAndOwnSkipsUnexpiredLease(t *testing.T) {
	f := testFactory(t)
	ctx := context.Background()

	m, _ := f.Open(ctx)
	task := frontend.Task{TaskID: 1, TaskTTL: 10, SessionID: frontend.SessionID{Base: "C.1"}}
	if err := m.Schedule(ctx, []frontend.Task{task}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := m.Close(nil); err != nil {
		t.Fatal(err)
	}

	// First lease picks up the task and extends its lease well into the future.
	m, _ = f.Open(ctx)
	owned, err := m.QueryAndOwn(ctx, "C.1", 10, 3600)
	if err != nil {
		t.Fatalf("QueryAndOwn: %v", err)
	}
	if len(owned) != 1 {
		t.Fatalf("expected to own the task on first lease, got %v", owned)
	}
	if err := m.Close(nil); err != nil {
		t.Fatal(err)
	}

	// A second lease attempt before the first one expires must see nothing.
	m, _ = f.Open(ctx)
	defer m.Close(nil)
	owned, err = m.QueryAndOwn(ctx, "C.1", 10, 3600)
	if err != nil {
		t.Fatalf("QueryAndOwn: %v", err)
	}
	if len(owned) != 0 {
		t.Fatalf("expected no tasks while the existing lease is still live, got %v", owned)
	}
}

func TestCloseRollsBackOnError(t *testing.T) {
	f := testFactory(t)
	ctx := context.Background()

	m, _ := f.Open(ctx)
	task := frontend.Task{TaskID: 1, TaskTTL: 10, SessionID: frontend.SessionID{Base: "C.1"}}
	if err := m.Schedule(ctx, []frontend.Task{task}); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// Simulate the caller aborting after a downstream failure.
	if err := m.Close(context.Canceled); err != nil {
		t.Fatalf("Close with error should roll back cleanly, got %v", err)
	}

	m, _ = f.Open(ctx)
	defer m.Close(nil)
	owned, err := m.QueryAndOwn(ctx, "C.1", 10, 120)
	if err != nil {
		t.Fatalf("QueryAndOwn: %v", err)
	}
	if len(owned) != 0 {
		t.Fatalf("expected the rolled-back schedule to be invisible, got %v", owned)
	}
}

func TestDeQueueClientRequestMarksCompleted(t *testing.T) {
	f := testFactory(t)
	ctx := context.Background()

	m, _ := f.Open(ctx)
	task := frontend.Task{TaskID: 7, TaskTTL: 10, SessionID: frontend.SessionID{Base: "C.1"}}
	if err := m.Schedule(ctx, []frontend.Task{task}); err != nil {
		t.Fatal(err)
	}
	if err := m.DeQueueClientRequest(ctx, "C.1", 7); err != nil {
		t.Fatalf("DeQueueClientRequest: %v", err)
	}
	if err := m.Close(nil); err != nil {
		t.Fatal(err)
	}

	m, _ = f.Open(ctx)
	defer m.Close(nil)

	statuses, err := m.MultiCheckStatus(ctx, []frontend.Task{task})
	if err != nil {
		t.Fatalf("MultiCheckStatus: %v", err)
	}
	if !statuses[7] {
		t.Fatalf("expected task 7 to be recorded complete")
	}

	owned, err := m.QueryAndOwn(ctx, "C.1", 10, 120)
	if err != nil {
		t.Fatalf("QueryAndOwn: %v", err)
	}
	if len(owned) != 0 {
		t.Fatalf("expected the dequeued task to no longer be leasable, got %v", owned)
	}
}

func TestQueueResponseAndNotificationPersist(t *testing.T) {
	f := testFactory(t)
	ctx := context.Background()

	m, _ := f.Open(ctx)
	defer m.Close(nil)

	session := frontend.SessionID{Base: "C.1", FlowName: "W"}
	msg := frontend.Message{SessionID: session, RequestID: 1, TaskID: 1, Type: frontend.MessageData}
	if err := m.QueueResponse(ctx, session, msg); err != nil {
		t.Fatalf("QueueResponse: %v", err)
	}

	status := uint64(5)
	if err := m.QueueNotification(ctx, session, 1, &status); err != nil {
		t.Fatalf("QueueNotification: %v", err)
	}
}
