package frontend

import (
	"context"
	"fmt"
)

// Egress leases pending tasks for an agent, reconciling re-leased tasks
// against their completion status before including them in the final
// batch.
type Egress struct {
	queues       QueueManagerFactory
	metrics      Metrics
	leaseSeconds int

	// freshThreshold is the TTL a task carries back from QueryAndOwn on its
	// very first lease. The queue decrements TTL once per lease including
	// the first, so a freshly-scheduled task (TTL == initialTaskTTL before
	// ever being leased) comes back at initialTaskTTL-1; anything strictly
	// lower has survived at least one earlier lease attempt.
	freshThreshold int
}

// NewEgress constructs an Egress. leaseSeconds is message_expiry_time;
// initialTaskTTL is the TTL a freshly-scheduled task starts with, before
// its first lease (used to distinguish fresh leases from re-leased ones).
func NewEgress(queues QueueManagerFactory, metrics Metrics, leaseSeconds, initialTaskTTL int) *Egress {
	return &Egress{queues: queues, metrics: metrics, leaseSeconds: leaseSeconds, freshThreshold: initialTaskTTL - 1}
}

// DrainTasksForClient leases up to maxCount pending tasks for source,
// drops re-leased tasks that already have a recorded completion status
// (dequeuing them instead of resending), and returns the rest.
func (e *Egress) DrainTasksForClient(ctx context.Context, source AgentIdentity, maxCount int) ([]Task, error) {
	if maxCount <= 0 {
		return nil, nil
	}

	manager, err := e.queues.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var closeErr error
	defer func() {
		if cerr := manager.Close(closeErr); cerr != nil && closeErr == nil {
			closeErr = cerr
		}
	}()

	leased, err := manager.QueryAndOwn(ctx, source, maxCount, e.leaseSeconds)
	if err != nil {
		closeErr = err
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}

	var fresh, reLeased []Task
	for _, task := range leased {
		if task.TaskTTL >= e.freshThreshold {
			fresh = append(fresh, task)
		} else {
			reLeased = append(reLeased, task)
		}
	}

	result := fresh
	if len(reLeased) > 0 {
		statusFound, serr := manager.MultiCheckStatus(ctx, reLeased)
		if serr != nil {
			closeErr = serr
			return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, serr)
		}

		for _, task := range reLeased {
			if statusFound[task.TaskID] {
				if derr := manager.DeQueueClientRequest(ctx, source, task.TaskID); derr != nil {
					closeErr = derr
					return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, derr)
				}
				continue
			}
			result = append(result, task)
		}
	}

	e.metrics.IncrCounter("messages_sent", int64(len(result)))

	return result, nil
}

// Reschedule returns drained tasks to their outbound queues. Called by
// the orchestrator when EncodeParcel fails after tasks were already
// drained, so the tasks are never lost.
func (e *Egress) Reschedule(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	manager, err := e.queues.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	scheduleErr := manager.Schedule(ctx, tasks)
	if cerr := manager.Close(scheduleErr); cerr != nil && scheduleErr == nil {
		scheduleErr = cerr
	}
	if scheduleErr != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, scheduleErr)
	}
	return nil
}
