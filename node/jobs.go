// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package node

import (
	"context"
	"time"

	"github.com/weft-foundation/weft/envelope"
	"github.com/weft-foundation/weft/lib/identity"
)

// JobState enumerates a job's processing state.
type JobState string

const (
	StateIdle       JobState = "idle"
	StateQueued     JobState = "queued"
	StateProcessing JobState = "processing"
	StateFailed     JobState = "failed"
)

// JobStatus is a job's current state plus, for failures, the reason.
// Failure reasons stick until the next successful processing pass so
// operators can inspect what went wrong.
type JobStatus struct {
	State  JobState
	Reason string
}

// JobStatus reports the status of the conversation queue named by
// queue (an inbox name). ok is false for a queue this node has never
// seen.
func (n *Node) JobStatus(queue string) (JobStatus, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	status, ok := n.jobs[queue]
	return status, ok
}

func (n *Node) markQueued(queue string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if status, ok := n.jobs[queue]; ok && status.State == StateProcessing {
		return
	}
	n.jobs[queue] = JobStatus{State: StateQueued}
}

func (n *Node) setStatus(queue string, status JobStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs[queue] = status
}

// ensureWorker starts the consumer goroutine for a queue if none is
// running. One worker per queue name is the node-side half of the
// queue manager's one-checkout guarantee.
func (n *Node) ensureWorker(queue string) {
	n.mu.Lock()
	if n.workers[queue] {
		n.mu.Unlock()
		return
	}
	n.workers[queue] = true
	ctx := n.runCtx
	n.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	go n.worker(ctx, queue)
}

// worker consumes one queue until its context is cancelled. Processing
// failures mark the job Failed and move on to the next entry; they
// never stall the queue or leak into other jobs.
func (n *Node) worker(ctx context.Context, queue string) {
	defer func() {
		n.mu.Lock()
		delete(n.workers, queue)
		n.mu.Unlock()
	}()

	jobID := jobIDFor(queue)
	for {
		msg, err := n.queue.Pop(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			n.logger.Error("popping queue entry failed", "queue", queue, "error", err)
			continue
		}

		env, err := envelope.Decode(msg.Envelope)
		if err != nil {
			n.logger.Error("dropping corrupt queue entry", "queue", queue, "error", err)
			n.finishEntry(ctx, queue)
			continue
		}

		n.setStatus(queue, JobStatus{State: StateProcessing})
		if err := n.processor.Process(ctx, jobID, env); err != nil {
			n.setStatus(queue, JobStatus{State: StateFailed, Reason: err.Error()})
			n.logger.Error("job processing failed", "queue", queue, "job", jobID, "error", err)
		} else {
			n.settleStatus(ctx, queue)
		}

		n.finishEntry(ctx, queue)
	}
}

// Release retry policy for finishEntry. A store hiccup on Release is
// almost always transient (sqlite busy, fsync stall); a few spaced
// attempts clear it.
const (
	releaseAttempts   = 3
	releaseRetryDelay = 100 * time.Millisecond
)

// finishEntry ends the worker's checkout after a processed entry. A
// failed Release keeps the checkout held, which would leave the next
// Pop blocked on it forever, so the worker retries briefly and then
// abandons the checkout. Abandon redelivers the entry; senders already
// tolerate redelivery, it is how at-least-once transport behaves.
func (n *Node) finishEntry(ctx context.Context, queue string) {
	for attempt := 1; ; attempt++ {
		err := n.queue.Release(ctx, queue)
		if err == nil {
			return
		}
		n.logger.Error("releasing queue entry failed",
			"queue", queue, "attempt", attempt, "error", err)
		if attempt >= releaseAttempts || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-n.clock.After(releaseRetryDelay):
		}
	}
	n.queue.Abandon(queue)
}

// settleStatus moves a queue to Queued or Idle depending on backlog.
func (n *Node) settleStatus(ctx context.Context, queue string) {
	length, err := n.queue.Len(ctx, queue)
	if err != nil {
		n.logger.Warn("inspecting queue length failed", "queue", queue, "error", err)
		length = 0
	}
	// One entry is the one still checked out by this worker.
	if length > 1 {
		n.setStatus(queue, JobStatus{State: StateQueued})
	} else {
		n.setStatus(queue, JobStatus{State: StateIdle})
	}
}

// jobIDFor extracts the job id from a job inbox queue name; other
// conversations are identified by the inbox name itself.
func jobIDFor(queue string) string {
	inbox, err := identity.ParseInbox(queue)
	if err == nil && inbox.Kind == identity.InboxJob {
		return inbox.JobID
	}
	return queue
}
