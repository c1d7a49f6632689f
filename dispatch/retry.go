// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"context"
	"fmt"

	"github.com/weft-foundation/weft/lib/identity"
)

// RunRetryWorker drains the durable retry queue in the background,
// attempting one delivery per parked message each scan. It never
// blocks the callers that queued the messages. Returns when ctx is
// cancelled; returns immediately when no retry queue is configured.
func (d *Dispatcher) RunRetryWorker(ctx context.Context) error {
	if d.retry == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.clock.After(d.retryInterval):
		}
		d.flushPending(ctx)
	}
}

// flushPending walks every non-empty retry queue and delivers entries
// in order until one fails, leaving the rest for the next scan.
func (d *Dispatcher) flushPending(ctx context.Context) {
	queues, err := d.retry.Queues(ctx)
	if err != nil {
		d.logger.Warn("listing retry queues failed", "error", err)
		return
	}

	for _, queue := range queues {
		for {
			if ctx.Err() != nil {
				return
			}
			// TryPop never blocks: CancelRetries may drain this queue
			// concurrently, and a blocking Pop on a queue it emptied
			// would park the worker until the next send.
			pending, ok, err := d.retry.TryPop(ctx, queue)
			if err != nil {
				d.logger.Warn("popping retry entry failed", "queue", queue, "error", err)
				break
			}
			if !ok {
				break
			}

			dest, err := identity.Parse(pending.Destination)
			if err != nil {
				// Keeping an undeliverable entry would wedge the
				// whole queue. Drop it.
				d.logger.Error("dropping retry entry with malformed destination",
					"queue", queue, "destination", pending.Destination)
				if err := d.retry.Release(ctx, queue); err != nil {
					d.logger.Warn("releasing malformed retry entry failed",
						"queue", queue, "error", err)
					break
				}
				continue
			}

			if err := d.deliverPending(ctx, dest, pending.Payload); err != nil {
				// Still unreachable. Put the entry back and move on;
				// later entries for this destination must not jump
				// ahead of it.
				d.retry.Abandon(queue)
				d.logger.Info("retry delivery failed, will retry later",
					"queue", queue, "error", err)
				break
			}
			if err := d.retry.Release(ctx, queue); err != nil {
				d.logger.Warn("releasing retry entry failed", "queue", queue, "error", err)
				break
			}
			d.logger.Info("retry delivery succeeded", "queue", queue)
		}
	}
}

// deliverPending makes a single full-route attempt for a parked
// message.
func (d *Dispatcher) deliverPending(ctx context.Context, dest identity.Identity, payload []byte) error {
	resolved, err := d.resolver.Resolve(ctx, dest)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", dest, err)
	}
	return d.attempt(ctx, dest, resolved, payload)
}

// CancelRetries discards every parked message for a destination. This
// is the only way to stop background retries once a send has been
// queued durably; caller-side cancellation never reaches them.
func (d *Dispatcher) CancelRetries(ctx context.Context, dest identity.Identity) error {
	if d.retry == nil {
		return nil
	}
	queue := retryQueue(dest)
	for {
		// Non-blocking: an entry the retry worker holds checked out at
		// this instant is either about to be delivered or abandoned
		// back for the next cancel.
		_, ok, err := d.retry.TryPop(ctx, queue)
		if err != nil {
			return fmt.Errorf("dispatch: discarding retry entry for %s: %w", dest, err)
		}
		if !ok {
			return nil
		}
		if err := d.retry.Release(ctx, queue); err != nil {
			return fmt.Errorf("dispatch: discarding retry entry for %s: %w", dest, err)
		}
	}
}
