package canvas

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/betomoedano/sketch-app/internal/models"
)

// transmitLoop is the single ordered sender of queued mutations.
func (e *Engine) transmitLoop() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.kick:
		}
		for e.flushOnce() {
		}
	}
}

// flushOnce sends one batch and settles it. It reports whether there may
// be more work.
func (e *Engine) flushOnce() bool {
	e.mu.Lock()
	batch := e.store.Queue().takeBatch(e.opts.BatchSize)
	muts := make([]models.Mutation, len(batch))
	for i, entry := range batch {
		muts[i] = entry.Mutation
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return false
	}

	results, err := e.send(batch, muts)

	var failures []Failure
	resend := false
	e.mu.Lock()
	switch {
	case err != nil && e.ctx.Err() != nil:
		// Shutting down: leave everything queued (and journaled) for next time.
		e.store.Queue().release(batch)
		e.mu.Unlock()
		return false

	case errors.Is(err, ErrOffline):
		// Paused until subscribeLoop reconnects and wakes us.
		e.store.Queue().release(batch)
		e.mu.Unlock()
		log.Printf("⏸️  Offline, holding %d mutation(s) until reconnect", e.Pending())
		return false

	case err != nil:
		for _, entry := range batch {
			if f, ok := e.abandon(entry, err); ok {
				failures = append(failures, f)
			}
		}

	default:
		failures, resend = e.settle(batch, results)
	}
	snap := e.store.Snapshot()
	e.mu.Unlock()

	for _, f := range failures {
		log.Printf("❌ %v", f)
		if e.opts.Notifier != nil {
			e.opts.Notifier.Notify(f)
		}
	}
	e.changed(snap)

	if !resend {
		e.unanswered.Reset()
		return true
	}
	return sleep(e.ctx, e.unanswered.NextBackOff())
}

// newBackOff returns the engine's exponential policy with no time limit.
func (e *Engine) newBackOff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = e.opts.InitialBackoff
	expo.MaxInterval = e.opts.MaxBackoff
	expo.MaxElapsedTime = 0 // bounded by MaxRetries instead
	expo.Reset()
	return expo
}

// send writes the batch, retrying transient errors with exponential backoff.
// ErrOffline is returned as is and does not count as an attempt.
func (e *Engine) send(batch []*Entry, muts []models.Mutation) ([]models.WriteResult, error) {
	var results []models.WriteResult

	policy := backoff.WithContext(backoff.WithMaxRetries(e.newBackOff(), e.opts.MaxRetries), e.ctx)

	operation := func() error {
		ctx, cancel := context.WithTimeout(e.ctx, e.opts.WriteTimeout)
		defer cancel()

		res, err := e.backing.Write(ctx, e.opts.CanvasID, muts)
		if errors.Is(err, ErrOffline) {
			return backoff.Permanent(err)
		}

		e.mu.Lock()
		e.store.Queue().noteAttempt(batch)
		e.mu.Unlock()

		if err != nil {
			if errors.Is(err, ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		results = res
		return nil
	}

	notify := func(err error, next time.Duration) {
		e.mu.Lock()
		for _, entry := range batch {
			e.store.Queue().MarkFailed(entry.LocalSeq, err)
		}
		e.mu.Unlock()
		log.Printf("⚠️  Write of %d mutation(s) failed, retrying in %v: %v", len(batch), next, err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if errors.Is(err, ErrRejected) || errors.Is(err, ErrOffline) || e.ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
	}
	return results, nil
}

// settle applies per-mutation results and reports whether any entry went
// unanswered and is due for another send. Must be called with e.mu held.
func (e *Engine) settle(batch []*Entry, results []models.WriteResult) ([]Failure, bool) {
	bySeq := make(map[uint64]models.WriteResult, len(results))
	byID := make(map[string]models.WriteResult, len(results))
	for _, r := range results {
		if r.LocalSeq != 0 {
			bySeq[r.LocalSeq] = r
		}
		if r.MutationID != "" {
			byID[r.MutationID] = r
		}
	}

	var failures []Failure
	var unanswered []*Entry
	for _, entry := range batch {
		res, ok := bySeq[entry.LocalSeq]
		if !ok {
			res, ok = byID[entry.Mutation.ID]
		}
		if !ok {
			if uint64(entry.Attempts) > e.opts.MaxRetries {
				err := fmt.Errorf("%w: no result from backing store", ErrRetriesExhausted)
				if f, ok := e.abandon(entry, err); ok {
					failures = append(failures, f)
				}
				continue
			}
			unanswered = append(unanswered, entry)
			continue
		}
		res.LocalSeq = entry.LocalSeq

		if res.Accepted() {
			e.store.Acknowledge(res)
			e.forget(entry.Mutation)
			continue
		}
		if f, ok := e.abandon(entry, rejection(res.Reason)); ok {
			failures = append(failures, f)
		}
	}

	if len(unanswered) == 0 {
		return failures, false
	}
	log.Printf("⚠️  %d mutation(s) got no result, will resend", len(unanswered))
	e.store.Queue().release(unanswered)
	return failures, true
}

// abandon must be called with e.mu held.
func (e *Engine) abandon(entry *Entry, err error) (Failure, bool) {
	attempts := entry.Attempts
	removed, ok := e.store.Abandon(entry.LocalSeq, err)
	if !ok {
		return Failure{}, false
	}
	e.forget(removed.Mutation)
	return Failure{Mutation: removed.Mutation, Attempts: attempts, Err: err}, true
}

// subscribeLoop follows the backing store's change stream, resubscribing
// with backoff and running a full reconciliation after every (re)connect.
func (e *Engine) subscribeLoop() {
	defer e.wg.Done()

	expo := e.newBackOff()

	for {
		if e.ctx.Err() != nil {
			return
		}

		events, err := e.backing.Subscribe(e.ctx, e.opts.CanvasID)
		if err != nil {
			wait := expo.NextBackOff()
			log.Printf("⚠️  Subscribe failed, retrying in %v: %v", wait, err)
			if !sleep(e.ctx, wait) {
				return
			}
			continue
		}
		expo.Reset()

		if err := e.Resync(e.ctx); err != nil {
			log.Printf("⚠️  Full reconciliation failed: %v", err)
		}
		e.wake()

		if !e.consume(events) {
			return
		}
		log.Printf("⚠️  Change stream for canvas %s closed, resubscribing", e.opts.CanvasID)
	}
}

// consume drains events until the stream closes (true) or the engine stops (false).
func (e *Engine) consume(events <-chan models.ChangeEvent) bool {
	for {
		select {
		case <-e.ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return true
			}
			e.ingest(ev)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
