package gateway

import (
	"context"

	"golang.org/x/sync/singleflight"
)

// Deduplicator coalesces identical in-flight calls: while a call for a
// fingerprint is running, callers with the same fingerprint wait for its
// result instead of issuing duplicate upstream work. Coalescing covers
// in-flight calls only; once a call completes its entry is gone, and
// completed-result reuse is the cache's job.
//
// Streamed requests never pass through here — a stream is consumed by its
// caller and cannot be shared.
type Deduplicator struct {
	group singleflight.Group
}

func NewDeduplicator() *Deduplicator {
	return &Deduplicator{}
}

// Do executes fn once per key among concurrent callers and hands every
// caller the same result. The reported leader flag is true for the caller
// whose fn actually ran.
//
// fn must not be bound to any single caller's context: when a waiting
// caller's ctx ends, only that caller gives up (receiving ctx.Err()); the
// in-flight call keeps running for the rest.
func (d *Deduplicator) Do(ctx context.Context, key string, fn func() (any, error)) (v any, leader bool, err error) {
	var led bool
	ch := d.group.DoChan(key, func() (any, error) {
		led = true
		return fn()
	})

	select {
	case res := <-ch:
		// The channel receive orders the leader's write to led before
		// this read.
		return res.Val, led, res.Err
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}
