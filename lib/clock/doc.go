// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock parameter instead of calling
// time.Now, time.After, time.NewTicker, or time.Sleep directly. In
// production, Real() provides standard library behavior. In tests,
// Fake() provides a deterministic clock that advances only when
// Advance is called, so retry backoff, cache TTLs, and ping intervals
// can be tested without real sleeps.
//
// The dispatcher's backoff schedule, the resolver's cache expiry, and
// the node's ping loop all take a Clock at construction.
package clock
