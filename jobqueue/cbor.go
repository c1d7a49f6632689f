// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package jobqueue

import (
	"log/slog"

	"github.com/weft-foundation/weft/lib/codec"
)

// NewCBORManager returns a Manager that persists payloads as
// canonical CBOR. This is the production configuration; the function
// pair on NewManager exists for tests that want to inject encoding
// failures.
func NewCBORManager[T any](store Store, logger *slog.Logger) *Manager[T] {
	return NewManager[T](
		store,
		func(v T) ([]byte, error) { return codec.Marshal(v) },
		func(data []byte, v *T) error { return codec.Unmarshal(data, v) },
		logger,
	)
}
