// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/weft-foundation/weft/lib/codec"
)

// Encode serializes the envelope to canonical CBOR. It fails with an
// error wrapping ErrSerialization when a required field is absent:
// sender, recipient, scheduled time, the encryption tag, and exactly
// one body variant.
func Encode(e *Envelope) ([]byte, error) {
	if err := validate(e); err != nil {
		return nil, err
	}
	data, err := codec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return data, nil
}

// Decode parses canonical CBOR into an envelope. It fails with an
// error wrapping ErrMalformed when the bytes do not parse to the
// envelope schema or a required field is absent. Decode does not
// verify the signature; callers must Verify before trusting any
// field.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := codec.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := validate(&e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

func validate(e *Envelope) error {
	if e.External.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrSerialization)
	}
	if e.External.Recipient == "" {
		return fmt.Errorf("%w: missing recipient", ErrSerialization)
	}
	if e.External.ScheduledTime == "" {
		return fmt.Errorf("%w: missing scheduled time", ErrSerialization)
	}
	if e.Encryption == "" {
		return fmt.Errorf("%w: missing encryption tag", ErrSerialization)
	}
	if (e.Body.Encrypted == nil) == (e.Body.Plain == nil) {
		return fmt.Errorf("%w: body must have exactly one variant", ErrSerialization)
	}
	if e.Body.Plain != nil {
		md := e.Body.Plain.MessageData
		if (md.Encrypted == nil) == (md.Plain == nil) {
			return fmt.Errorf("%w: message data must have exactly one variant", ErrSerialization)
		}
	}
	return nil
}

// Hash returns the hex BLAKE3 hash of the envelope's canonical
// bytes. Receivers use it together with the idempotency token to
// deduplicate retried deliveries.
func (e *Envelope) Hash() (string, error) {
	data, err := Encode(e)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
