// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package envelope implements the Weft wire message: a signed,
// optionally two-layer-encrypted unit exchanged between nodes.
//
// An envelope has an outer layer and an inner layer. The outer layer
// carries routing metadata (sender and recipient node identities, a
// scheduled timestamp, the outer signature) and a body that is either
// ciphertext or a plain payload. The plain payload in turn carries
// internal metadata (sub-identities, the inbox the message belongs
// to, an inner signature) and message data that is itself either
// ciphertext or a schema-tagged content string. The two layers let a
// relay verify and route an envelope without being able to read the
// conversation content.
//
// The package is a pure transform layer: encode, decode, sign,
// verify, encrypt, and decrypt perform no network or disk I/O.
// Serialization is canonical deterministic CBOR via lib/codec, so
// signatures computed over the serialized form are stable.
//
// Signing happens after body encryption. The outer signature covers
// the ciphertext, so a relay or recipient detects ciphertext
// substitution before attempting decryption.
package envelope

import (
	"errors"
	"fmt"

	"github.com/weft-foundation/weft/lib/codec"
)

// EncryptionMethod tags which scheme encrypted a layer, or None.
type EncryptionMethod string

const (
	// EncryptionNone marks an unencrypted layer.
	EncryptionNone EncryptionMethod = "None"

	// EncryptionDHChaChaPoly marks a layer encrypted with
	// ChaCha20-Poly1305 under a key derived by X25519 key agreement
	// between the sender's encryption secret key and the recipient's
	// encryption public key.
	EncryptionDHChaChaPoly EncryptionMethod = "DiffieHellmanChaChaPoly1305"
)

// SchemaType tags the shape of a plain message's raw content.
type SchemaType string

const (
	// SchemaTextContent is free-form text. Acks, pings, and pongs
	// use it with fixed raw content strings.
	SchemaTextContent SchemaType = "TextContent"

	// SchemaJobCreation carries a JSON JobCreation payload and opens
	// a new job inbox.
	SchemaJobCreation SchemaType = "JobCreationSchema"

	// SchemaJobMessage carries a JSON JobMessage payload addressed
	// to an existing job.
	SchemaJobMessage SchemaType = "JobMessageSchema"

	// SchemaRegistrationCodeRequest asks a node to mint a
	// registration code for a new device or profile.
	SchemaRegistrationCodeRequest SchemaType = "CreateRegistrationCode"

	// SchemaRegistrationCodeUse redeems a registration code,
	// submitting the registrant's public keys.
	SchemaRegistrationCodeUse SchemaType = "UseRegistrationCode"

	// SchemaError carries a human-readable failure description.
	SchemaError SchemaType = "ErrorSchema"

	// SchemaEmpty marks a message with no content.
	SchemaEmpty SchemaType = "Empty"
)

// Acknowledgment raw content values carried under SchemaTextContent.
const (
	ContentAck  = "ACK"
	ContentPing = "Ping"
	ContentPong = "Pong"
)

// ErrSerialization reports an envelope that cannot be encoded, most
// commonly because a required field is absent.
var ErrSerialization = errors.New("envelope: serialization failed")

// ErrMalformed reports bytes that do not parse as an envelope.
var ErrMalformed = errors.New("envelope: malformed")

// ErrDecryptionFailed reports a layer that could not be decrypted.
// Wrong key and tampered ciphertext are deliberately
// indistinguishable.
var ErrDecryptionFailed = errors.New("envelope: decryption failed")

// Envelope is the top-level wire message.
type Envelope struct {
	Body       Body             `cbor:"body"`
	External   ExternalMetadata `cbor:"external_metadata"`
	Encryption EncryptionMethod `cbor:"encryption"`
}

// ExternalMetadata is the routing metadata visible to every hop.
type ExternalMetadata struct {
	// Sender and Recipient are full identity strings, kept as
	// strings on the wire so a malformed remote identity surfaces as
	// a parse error at the consumer rather than a decode error here.
	Sender    string `cbor:"sender"`
	Recipient string `cbor:"recipient"`

	// ScheduledTime is an RFC 3339 UTC timestamp with nanosecond
	// precision, assigned by the sender. Receivers use it for
	// ordering and replay-window checks.
	ScheduledTime string `cbor:"scheduled_time"`

	// Signature is the hex Ed25519 signature over the envelope's
	// canonical bytes with this field empty. Attached by Sign.
	Signature string `cbor:"signature"`

	// Other is free-form. Weft stores the idempotency token here so
	// receivers can deduplicate retried deliveries.
	Other string `cbor:"other"`
}

// Body is a sum type: exactly one of Encrypted or Plain is set.
// On the wire it is a single-key map, "encrypted" or "unencrypted".
type Body struct {
	Encrypted *EncryptedBody
	Plain     *PlainBody
}

// EncryptedBody holds outer-layer ciphertext in string form.
type EncryptedBody struct {
	Content string `cbor:"content"`
}

// PlainBody is a decrypted (or never-encrypted) outer body.
type PlainBody struct {
	MessageData MessageData      `cbor:"message_data"`
	Internal    InternalMetadata `cbor:"internal_metadata"`
}

// MessageData is the inner sum type: exactly one of Encrypted or
// Plain is set. Same single-key map wire form as Body.
type MessageData struct {
	Encrypted *EncryptedData
	Plain     *Data
}

// EncryptedData holds inner-layer ciphertext in string form.
type EncryptedData struct {
	Content string `cbor:"content"`
}

// Data is the decrypted message content.
type Data struct {
	RawContent    string     `cbor:"message_raw_content"`
	ContentSchema SchemaType `cbor:"message_content_schema"`
}

// InternalMetadata is conversation metadata visible only after the
// outer layer is decrypted.
type InternalMetadata struct {
	SenderSubidentity    string `cbor:"sender_subidentity"`
	RecipientSubidentity string `cbor:"recipient_subidentity"`

	// Inbox is the conversation the message belongs to. Job-bearing
	// messages use it as the queue name.
	Inbox string `cbor:"inbox"`

	// Signature is the hex Ed25519 signature over the message data's
	// canonical bytes. It survives outer re-encryption by relays.
	Signature string `cbor:"signature"`

	// Encryption tags the inner MessageData layer.
	Encryption EncryptionMethod `cbor:"encryption"`
}

// Wire keys for the Body and MessageData sum types.
const (
	bodyKeyEncrypted = "encrypted"
	bodyKeyPlain     = "unencrypted"
)

// MarshalCBOR encodes the body as a single-key tagged map.
func (b Body) MarshalCBOR() ([]byte, error) {
	switch {
	case b.Encrypted != nil && b.Plain == nil:
		return codec.Marshal(map[string]*EncryptedBody{bodyKeyEncrypted: b.Encrypted})
	case b.Plain != nil && b.Encrypted == nil:
		return codec.Marshal(map[string]*PlainBody{bodyKeyPlain: b.Plain})
	default:
		return nil, fmt.Errorf("%w: body must have exactly one variant", ErrSerialization)
	}
}

// UnmarshalCBOR decodes the single-key tagged map form.
func (b *Body) UnmarshalCBOR(data []byte) error {
	var tagged map[string]codec.RawMessage
	if err := codec.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("%w: body: %v", ErrMalformed, err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: body has %d variants, want 1", ErrMalformed, len(tagged))
	}
	for key, raw := range tagged {
		switch key {
		case bodyKeyEncrypted:
			var enc EncryptedBody
			if err := codec.Unmarshal(raw, &enc); err != nil {
				return fmt.Errorf("%w: encrypted body: %v", ErrMalformed, err)
			}
			*b = Body{Encrypted: &enc}
		case bodyKeyPlain:
			var plain PlainBody
			if err := codec.Unmarshal(raw, &plain); err != nil {
				return fmt.Errorf("%w: unencrypted body: %v", ErrMalformed, err)
			}
			*b = Body{Plain: &plain}
		default:
			return fmt.Errorf("%w: unknown body variant %q", ErrMalformed, key)
		}
	}
	return nil
}

// MarshalCBOR encodes the message data as a single-key tagged map.
func (m MessageData) MarshalCBOR() ([]byte, error) {
	switch {
	case m.Encrypted != nil && m.Plain == nil:
		return codec.Marshal(map[string]*EncryptedData{bodyKeyEncrypted: m.Encrypted})
	case m.Plain != nil && m.Encrypted == nil:
		return codec.Marshal(map[string]*Data{bodyKeyPlain: m.Plain})
	default:
		return nil, fmt.Errorf("%w: message data must have exactly one variant", ErrSerialization)
	}
}

// UnmarshalCBOR decodes the single-key tagged map form.
func (m *MessageData) UnmarshalCBOR(data []byte) error {
	var tagged map[string]codec.RawMessage
	if err := codec.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("%w: message data: %v", ErrMalformed, err)
	}
	if len(tagged) != 1 {
		return fmt.Errorf("%w: message data has %d variants, want 1", ErrMalformed, len(tagged))
	}
	for key, raw := range tagged {
		switch key {
		case bodyKeyEncrypted:
			var enc EncryptedData
			if err := codec.Unmarshal(raw, &enc); err != nil {
				return fmt.Errorf("%w: encrypted message data: %v", ErrMalformed, err)
			}
			*m = MessageData{Encrypted: &enc}
		case bodyKeyPlain:
			var plain Data
			if err := codec.Unmarshal(raw, &plain); err != nil {
				return fmt.Errorf("%w: unencrypted message data: %v", ErrMalformed, err)
			}
			*m = MessageData{Plain: &plain}
		default:
			return fmt.Errorf("%w: unknown message data variant %q", ErrMalformed, key)
		}
	}
	return nil
}

// Inbox returns the inbox name from the internal metadata, or ""
// when the outer body is still encrypted.
func (e *Envelope) Inbox() string {
	if e.Body.Plain == nil {
		return ""
	}
	return e.Body.Plain.Internal.Inbox
}

// IsBodyEncrypted reports whether the outer layer is ciphertext.
func (e *Envelope) IsBodyEncrypted() bool { return e.Body.Encrypted != nil }

// IsDataEncrypted reports whether the inner layer is ciphertext. It
// is false while the outer layer is still encrypted.
func (e *Envelope) IsDataEncrypted() bool {
	return e.Body.Plain != nil && e.Body.Plain.MessageData.Encrypted != nil
}
