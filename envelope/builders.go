// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/weft-foundation/weft/lib/identity"
)

// JobScope lists the resources a job may consult. Carried as JSON in
// the raw content of a job-creation message.
type JobScope struct {
	Resources []string `json:"resources,omitempty"`
	Buckets   []string `json:"buckets,omitempty"`
}

// JobCreation is the payload of a SchemaJobCreation message.
type JobCreation struct {
	Scope JobScope `json:"scope"`
}

// JobMessage is the payload of a SchemaJobMessage message.
type JobMessage struct {
	JobID   string `json:"job_id"`
	Content string `json:"content"`
}

// RegistrationCodeRequest asks the recipient node to mint a
// registration code.
type RegistrationCodeRequest struct {
	// PermissionKind is the capability level the code grants, e.g.
	// "device" or "profile".
	PermissionKind string `json:"permission_kind"`
}

// RegistrationCodeUse redeems a registration code with the
// registrant's public keys.
type RegistrationCodeUse struct {
	Code                string `json:"code"`
	RegistrantName      string `json:"registrant_name"`
	EncryptionPublicKey string `json:"encryption_pk"`
	SigningPublicKey    string `json:"signature_pk"`
}

// newPlain assembles an unsigned, unencrypted envelope. Every builder
// funnels through it so all message kinds share one sign/encrypt
// pipeline. A fresh UUID idempotency token goes into Other.
func newPlain(sender, recipient identity.Identity, inbox, rawContent string, schema SchemaType, at time.Time) *Envelope {
	return &Envelope{
		Body: Body{Plain: &PlainBody{
			MessageData: MessageData{Plain: &Data{
				RawContent:    rawContent,
				ContentSchema: schema,
			}},
			Internal: InternalMetadata{
				SenderSubidentity:    sender.Subidentity(),
				RecipientSubidentity: recipient.Subidentity(),
				Inbox:                inbox,
				Encryption:           EncryptionNone,
			},
		}},
		External: ExternalMetadata{
			Sender:        sender.NodeIdentity().String(),
			Recipient:     recipient.NodeIdentity().String(),
			ScheduledTime: at.UTC().Format(time.RFC3339Nano),
			Other:         uuid.NewString(),
		},
		Encryption: EncryptionNone,
	}
}

// NewAck acknowledges receipt of a message.
func NewAck(sender, recipient identity.Identity, at time.Time) *Envelope {
	return newPlain(sender, recipient, "", ContentAck, SchemaTextContent, at)
}

// NewPing probes a peer's liveness. The peer answers with NewPong.
func NewPing(sender, recipient identity.Identity, at time.Time) *Envelope {
	return newPlain(sender, recipient, "", ContentPing, SchemaTextContent, at)
}

// NewPong answers a ping.
func NewPong(sender, recipient identity.Identity, at time.Time) *Envelope {
	return newPlain(sender, recipient, "", ContentPong, SchemaTextContent, at)
}

// NewError reports a failure back to a peer.
func NewError(sender, recipient identity.Identity, message string, at time.Time) *Envelope {
	return newPlain(sender, recipient, "", message, SchemaError, at)
}

// NewJobCreation opens a job. The job id is derived from the sender,
// the timestamp, and the scope content so retried creations derive
// the same id, and the envelope is addressed to the job's inbox.
func NewJobCreation(sender, recipient identity.Identity, scope JobScope, at time.Time) (*Envelope, string, error) {
	raw, err := json.Marshal(JobCreation{Scope: scope})
	if err != nil {
		return nil, "", fmt.Errorf("%w: job creation payload: %v", ErrSerialization, err)
	}
	jobID := identity.DeriveJobID(sender, at, raw)
	inbox, err := identity.JobInbox(jobID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	env := newPlain(sender, recipient, inbox.String(), string(raw), SchemaJobCreation, at)
	return env, jobID, nil
}

// NewJobMessage addresses content to an existing job's inbox.
func NewJobMessage(sender, recipient identity.Identity, jobID, content string, at time.Time) (*Envelope, error) {
	raw, err := json.Marshal(JobMessage{JobID: jobID, Content: content})
	if err != nil {
		return nil, fmt.Errorf("%w: job message payload: %v", ErrSerialization, err)
	}
	inbox, err := identity.JobInbox(jobID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return newPlain(sender, recipient, inbox.String(), string(raw), SchemaJobMessage, at), nil
}

// NewRegistrationCodeRequest asks recipient to mint a registration
// code granting permissionKind.
func NewRegistrationCodeRequest(sender, recipient identity.Identity, permissionKind string, at time.Time) (*Envelope, error) {
	raw, err := json.Marshal(RegistrationCodeRequest{PermissionKind: permissionKind})
	if err != nil {
		return nil, fmt.Errorf("%w: registration code request payload: %v", ErrSerialization, err)
	}
	return newPlain(sender, recipient, "", string(raw), SchemaRegistrationCodeRequest, at), nil
}

// NewRegistrationCodeUse redeems a registration code.
func NewRegistrationCodeUse(sender, recipient identity.Identity, use RegistrationCodeUse, at time.Time) (*Envelope, error) {
	raw, err := json.Marshal(use)
	if err != nil {
		return nil, fmt.Errorf("%w: registration code use payload: %v", ErrSerialization, err)
	}
	return newPlain(sender, recipient, "", string(raw), SchemaRegistrationCodeUse, at), nil
}

// DecodeJobCreation parses the raw content of a SchemaJobCreation
// message.
func DecodeJobCreation(d *Data) (JobCreation, error) {
	var jc JobCreation
	if d.ContentSchema != SchemaJobCreation {
		return jc, fmt.Errorf("%w: schema %q is not a job creation", ErrMalformed, d.ContentSchema)
	}
	if err := json.Unmarshal([]byte(d.RawContent), &jc); err != nil {
		return jc, fmt.Errorf("%w: job creation payload: %v", ErrMalformed, err)
	}
	return jc, nil
}

// DecodeJobMessage parses the raw content of a SchemaJobMessage
// message.
func DecodeJobMessage(d *Data) (JobMessage, error) {
	var jm JobMessage
	if d.ContentSchema != SchemaJobMessage {
		return jm, fmt.Errorf("%w: schema %q is not a job message", ErrMalformed, d.ContentSchema)
	}
	if err := json.Unmarshal([]byte(d.RawContent), &jm); err != nil {
		return jm, fmt.Errorf("%w: job message payload: %v", ErrMalformed, err)
	}
	if jm.JobID == "" {
		return jm, fmt.Errorf("%w: job message missing job id", ErrMalformed)
	}
	return jm, nil
}
