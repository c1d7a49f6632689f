// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// Inbox name grammar. An inbox name is the stable queue identity for
// one conversation:
//
//	inbox::<identity>::...::<identity>::<is_e2e>   (regular inbox)
//	job_inbox::<job id>::false                      (job inbox)
//
// Regular inbox participants are sorted so that every participant
// derives the same name. Job inboxes are keyed by job id alone — a
// job has exactly one home node, so no cross-node canonicalization is
// needed, but the id itself is derived deterministically (see
// DeriveJobID) so the creating device and the node agree on it.
const (
	inboxSeparator   = "::"
	regularPrefix    = "inbox"
	jobPrefix        = "job_inbox"
	maxParticipants  = 100
	jobIDByteLength  = 16
)

// InboxKind discriminates the two inbox grammars.
type InboxKind int

const (
	// InboxRegular is a conversation between two or more identities.
	InboxRegular InboxKind = iota
	// InboxJob is a conversation between an identity and a job.
	InboxJob
)

// Inbox is a parsed inbox name.
type Inbox struct {
	// Kind discriminates regular from job inboxes.
	Kind InboxKind

	// Participants holds the sorted participant identities of a
	// regular inbox. Empty for job inboxes.
	Participants []Identity

	// JobID is the unique job id of a job inbox. Empty for regular
	// inboxes.
	JobID string

	// E2E reports whether the conversation content is end-to-end
	// encrypted (inner-layer encryption between devices, opaque to
	// the nodes). Always false for job inboxes: the processing node
	// must read job content to do inference on it.
	E2E bool

	value string
}

// String returns the canonical inbox name.
func (ib Inbox) String() string { return ib.value }

// QueueName returns the name under which this conversation's messages
// are enqueued in the job queue manager. It is the canonical inbox
// name — one conversation, one queue, one consumer at a time.
func (ib Inbox) QueueName() string { return ib.value }

// MarshalText implements encoding.TextMarshaler.
func (ib Inbox) MarshalText() ([]byte, error) { return []byte(ib.value), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (ib *Inbox) UnmarshalText(text []byte) error {
	parsed, err := ParseInbox(string(text))
	if err != nil {
		return err
	}
	*ib = parsed
	return nil
}

// ParseInbox validates and parses an inbox name string.
func ParseInbox(raw string) (Inbox, error) {
	lowered := strings.ToLower(raw)
	parts := strings.Split(lowered, inboxSeparator)
	if len(parts) < 3 || len(parts) > maxParticipants+2 {
		return Inbox{}, fmt.Errorf("%w: inbox %q has %d parts", ErrMalformed, raw, len(parts))
	}

	isE2E, err := strconv.ParseBool(parts[len(parts)-1])
	if err != nil {
		return Inbox{}, fmt.Errorf("%w: inbox %q trailing part is not a bool", ErrMalformed, raw)
	}

	switch parts[0] {
	case regularPrefix:
		participants := make([]Identity, 0, len(parts)-2)
		for _, part := range parts[1 : len(parts)-1] {
			id, err := Parse(part)
			if err != nil {
				return Inbox{}, fmt.Errorf("inbox %q participant: %w", raw, err)
			}
			participants = append(participants, id)
		}
		return Inbox{
			Kind:         InboxRegular,
			Participants: participants,
			E2E:          isE2E,
			value:        lowered,
		}, nil

	case jobPrefix:
		if isE2E {
			return Inbox{}, fmt.Errorf("%w: job inbox %q cannot be e2e", ErrMalformed, raw)
		}
		if len(parts) != 3 || parts[1] == "" {
			return Inbox{}, fmt.Errorf("%w: job inbox %q needs exactly one non-empty id", ErrMalformed, raw)
		}
		return Inbox{
			Kind:  InboxJob,
			JobID: parts[1],
			value: lowered,
		}, nil

	default:
		return Inbox{}, fmt.Errorf("%w: inbox %q has unknown prefix %q", ErrMalformed, raw, parts[0])
	}
}

// RegularInbox derives the canonical inbox name for a conversation
// between the given identities. Participants are sorted by their
// string form so every side derives the same name regardless of who
// creates the conversation first.
func RegularInbox(participants []Identity, e2e bool) (Inbox, error) {
	if len(participants) < 2 {
		return Inbox{}, fmt.Errorf("%w: regular inbox needs at least two participants", ErrMalformed)
	}
	if len(participants) > maxParticipants {
		return Inbox{}, fmt.Errorf("%w: regular inbox limited to %d participants", ErrMalformed, maxParticipants)
	}

	names := make([]string, len(participants))
	for i, p := range participants {
		if p.IsZero() {
			return Inbox{}, fmt.Errorf("%w: zero participant identity", ErrMalformed)
		}
		names[i] = p.String()
	}
	sort.Strings(names)

	value := regularPrefix + inboxSeparator +
		strings.Join(names, inboxSeparator) + inboxSeparator +
		strconv.FormatBool(e2e)
	return ParseInbox(value)
}

// JobInbox returns the inbox name for a job id.
func JobInbox(jobID string) (Inbox, error) {
	return ParseInbox(jobPrefix + inboxSeparator + jobID + inboxSeparator + "false")
}

// DeriveJobID computes a deterministic job id from the creating
// identity, the creation timestamp, and a hash of the creation
// content (the job scope). The creating device and the receiving node
// both run this derivation over the same job-creation envelope, so
// they agree on the job id — and therefore the queue name — without a
// round trip.
func DeriveJobID(creator Identity, createdAt time.Time, contentHash []byte) string {
	hasher := blake3.New()
	hasher.Write([]byte(creator.String()))
	hasher.Write([]byte(createdAt.UTC().Format(time.RFC3339Nano)))
	hasher.Write(contentHash)
	sum := hasher.Sum(nil)
	return hex.EncodeToString(sum[:jobIDByteLength])
}
