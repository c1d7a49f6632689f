// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"testing"
	"time"
)

func TestRegularInboxCanonicalOrder(t *testing.T) {
	alice := MustParse("@@alice.weft/main")
	bob := MustParse("@@bob.weft/main")

	fromAlice, err := RegularInbox([]Identity{alice, bob}, false)
	if err != nil {
		t.Fatalf("RegularInbox() error: %v", err)
	}
	fromBob, err := RegularInbox([]Identity{bob, alice}, false)
	if err != nil {
		t.Fatalf("RegularInbox() error: %v", err)
	}

	if fromAlice.String() != fromBob.String() {
		t.Errorf("inbox name depends on participant order: %q != %q",
			fromAlice.String(), fromBob.String())
	}
	want := "inbox::@@alice.weft/main::@@bob.weft/main::false"
	if fromAlice.String() != want {
		t.Errorf("inbox name = %q, want %q", fromAlice.String(), want)
	}
}

func TestRegularInboxValidation(t *testing.T) {
	alice := MustParse("@@alice.weft")
	if _, err := RegularInbox([]Identity{alice}, false); err == nil {
		t.Error("single-participant inbox succeeded, want error")
	}
	if _, err := RegularInbox([]Identity{alice, {}}, false); err == nil {
		t.Error("zero-identity participant succeeded, want error")
	}
}

func TestParseInbox(t *testing.T) {
	inbox, err := ParseInbox("inbox::@@alice.weft/main::@@bob.weft/main::true")
	if err != nil {
		t.Fatalf("ParseInbox() error: %v", err)
	}
	if inbox.Kind != InboxRegular || !inbox.E2E || len(inbox.Participants) != 2 {
		t.Errorf("parsed inbox = %+v", inbox)
	}

	job, err := ParseInbox("job_inbox::abc123::false")
	if err != nil {
		t.Fatalf("ParseInbox() job error: %v", err)
	}
	if job.Kind != InboxJob || job.JobID != "abc123" {
		t.Errorf("parsed job inbox = %+v", job)
	}
}

func TestParseInboxInvalid(t *testing.T) {
	tests := []string{
		"",
		"inbox::@@alice.weft",                    // too few parts
		"inbox::@@alice.weft::@@bob.weft::maybe", // non-bool tail
		"job_inbox::abc::true",                   // e2e job inbox
		"job_inbox::::false",                     // empty job id
		"mailbox::@@alice.weft::@@bob.weft::false",
	}
	for _, raw := range tests {
		if _, err := ParseInbox(raw); err == nil {
			t.Errorf("ParseInbox(%q) succeeded, want error", raw)
		}
	}
}

func TestJobInboxQueueName(t *testing.T) {
	inbox, err := JobInbox("xyz789")
	if err != nil {
		t.Fatalf("JobInbox() error: %v", err)
	}
	if inbox.QueueName() != "job_inbox::xyz789::false" {
		t.Errorf("QueueName() = %q", inbox.QueueName())
	}
}

func TestDeriveJobIDDeterministic(t *testing.T) {
	creator := MustParse("@@alice.weft/main/device/phone")
	createdAt := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	hash := []byte{1, 2, 3, 4}

	first := DeriveJobID(creator, createdAt, hash)
	second := DeriveJobID(creator, createdAt, hash)
	if first != second {
		t.Errorf("DeriveJobID not deterministic: %q != %q", first, second)
	}
	if len(first) != jobIDByteLength*2 {
		t.Errorf("job id length = %d, want %d hex chars", len(first), jobIDByteLength*2)
	}

	// Any input change produces a different id.
	if DeriveJobID(creator, createdAt.Add(time.Nanosecond), hash) == first {
		t.Error("job id did not change with timestamp")
	}
	if DeriveJobID(creator, createdAt, []byte{9}) == first {
		t.Error("job id did not change with content hash")
	}
	if DeriveJobID(MustParse("@@bob.weft"), createdAt, hash) == first {
		t.Error("job id did not change with creator")
	}
}
