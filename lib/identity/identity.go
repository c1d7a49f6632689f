// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity defines the hierarchical logical names that address
// everything on the Weft network.
//
// A network-qualified identity has the form
//
//	@@node[/profile[/device/NAME | /agent/NAME]]
//
// The @@ prefix marks the name as network-qualified; names without it
// are purely local references and are rejected by Parse. The node
// component is the unit of key resolution — every identity resolvable
// to keys has a non-empty node component, and sub-identities (profiles,
// devices, agents) inherit the node's network address unless the
// registry record overrides it.
//
// Examples of valid identities:
//
//	@@alice.weft
//	@@alice.weft/main_profile
//	@@alice.weft/main_profile/device/phone
//	@@alice.weft/main_profile/agent/summarizer
//
// Identities are immutable once parsed. The zero Identity is invalid;
// use Parse or MustParse to construct one.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Prefix marks a network-qualified identity string.
const Prefix = "@@"

// MaxLength bounds the full identity string, including the prefix.
// Identities appear in wire frames with a 4-byte length header, in
// queue names, and in registry lookups; the bound keeps all of those
// small and makes hostile inputs cheap to reject.
const MaxLength = 255

// ErrMalformed is wrapped by every parse failure. Resolution layers
// treat errors.Is(err, ErrMalformed) as permanent: a syntactically
// invalid identity never becomes valid by retrying.
var ErrMalformed = errors.New("malformed identity")

// SubKind classifies the third level of an identity hierarchy.
type SubKind string

const (
	// SubNone means the identity stops at the node or profile level.
	SubNone SubKind = ""
	// SubDevice marks a physical device registered under a profile.
	SubDevice SubKind = "device"
	// SubAgent marks an agent registered under a profile.
	SubAgent SubKind = "agent"
)

// allowedChars is the set of characters permitted in identity
// segments: lowercase a-z, 0-9, and the symbols . _ -. Checked via a
// lookup table for O(1) per-character validation.
var allowedChars [256]bool

func init() {
	for c := 'a'; c <= 'z'; c++ {
		allowedChars[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		allowedChars[c] = true
	}
	allowedChars['.'] = true
	allowedChars['_'] = true
	allowedChars['-'] = true
}

// Identity is a parsed, validated network identity. The zero value is
// invalid; construct via Parse.
type Identity struct {
	node    string
	profile string
	subKind SubKind
	subName string
}

// Parse validates and parses a network-qualified identity string.
// Input is lowercased before validation, so @@Alice.Weft and
// @@alice.weft name the same identity. All parse failures wrap
// ErrMalformed.
func Parse(raw string) (Identity, error) {
	lowered := strings.ToLower(strings.TrimSpace(raw))

	if len(lowered) > MaxLength {
		return Identity{}, fmt.Errorf("%w: %d characters exceeds maximum %d", ErrMalformed, len(lowered), MaxLength)
	}
	if !strings.HasPrefix(lowered, Prefix) {
		return Identity{}, fmt.Errorf("%w: %q lacks %q prefix", ErrMalformed, raw, Prefix)
	}

	body := lowered[len(Prefix):]
	if body == "" {
		return Identity{}, fmt.Errorf("%w: empty name after prefix", ErrMalformed)
	}

	segments := strings.Split(body, "/")
	for _, segment := range segments {
		if err := validateSegment(segment); err != nil {
			return Identity{}, fmt.Errorf("%w: %q: %v", ErrMalformed, raw, err)
		}
	}

	id := Identity{node: segments[0]}
	if !strings.Contains(id.node, ".") {
		return Identity{}, fmt.Errorf("%w: node %q must contain a dot", ErrMalformed, id.node)
	}

	switch len(segments) {
	case 1:
		// Node only.
	case 2:
		id.profile = segments[1]
	case 4:
		id.profile = segments[1]
		switch segments[2] {
		case string(SubDevice):
			id.subKind = SubDevice
		case string(SubAgent):
			id.subKind = SubAgent
		default:
			return Identity{}, fmt.Errorf("%w: third segment must be %q or %q, got %q",
				ErrMalformed, SubDevice, SubAgent, segments[2])
		}
		id.subName = segments[3]
	default:
		return Identity{}, fmt.Errorf("%w: %q has %d segments, want 1, 2, or 4", ErrMalformed, raw, len(segments))
	}

	return id, nil
}

// MustParse parses an identity known to be valid at compile time.
// Panics on parse failure — use only for literals in tests and
// configuration defaults that are validated elsewhere.
func MustParse(raw string) Identity {
	id, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return id
}

func validateSegment(segment string) error {
	if segment == "" {
		return errors.New("empty segment")
	}
	for i := 0; i < len(segment); i++ {
		if !allowedChars[segment[i]] {
			return fmt.Errorf("invalid character %q at position %d", segment[i], i)
		}
	}
	if segment[0] == '.' || segment[len(segment)-1] == '.' {
		return errors.New("segment must not start or end with a dot")
	}
	return nil
}

// Node returns the node component, without prefix.
func (i Identity) Node() string { return i.node }

// Profile returns the profile component, or "" for node-level
// identities.
func (i Identity) Profile() string { return i.profile }

// SubKind reports whether the identity names a device, an agent, or
// neither.
func (i Identity) SubKind() SubKind { return i.subKind }

// SubName returns the device or agent name, or "" when SubKind is
// SubNone.
func (i Identity) SubName() string { return i.subName }

// IsZero reports whether the identity is the invalid zero value.
func (i Identity) IsZero() bool { return i.node == "" }

// NodeIdentity strips the identity to its node component. Key
// resolution and network addressing operate at node granularity:
// profile and device routing happens after decryption, inside the
// destination node.
func (i Identity) NodeIdentity() Identity {
	return Identity{node: i.node}
}

// Subidentity returns the part below the node ("profile",
// "profile/device/phone"), or "" for node-level identities. This is
// what travels in the envelope's internal metadata — the external
// metadata carries node-level names only.
func (i Identity) Subidentity() string {
	switch {
	case i.profile == "":
		return ""
	case i.subKind == SubNone:
		return i.profile
	default:
		return i.profile + "/" + string(i.subKind) + "/" + i.subName
	}
}

// WithSubidentity attaches a subidentity string (as produced by
// Subidentity) to the receiver's node.
func (i Identity) WithSubidentity(sub string) (Identity, error) {
	if sub == "" {
		return i.NodeIdentity(), nil
	}
	return Parse(Prefix + i.node + "/" + sub)
}

// Contains reports whether other falls within the receiver's scope:
// a node contains all of its profiles and their devices/agents, a
// profile contains its devices/agents, and every identity contains
// itself.
func (i Identity) Contains(other Identity) bool {
	if i.node != other.node {
		return false
	}
	if i.profile == "" {
		return true
	}
	if i.profile != other.profile {
		return false
	}
	if i.subKind == SubNone {
		return true
	}
	return i.subKind == other.subKind && i.subName == other.subName
}

// String returns the canonical identity string, with prefix.
func (i Identity) String() string {
	var sb strings.Builder
	sb.WriteString(Prefix)
	sb.WriteString(i.node)
	if i.profile != "" {
		sb.WriteByte('/')
		sb.WriteString(i.profile)
		if i.subKind != SubNone {
			sb.WriteByte('/')
			sb.WriteString(string(i.subKind))
			sb.WriteByte('/')
			sb.WriteString(i.subName)
		}
	}
	return sb.String()
}

// MarshalText implements encoding.TextMarshaler so identities encode
// as plain strings in CBOR and JSON.
func (i Identity) MarshalText() ([]byte, error) {
	if i.IsZero() {
		return nil, fmt.Errorf("cannot marshal zero identity")
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Identity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
