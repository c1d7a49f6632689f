// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/weft-foundation/weft/lib/identity"
)

// FrameType distinguishes what a frame carries.
type FrameType byte

const (
	// FrameEnvelope carries one encoded envelope.
	FrameEnvelope FrameType = 0x01

	// FrameVector carries an encoded vector-resource payload. Decoded
	// and re-framed like envelopes; nodes that do not serve vector
	// resources drop it.
	FrameVector FrameType = 0x02

	// FrameControl carries transport-level control payloads, such as
	// a relay registration.
	FrameControl FrameType = 0x03
)

// Frame flags.
const (
	// flagZstd marks a zstd-compressed payload.
	flagZstd byte = 0x01
)

// MaxFrameSize bounds a frame's wire length and, independently, its
// decompressed payload. A peer announcing a larger frame, or sending a
// small compressed frame that inflates past the cap, is misbehaving;
// the read fails rather than allocate.
const MaxFrameSize = 64 << 20

// compressThreshold is the payload size below which compression is
// not attempted. Small envelopes (acks, pings) gain nothing.
const compressThreshold = 512

// Frame is the unit every backend sends and receives. Recipient is
// the full identity the payload is addressed to; relays route on it
// without decoding the payload.
type Frame struct {
	Recipient identity.Identity
	Type      FrameType
	Payload   []byte
}

// Shared zstd coders. EncodeAll/DecodeAll on nil-writer/reader coders
// are safe for concurrent use. The decoder's memory limit is what
// stops a decompression bomb: DecodeAll refuses to inflate past it.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxFrameSize))
)

// WriteFrame writes one frame to w. The wire layout is:
//
//	total_length  uint32 BE   length of everything after this field
//	identity_len  uint32 BE
//	identity      bytes       recipient identity string
//	type          byte
//	flags         byte        bit 0: payload is zstd-compressed
//	payload       bytes
//
// Payloads at or above compressThreshold are compressed when that
// actually shrinks them.
func WriteFrame(w io.Writer, frame Frame) error {
	recipient := []byte(frame.Recipient.String())

	// Enforced pre-compression so every frame we emit is one the
	// receiver's decompression cap will accept.
	if len(frame.Payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d byte payload", ErrFrameTooLarge, len(frame.Payload))
	}

	payload := frame.Payload
	var flags byte
	if len(payload) >= compressThreshold {
		compressed := zstdEncoder.EncodeAll(payload, nil)
		if len(compressed) < len(payload) {
			payload = compressed
			flags |= flagZstd
		}
	}

	total := 4 + len(recipient) + 1 + 1 + len(payload)
	if total > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	buf := make([]byte, 0, 4+total)
	buf = binary.BigEndian.AppendUint32(buf, uint32(total))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(recipient)))
	buf = append(buf, recipient...)
	buf = append(buf, byte(frame.Type), flags)
	buf = append(buf, payload...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("transport: writing frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r. It fails on malformed headers,
// oversized frames, and truncated streams; a clean EOF at a frame
// boundary surfaces as io.EOF.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, fmt.Errorf("transport: reading frame length: %w", err)
	}
	total := binary.BigEndian.Uint32(header[:])
	if total > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: announced %d bytes", ErrFrameTooLarge, total)
	}
	if total < 4+1+1 {
		return Frame{}, fmt.Errorf("transport: frame of %d bytes is shorter than its header", total)
	}

	body := make([]byte, total)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("transport: reading frame body: %w", err)
	}

	identityLen := binary.BigEndian.Uint32(body[:4])
	if int(identityLen) > len(body)-4-2 {
		return Frame{}, fmt.Errorf("transport: identity length %d exceeds frame", identityLen)
	}
	rest := body[4:]
	recipientRaw := string(rest[:identityLen])
	rest = rest[identityLen:]
	frameType := FrameType(rest[0])
	flags := rest[1]
	payload := rest[2:]

	recipient, err := identity.Parse(recipientRaw)
	if err != nil {
		return Frame{}, fmt.Errorf("transport: frame recipient %q: %w", recipientRaw, err)
	}

	if flags&flagZstd != 0 {
		decompressed, err := zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			if errors.Is(err, zstd.ErrDecoderSizeExceeded) {
				return Frame{}, fmt.Errorf("%w: payload inflates past %d bytes", ErrFrameTooLarge, MaxFrameSize)
			}
			return Frame{}, fmt.Errorf("transport: decompressing frame payload: %w", err)
		}
		payload = decompressed
	} else {
		// body aliases the read buffer; copy so the caller owns it.
		payload = append([]byte(nil), payload...)
	}

	return Frame{Recipient: recipient, Type: frameType, Payload: payload}, nil
}
