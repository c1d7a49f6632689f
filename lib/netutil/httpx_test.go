// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package netutil

import (
	"strings"
	"testing"
)

func TestDecodeResponse(t *testing.T) {
	var v struct {
		Name string `json:"name"`
	}
	if err := DecodeResponse(strings.NewReader(`{"name":"weft"}`), &v); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if v.Name != "weft" {
		t.Fatalf("got %q, want %q", v.Name, "weft")
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	var v map[string]any
	if err := DecodeResponse(strings.NewReader("not json"), &v); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestErrorBodyIgnoresReadErrors(t *testing.T) {
	if got := ErrorBody(strings.NewReader("boom")); got != "boom" {
		t.Fatalf("got %q, want %q", got, "boom")
	}
}
