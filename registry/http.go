// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weft-foundation/weft/lib/identity"
	"github.com/weft-foundation/weft/lib/netutil"
)

// HTTPRegistry queries a naming registry over its JSON API:
// GET {base}/v1/identities/{name} returns a Record, 404 means the
// identity is not registered.
type HTTPRegistry struct {
	baseURL string
	client  *http.Client
}

var _ Registry = (*HTTPRegistry)(nil)

// NewHTTPRegistry returns a client for the registry at baseURL. A
// nil client gets a 10 second timeout; registry lookups sit on the
// send path and must fail fast rather than stall a dispatch.
func NewHTTPRegistry(baseURL string, client *http.Client) *HTTPRegistry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRegistry{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Lookup implements Registry.
func (r *HTTPRegistry) Lookup(ctx context.Context, id identity.Identity) (Record, error) {
	lookupURL := r.baseURL + "/v1/identities/" + url.PathEscape(id.NodeIdentity().String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, lookupURL, nil)
	if err != nil {
		return Record{}, fmt.Errorf("registry: building request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrRegistryUnreachable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var record Record
		if err := netutil.DecodeResponse(resp.Body, &record); err != nil {
			return Record{}, fmt.Errorf("%w: decoding record: %v", ErrRegistryUnreachable, err)
		}
		return record, nil
	case resp.StatusCode == http.StatusNotFound:
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
	case resp.StatusCode >= 500:
		return Record{}, fmt.Errorf("%w: registry returned %d: %s",
			ErrRegistryUnreachable, resp.StatusCode, netutil.ErrorBody(resp.Body))
	default:
		return Record{}, fmt.Errorf("registry: unexpected status %d: %s",
			resp.StatusCode, netutil.ErrorBody(resp.Body))
	}
}
