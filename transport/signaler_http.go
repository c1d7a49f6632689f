// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/weft-foundation/weft/lib/netutil"
)

// Compile-time interface check.
var _ Signaler = (*HTTPSignaler)(nil)

// HTTPSignaler exchanges session descriptions through the registry
// service's signaling endpoints. Offers and answers are small JSON
// documents the service holds briefly; both sides poll.
//
//	POST {base}/v1/signals/offers    {"from","to","sdp","timestamp"}
//	GET  {base}/v1/signals/offers?for=<name>
//	POST {base}/v1/signals/answers   (same shape)
//	GET  {base}/v1/signals/answers?for=<name>
type HTTPSignaler struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSignaler returns a signaler against the service at baseURL.
// A nil client gets a 10 second timeout.
func NewHTTPSignaler(baseURL string, client *http.Client) *HTTPSignaler {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSignaler{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type signalDocument struct {
	From      string `json:"from"`
	To        string `json:"to"`
	SDP       string `json:"sdp"`
	Timestamp string `json:"timestamp"`
}

func (s *HTTPSignaler) PublishOffer(ctx context.Context, localName, targetName, sdp string) error {
	return s.publish(ctx, "offers", localName, targetName, sdp)
}

func (s *HTTPSignaler) PublishAnswer(ctx context.Context, offererName, localName, sdp string) error {
	// Answers are addressed back to the offerer.
	return s.publish(ctx, "answers", localName, offererName, sdp)
}

func (s *HTTPSignaler) PollOffers(ctx context.Context, localName string) ([]SignalMessage, error) {
	return s.poll(ctx, "offers", localName)
}

func (s *HTTPSignaler) PollAnswers(ctx context.Context, localName string) ([]SignalMessage, error) {
	return s.poll(ctx, "answers", localName)
}

func (s *HTTPSignaler) publish(ctx context.Context, kind, from, to, sdp string) error {
	doc := signalDocument{
		From:      from,
		To:        to,
		SDP:       sdp,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("transport: encoding signal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/signals/"+kind, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("transport: building signal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("transport: publishing %s signal: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("transport: publishing %s signal: status %d: %s",
			kind, resp.StatusCode, netutil.ErrorBody(resp.Body))
	}
	return nil
}

func (s *HTTPSignaler) poll(ctx context.Context, kind, localName string) ([]SignalMessage, error) {
	pollURL := s.baseURL + "/v1/signals/" + kind + "?for=" + url.QueryEscape(localName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pollURL, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: building poll request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: polling %s: %w", kind, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("transport: polling %s: status %d: %s",
			kind, resp.StatusCode, netutil.ErrorBody(resp.Body))
	}

	var docs []signalDocument
	if err := netutil.DecodeResponse(resp.Body, &docs); err != nil {
		return nil, fmt.Errorf("transport: decoding %s: %w", kind, err)
	}

	messages := make([]SignalMessage, 0, len(docs))
	for _, doc := range docs {
		messages = append(messages, SignalMessage{
			PeerName:  doc.From,
			SDP:       doc.SDP,
			Timestamp: doc.Timestamp,
		})
	}
	return messages, nil
}
