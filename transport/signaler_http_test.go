// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// signalService is a minimal in-process stand-in for the signaling
// endpoints: it stores published documents and serves them back
// filtered by recipient, consuming on read.
type signalService struct {
	mu      sync.Mutex
	offers  []signalDocument
	answers []signalDocument
}

func (s *signalService) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/signals/offers", func(w http.ResponseWriter, r *http.Request) {
		s.serve(t, w, r, &s.offers)
	})
	mux.HandleFunc("/v1/signals/answers", func(w http.ResponseWriter, r *http.Request) {
		s.serve(t, w, r, &s.answers)
	})
	return mux
}

func (s *signalService) serve(t *testing.T, w http.ResponseWriter, r *http.Request, store *[]signalDocument) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.Method {
	case http.MethodPost:
		var doc signalDocument
		if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		*store = append(*store, doc)
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		recipient := r.URL.Query().Get("for")
		var matched, rest []signalDocument
		for _, doc := range *store {
			if doc.To == recipient {
				matched = append(matched, doc)
			} else {
				rest = append(rest, doc)
			}
		}
		*store = rest
		if matched == nil {
			matched = []signalDocument{}
		}
		if err := json.NewEncoder(w).Encode(matched); err != nil {
			t.Errorf("encoding signals: %v", err)
		}
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func TestHTTPSignalerOfferRoundTrip(t *testing.T) {
	service := &signalService{}
	server := httptest.NewServer(service.handler(t))
	defer server.Close()

	alpha := NewHTTPSignaler(server.URL, nil)
	beta := NewHTTPSignaler(server.URL, nil)
	ctx := context.Background()

	if err := alpha.PublishOffer(ctx, "@@alpha.weft", "@@beta.weft", "offer-sdp"); err != nil {
		t.Fatalf("PublishOffer failed: %v", err)
	}

	offers, err := beta.PollOffers(ctx, "@@beta.weft")
	if err != nil {
		t.Fatalf("PollOffers failed: %v", err)
	}
	if len(offers) != 1 {
		t.Fatalf("got %d offers, want 1", len(offers))
	}
	if offers[0].PeerName != "@@alpha.weft" || offers[0].SDP != "offer-sdp" {
		t.Errorf("offer = %+v", offers[0])
	}

	// Offers for another recipient stay put.
	stray, err := beta.PollOffers(ctx, "@@gamma.weft")
	if err != nil {
		t.Fatalf("PollOffers failed: %v", err)
	}
	if len(stray) != 0 {
		t.Errorf("got %d offers for uninvolved peer, want 0", len(stray))
	}
}

func TestHTTPSignalerAnswerAddressedToOfferer(t *testing.T) {
	service := &signalService{}
	server := httptest.NewServer(service.handler(t))
	defer server.Close()

	beta := NewHTTPSignaler(server.URL, nil)
	alpha := NewHTTPSignaler(server.URL, nil)
	ctx := context.Background()

	// Beta answers alpha's offer; the answer must come back when
	// alpha polls.
	if err := beta.PublishAnswer(ctx, "@@alpha.weft", "@@beta.weft", "answer-sdp"); err != nil {
		t.Fatalf("PublishAnswer failed: %v", err)
	}

	answers, err := alpha.PollAnswers(ctx, "@@alpha.weft")
	if err != nil {
		t.Fatalf("PollAnswers failed: %v", err)
	}
	if len(answers) != 1 {
		t.Fatalf("got %d answers, want 1", len(answers))
	}
	if answers[0].PeerName != "@@beta.weft" || answers[0].SDP != "answer-sdp" {
		t.Errorf("answer = %+v", answers[0])
	}
}

func TestHTTPSignalerServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	signaler := NewHTTPSignaler(server.URL, nil)
	if err := signaler.PublishOffer(context.Background(), "@@a.weft", "@@b.weft", "sdp"); err == nil {
		t.Error("PublishOffer against a failing service returned nil error")
	}
	if _, err := signaler.PollOffers(context.Background(), "@@a.weft"); err == nil {
		t.Error("PollOffers against a failing service returned nil error")
	}
}
