// Package rtc implements the HTTP signaling exchange for the server's WebRTC
// audio path: the client posts an SDP offer and receives the SDP answer.
// Media transport itself stays out of scope here; callers hand the answer to
// their peer-connection stack.
package rtc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SessionDescription mirrors the JSON shape of the signaling endpoint:
// a bare SDP blob plus its type ("offer" or "answer").
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

// SignalingClient exchanges session descriptions with the server.
type SignalingClient struct {
	baseURL string
	http    *http.Client
}

// NewSignalingClient builds a client for the given server base URL.
func NewSignalingClient(baseURL string) *SignalingClient {
	return &SignalingClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Offer posts an SDP offer and returns the server's answer.
func (c *SignalingClient) Offer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.SDP == "" {
		return SessionDescription{}, errors.New("rtc: offer has empty sdp")
	}
	if offer.Type == "" {
		offer.Type = "offer"
	}

	body, err := json.Marshal(offer)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("rtc: marshal offer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rtc/offer", bytes.NewReader(body))
	if err != nil {
		return SessionDescription{}, fmt.Errorf("rtc: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("rtc: post offer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return SessionDescription{}, fmt.Errorf("rtc: server returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	var answer SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		return SessionDescription{}, fmt.Errorf("rtc: decode answer: %w", err)
	}
	if answer.SDP == "" {
		return SessionDescription{}, errors.New("rtc: answer has empty sdp")
	}
	return answer, nil
}
