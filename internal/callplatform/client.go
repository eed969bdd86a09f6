// Package callplatform talks to the outbound voice-call platform: placing
// calls and reading the reports it posts back.
package callplatform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

// CallRequest is one outbound call.
type CallRequest struct {
	AttemptID      string
	GuestID        string
	EventID        string
	Purpose        invite.Purpose
	Phone          string
	GuestName      string
	Script         string
	VoiceProfileID string
}

type Client struct {
	baseURL       string
	apiKey        string
	assistantID   string
	phoneNumberID string
	http          *http.Client
}

func NewClient(baseURL, apiKey, assistantID, phoneNumberID string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		assistantID:   assistantID,
		phoneNumberID: phoneNumberID,
		http:          httpClient,
	}
}

type customer struct {
	Number string `json:"number"`
	Name   string `json:"name,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type assistantOverrides struct {
	Voice *struct {
		VoiceID string `json:"voiceId"`
	} `json:"voice,omitempty"`
	Model *struct {
		Messages []message `json:"messages"`
	} `json:"model,omitempty"`
}

type callPayload struct {
	Name               string             `json:"name"`
	AssistantID        string             `json:"assistantId,omitempty"`
	PhoneNumberID      string             `json:"phoneNumberId,omitempty"`
	Customer           customer           `json:"customer"`
	AssistantOverrides assistantOverrides `json:"assistantOverrides"`
	Metadata           Metadata           `json:"metadata"`
}

// Metadata travels with the call and comes back on every webhook.
type Metadata struct {
	AttemptID string `json:"attemptId"`
	GuestID   string `json:"guestId"`
	EventID   string `json:"eventId"`
	Purpose   string `json:"purpose,omitempty"`
}

type callResponse struct {
	ID      string `json:"id"`
	Results []struct {
		ID string `json:"id"`
	} `json:"results"`
}

// PlaceCall asks the platform to dial req.Phone and returns the platform's
// call handle. Network errors, 429 and 5xx responses are transient.
func (c *Client) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	p := callPayload{
		Name:          fmt.Sprintf("%s %s call", req.GuestName, req.Purpose),
		AssistantID:   c.assistantID,
		PhoneNumberID: c.phoneNumberID,
		Customer:      customer{Number: req.Phone, Name: req.GuestName},
		Metadata: Metadata{
			AttemptID: req.AttemptID,
			GuestID:   req.GuestID,
			EventID:   req.EventID,
			Purpose:   string(req.Purpose),
		},
	}
	if req.VoiceProfileID != "" {
		p.AssistantOverrides.Voice = &struct {
			VoiceID string `json:"voiceId"`
		}{VoiceID: req.VoiceProfileID}
	}
	if req.Script != "" {
		p.AssistantOverrides.Model = &struct {
			Messages []message `json:"messages"`
		}{Messages: []message{{Role: "system", Content: req.Script}}}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling call request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/call", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", invite.Transient("place call", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", invite.Transient("place call: reading response", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", invite.Transient("place call", fmt.Errorf("status %d: %s", resp.StatusCode, truncate(data)))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("place call: status %d: %s", resp.StatusCode, truncate(data))
	}

	var out callResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decoding call response: %w", err)
	}
	switch {
	case out.ID != "":
		return out.ID, nil
	case len(out.Results) > 0 && out.Results[0].ID != "":
		return out.Results[0].ID, nil
	}
	return "", fmt.Errorf("place call: response has no call id")
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
