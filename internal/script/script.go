package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

// Generator produces a call script.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// HTTPGenerator asks a remote script service for the script.
type HTTPGenerator struct {
	url    string
	apiKey string
	client *http.Client
}

func NewHTTPGenerator(url, apiKey string, client *http.Client) *HTTPGenerator {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPGenerator{url: url, apiKey: apiKey, client: client}
}

type generateRequest struct {
	Purpose             string `json:"purpose"`
	Assistant           string `json:"assistant_name"`
	GuestName           string `json:"guest_name"`
	HostName            string `json:"host_name"`
	EventType           string `json:"event_type"`
	EventDate           string `json:"event_date"`
	EventTime           string `json:"event_time"`
	Duration            string `json:"duration,omitempty"`
	Location            string `json:"location"`
	SpecialInstructions string `json:"special_instructions,omitempty"`
	CulturalPreferences string `json:"cultural_preferences,omitempty"`
	RSVPDeadline        string `json:"rsvp_deadline"`
}

type generateResponse struct {
	Script string `json:"script"`
}

func (g *HTTPGenerator) Generate(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(generateRequest{
		Purpose:             string(req.Purpose),
		Assistant:           req.Assistant,
		GuestName:           req.Guest.Name,
		HostName:            req.Event.HostName,
		EventType:           req.Event.EventType,
		EventDate:           req.Event.StartsAt.Format("2006-01-02"),
		EventTime:           req.Event.StartsAt.Format("15:04"),
		Duration:            req.Event.Duration,
		Location:            req.Event.Location,
		SpecialInstructions: req.Event.SpecialInstructions,
		CulturalPreferences: req.Event.CulturalPreferences,
		RSVPDeadline:        req.Event.Deadline().Format("2006-01-02"),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling script request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building script request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", invite.Transient("script generation", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("script generation: unexpected status %d", resp.StatusCode)
	}

	var out generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding script response: %w", err)
	}
	if strings.TrimSpace(out.Script) == "" {
		return "", fmt.Errorf("script generation returned an empty script")
	}
	return out.Script, nil
}

// Service wraps a generator with a timeout and a template fallback.
type Service struct {
	generator Generator
	templates *Templates
	timeout   time.Duration
	assistant string
}

// NewService returns a Service. generator may be nil, in which case every
// script comes from the templates. assistant is the persona name; "host"
// makes the assistant introduce itself with the host's name.
func NewService(generator Generator, templates *Templates, timeout time.Duration, assistant string) *Service {
	return &Service{generator: generator, templates: templates, timeout: timeout, assistant: assistant}
}

// Script never fails: any generator error falls back to the template.
func (s *Service) Script(ctx context.Context, ev invite.Event, g invite.Guest, purpose invite.Purpose) string {
	req := Request{Event: ev, Guest: g, Purpose: purpose, Assistant: s.persona(ev)}
	logger := log.WithFields(log.Fields{"guest_id": g.ID, "event_id": ev.ID})

	if s.generator != nil {
		genCtx := ctx
		if s.timeout > 0 {
			var cancel context.CancelFunc
			genCtx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		text, err := s.generator.Generate(genCtx, req)
		if err == nil {
			return text
		}
		logger.WithError(err).Warn("script generation failed, using template")
	}

	text, err := s.templates.Render(req)
	if err != nil {
		// Reason: a broken override must not stop calls going out
		logger.WithError(err).Error("rendering script template")
		return fmt.Sprintf("Hello %s, this is a call on behalf of %s about their %s on %s at %s. Could you let us know if you can attend?",
			g.Name, ev.HostName, ev.EventType, ev.StartsAt.Format("January 2"), ev.Location)
	}
	return text
}

func (s *Service) persona(ev invite.Event) string {
	if strings.EqualFold(s.assistant, "host") && strings.TrimSpace(ev.HostName) != "" {
		return strings.TrimSpace(ev.HostName)
	}
	return s.assistant
}
