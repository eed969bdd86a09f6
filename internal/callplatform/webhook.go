package callplatform

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

// Report is an outcome the platform reported for one attempt.
type Report struct {
	// AttemptID is empty when the platform dropped the call metadata; the
	// attempt is then found by CallHandle.
	AttemptID  string
	CallHandle string
	GuestID   string
	EventID   string
	Result    invite.CallResult
}

type webhookEnvelope struct {
	Message *webhookMessage `json:"message"`
}

type webhookMessage struct {
	Type        string `json:"type"`
	Status      string `json:"status"`
	EndedReason string `json:"endedReason"`
	EndedAt     string `json:"endedAt"`
	Call        struct {
		ID       string   `json:"id"`
		Metadata Metadata `json:"metadata"`
	} `json:"call"`
	Analysis struct {
		Summary        string         `json:"summary"`
		StructuredData map[string]any `json:"structuredData"`
	} `json:"analysis"`
}

// Reasons the platform gives when nobody picked up.
var noAnswerReasons = map[string]bool{
	"customer-did-not-answer":       true,
	"customer-busy":                 true,
	"voicemail":                     true,
	"silence-timed-out":             true,
	"customer-did-not-give-consent": true,
}

// ParseWebhook reads a platform callback. ok is false for message types that
// carry no outcome (transcripts, ringing updates and the like).
func ParseWebhook(payload []byte) (Report, bool, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Report{}, false, invite.Invalid("body", "malformed webhook: %v", err)
	}
	msg := env.Message
	if msg == nil {
		// Reason: some deliveries post the message without the envelope
		msg = &webhookMessage{}
		if err := json.Unmarshal(payload, msg); err != nil {
			return Report{}, false, invite.Invalid("body", "malformed webhook: %v", err)
		}
	}

	var res invite.CallResult
	switch msg.Type {
	case "status-update":
		if msg.Status != "failed" {
			return Report{}, false, nil
		}
		res = invite.CallResult{Kind: invite.ResultFailed, Reason: fallbackReason(msg.EndedReason, "call failed")}
	case "end-of-call-report":
		res = endOfCall(msg)
	default:
		return Report{}, false, nil
	}

	md := msg.Call.Metadata
	if md.AttemptID == "" && msg.Call.ID == "" {
		return Report{}, false, invite.Invalid("call.metadata.attemptId", "is required without call.id")
	}
	if msg.EndedAt != "" {
		if ts, err := time.Parse(time.RFC3339, msg.EndedAt); err == nil {
			res.EndedAt = ts.UTC()
		}
	}
	if err := res.Validate(); err != nil {
		return Report{}, false, err
	}
	return Report{AttemptID: md.AttemptID, CallHandle: msg.Call.ID, GuestID: md.GuestID, EventID: md.EventID, Result: res}, true, nil
}

func endOfCall(msg *webhookMessage) invite.CallResult {
	reason := strings.ToLower(msg.EndedReason)
	data := msg.Analysis.StructuredData
	res := invite.CallResult{Summary: msg.Analysis.Summary, Reason: msg.EndedReason}

	switch {
	case noAnswerReasons[reason]:
		res.Kind = invite.ResultNoAnswer
		return res
	case strings.Contains(reason, "error") || strings.Contains(reason, "failed"):
		res.Kind = invite.ResultFailed
		return res
	}

	res.Kind = invite.ResultAnswered
	res.RSVP = NormalizeRSVP(stringField(data, "rsvp_response"))
	res.SpecialRequest = meaningful(stringField(data, "special_request"))
	res.ReminderRequested = truthy(data["reminder_call_details"])
	if alt := stringField(data, "alternate_date"); alt != "" {
		if ts, ok := parseDate(alt); ok {
			res.Kind = invite.ResultRescheduleRequested
			res.AlternateDate = &ts
		}
	}
	return res
}

// NormalizeRSVP maps free-form answers to an RSVP status; anything that is
// not clearly yes, no or maybe is "no usable answer".
func NormalizeRSVP(v string) invite.RSVPStatus {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "yes", "y", "attending", "accept", "accepted":
		return invite.RSVPYes
	case "no", "n", "declined", "decline", "not attending":
		return invite.RSVPNo
	case "maybe", "unsure", "tentative":
		return invite.RSVPMaybe
	}
	return invite.RSVPNone
}

func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

func meaningful(v string) string {
	switch strings.ToLower(v) {
	case "", "none", "no", "n/a", "null":
		return ""
	}
	return v
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "no", "false", "none", "n/a", "null":
			return false
		}
		return true
	case map[string]any:
		if w, ok := t["wants_reminder"]; ok {
			return truthy(w)
		}
		return len(t) > 0
	}
	return false
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02"} {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func fallbackReason(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
