package callplatform

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

func TestPlaceCall_Expected(t *testing.T) {
	var got callPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/call" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"call-123"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "secret", "asst-1", "num-1", srv.Client())
	handle, err := c.PlaceCall(context.Background(), CallRequest{
		AttemptID:      "a-1",
		GuestID:        "g-1",
		EventID:        "ev-1",
		Purpose:        invite.PurposeInvitation,
		Phone:          "+15551234567",
		GuestName:      "Dana",
		Script:         "Hello Dana",
		VoiceProfileID: "voice-9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle != "call-123" {
		t.Fatalf("expected call-123, got %q", handle)
	}
	if got.Metadata.AttemptID != "a-1" || got.Customer.Number != "+15551234567" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.AssistantOverrides.Voice == nil || got.AssistantOverrides.Voice.VoiceID != "voice-9" {
		t.Fatalf("expected voice override, got %+v", got.AssistantOverrides)
	}
}

func TestPlaceCall_ResultsArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[{"id":"call-7"}]}`))
	}))
	defer srv.Close()

	handle, err := NewClient(srv.URL, "k", "", "", srv.Client()).PlaceCall(context.Background(), CallRequest{AttemptID: "a-1"})
	if err != nil || handle != "call-7" {
		t.Fatalf("expected call-7, got %q / %v", handle, err)
	}
}

func TestPlaceCall_ErrorClasses(t *testing.T) {
	cases := []struct {
		status    int
		transient bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		_, err := NewClient(srv.URL, "k", "", "", srv.Client()).PlaceCall(context.Background(), CallRequest{AttemptID: "a-1"})
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		if errors.Is(err, invite.ErrTransientExternal) != tc.transient {
			t.Fatalf("status %d: expected transient=%v, got %v", tc.status, tc.transient, err)
		}
	}
}

func TestPlaceCall_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, "k", "", "", nil).PlaceCall(context.Background(), CallRequest{AttemptID: "a-1"})
	if !errors.Is(err, invite.ErrTransientExternal) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestParseWebhook_EndOfCallAnswered(t *testing.T) {
	payload := `{"message":{"type":"end-of-call-report","endedReason":"customer-ended-call","endedAt":"2026-05-01T10:05:00Z",
		"call":{"id":"call-1","metadata":{"attemptId":"a-1","guestId":"g-1","eventId":"ev-1"}},
		"analysis":{"summary":"Guest will attend","structuredData":{"rsvp_response":"Yes","special_request":"vegetarian","reminder_call_details":"yes please"}}}}`

	rep, ok, err := ParseWebhook([]byte(payload))
	if err != nil || !ok {
		t.Fatalf("expected report, got ok=%v err=%v", ok, err)
	}
	if rep.AttemptID != "a-1" || rep.Result.Kind != invite.ResultAnswered || rep.Result.RSVP != invite.RSVPYes {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if !rep.Result.ReminderRequested || rep.Result.SpecialRequest != "vegetarian" || rep.Result.Summary != "Guest will attend" {
		t.Fatalf("unexpected details: %+v", rep.Result)
	}
	if rep.Result.EndedAt.IsZero() {
		t.Fatal("expected ended at to be parsed")
	}
}

func TestParseWebhook_UnknownAnswerIsNoRSVP(t *testing.T) {
	payload := `{"message":{"type":"end-of-call-report","endedReason":"assistant-ended-call",
		"call":{"metadata":{"attemptId":"a-1"}},"analysis":{"structuredData":{"rsvp_response":"I'll think about it"}}}}`

	rep, ok, err := ParseWebhook([]byte(payload))
	if err != nil || !ok {
		t.Fatalf("expected report, got ok=%v err=%v", ok, err)
	}
	if rep.Result.Kind != invite.ResultAnswered || rep.Result.RSVP != invite.RSVPNone {
		t.Fatalf("expected answered without rsvp, got %+v", rep.Result)
	}
}

func TestParseWebhook_NoAnswerAndReschedule(t *testing.T) {
	noAnswer := `{"message":{"type":"end-of-call-report","endedReason":"customer-did-not-answer","call":{"metadata":{"attemptId":"a-1"}}}}`
	rep, ok, err := ParseWebhook([]byte(noAnswer))
	if err != nil || !ok || rep.Result.Kind != invite.ResultNoAnswer {
		t.Fatalf("expected no answer, got %+v ok=%v err=%v", rep, ok, err)
	}

	resched := `{"type":"end-of-call-report","endedReason":"customer-ended-call","call":{"metadata":{"attemptId":"a-2"}},
		"analysis":{"structuredData":{"alternate_date":"2026-07-01"}}}`
	rep, ok, err = ParseWebhook([]byte(resched))
	if err != nil || !ok || rep.Result.Kind != invite.ResultRescheduleRequested || rep.Result.AlternateDate == nil {
		t.Fatalf("expected reschedule, got %+v ok=%v err=%v", rep, ok, err)
	}
}

func TestParseWebhook_StatusUpdate(t *testing.T) {
	ringing := `{"message":{"type":"status-update","status":"ringing","call":{"metadata":{"attemptId":"a-1"}}}}`
	if _, ok, err := ParseWebhook([]byte(ringing)); ok || err != nil {
		t.Fatalf("expected ringing to be ignored, got ok=%v err=%v", ok, err)
	}

	failed := `{"message":{"type":"status-update","status":"failed","call":{"metadata":{"attemptId":"a-1"}}}}`
	rep, ok, err := ParseWebhook([]byte(failed))
	if err != nil || !ok || rep.Result.Kind != invite.ResultFailed {
		t.Fatalf("expected failure, got %+v ok=%v err=%v", rep, ok, err)
	}
}

func TestParseWebhook_Invalid(t *testing.T) {
	if _, _, err := ParseWebhook([]byte(`not json`)); !errors.Is(err, invite.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	missing := `{"message":{"type":"end-of-call-report","call":{"metadata":{}}}}`
	if _, _, err := ParseWebhook([]byte(missing)); !errors.Is(err, invite.ErrValidation) {
		t.Fatalf("expected validation error for missing attempt id, got %v", err)
	}
	if _, ok, err := ParseWebhook([]byte(`{"message":{"type":"transcript"}}`)); ok || err != nil {
		t.Fatalf("expected transcript to be ignored, got ok=%v err=%v", ok, err)
	}
}

func TestParseWebhook_CallHandleWithoutMetadata(t *testing.T) {
	payload := `{"message":{"type":"end-of-call-report","endedReason":"customer-busy","call":{"id":"call-9"}}}`
	rep, ok, err := ParseWebhook([]byte(payload))
	if err != nil || !ok {
		t.Fatalf("expected report, got ok=%v err=%v", ok, err)
	}
	if rep.AttemptID != "" || rep.CallHandle != "call-9" || rep.Result.Kind != invite.ResultNoAnswer {
		t.Fatalf("expected report keyed by call handle, got %+v", rep)
	}
}
