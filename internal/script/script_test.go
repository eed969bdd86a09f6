package script

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

func testEvent() invite.Event {
	return invite.Event{
		ID:                  "ev-1",
		HostName:            "noa levi",
		EventType:           "Birthday",
		StartsAt:            time.Date(2026, 6, 12, 19, 30, 0, 0, time.UTC),
		Location:            "Cafe Nona",
		SpecialInstructions: "none",
		CulturalPreferences: "Mediterranean",
	}
}

func testGuest() invite.Guest {
	return invite.Guest{ID: "g-1", Name: "dana"}
}

func loadTemplates(t *testing.T) *Templates {
	t.Helper()
	tmpl, err := LoadTemplates("")
	if err != nil {
		t.Fatalf("failed to load templates: %v", err)
	}
	return tmpl
}

func TestTemplates_RenderDefault(t *testing.T) {
	tmpl := loadTemplates(t)

	text, err := tmpl.Render(Request{Event: testEvent(), Guest: testGuest(), Purpose: invite.PurposeInvitation, Assistant: "Eva"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"Eva", "Noa Levi", "Dana", "birthday", "Friday, June 12", "7:30 PM", "Cafe Nona", "Mediterranean touch"} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected script to contain %q, got:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Quick note") {
		t.Fatalf("expected placeholder instructions to be dropped, got:\n%s", text)
	}
}

func TestTemplates_EventTypeAndReminder(t *testing.T) {
	tmpl := loadTemplates(t)
	ev := testEvent()
	ev.EventType = "Wedding"

	text, err := tmpl.Render(Request{Event: ev, Guest: testGuest(), Purpose: invite.PurposeReminder})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(text, "reminder") || !strings.Contains(text, "wedding") {
		t.Fatalf("expected wedding reminder, got:\n%s", text)
	}
}

func TestLoadTemplates_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	data := "birthday:\n  invitation: \"Party time, {{.Guest}}!\"\n"
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	tmpl, err := LoadTemplates(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	text, _ := tmpl.Render(Request{Event: testEvent(), Guest: testGuest(), Purpose: invite.PurposeInvitation})
	if text != "Party time, Dana!" {
		t.Fatalf("expected override, got %q", text)
	}
	// reminders fall back to the built-in default
	text, _ = tmpl.Render(Request{Event: testEvent(), Guest: testGuest(), Purpose: invite.PurposeReminder})
	if !strings.Contains(text, "reminder") {
		t.Fatalf("expected default reminder, got %q", text)
	}
}

func TestLoadTemplates_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "templates.yaml")
	if err := os.WriteFile(path, []byte("default:\n  invitation: \"{{.Guest\"\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadTemplates(path); err == nil {
		t.Fatal("expected parse error")
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, Request) (string, error) {
	return "", errors.New("generator down")
}

func TestService_FallsBackOnError(t *testing.T) {
	svc := NewService(failingGenerator{}, loadTemplates(t), time.Second, "Eva")

	text := svc.Script(context.Background(), testEvent(), testGuest(), invite.PurposeInvitation)
	if !strings.Contains(text, "Cafe Nona") {
		t.Fatalf("expected templated script, got %q", text)
	}
}

func TestService_HostPersona(t *testing.T) {
	svc := NewService(nil, loadTemplates(t), 0, "host")

	text := svc.Script(context.Background(), testEvent(), testGuest(), invite.PurposeInvitation)
	if !strings.HasPrefix(text, "Hello, this is Noa Levi") {
		t.Fatalf("expected host persona, got %q", text)
	}
}

func TestHTTPGenerator_Expected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(generateResponse{Script: "Hi " + req.GuestName})
	}))
	defer srv.Close()

	svc := NewService(NewHTTPGenerator(srv.URL, "key", srv.Client()), loadTemplates(t), time.Second, "Eva")
	text := svc.Script(context.Background(), testEvent(), testGuest(), invite.PurposeInvitation)
	if text != "Hi dana" {
		t.Fatalf("expected generated script, got %q", text)
	}
}

func TestHTTPGenerator_TimeoutFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	svc := NewService(NewHTTPGenerator(srv.URL, "", srv.Client()), loadTemplates(t), 50*time.Millisecond, "Eva")
	text := svc.Script(context.Background(), testEvent(), testGuest(), invite.PurposeInvitation)
	if !strings.Contains(text, "Cafe Nona") {
		t.Fatalf("expected templated script after timeout, got %q", text)
	}
}
