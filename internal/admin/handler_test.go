package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/lifecycle"
	"github.com/iamdhrv/voice-vite/internal/notify"
	"github.com/iamdhrv/voice-vite/internal/reconcile"
	"github.com/iamdhrv/voice-vite/internal/registry"
	"github.com/iamdhrv/voice-vite/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	eventID = "550e8400-e29b-41d4-a716-446655440000"
	guestID = "550e8400-e29b-41d4-a716-446655440001"
)

var now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	router *gin.Engine
	store  *store.BBoltStore
	reg    *registry.Registry
}

func setupAdminRouter(t *testing.T) fixture {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewBBoltStore(dbPath)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	err = s.Seed(
		[]invite.Event{{ID: eventID, HostName: "Noa", StartsAt: now.Add(30 * 24 * time.Hour), Status: invite.EventActive, VoiceProfileID: "vp-1"}},
		[]invite.Guest{{ID: guestID, EventID: eventID, Name: "Dana", Phone: "+15550000001", State: invite.StateNotContacted, RSVP: invite.RSVPNone, Reminder: invite.ReminderNone}},
	)
	if err != nil {
		t.Fatalf("failed to seed: %v", err)
	}

	reg := registry.New(s, lifecycle.DefaultPolicy(), 48*time.Hour)
	rec := reconcile.New(s, s, s, notify.LogNotifier{}, reconcile.Retry{MaxTries: 1})
	h := NewHandler(reg, s, s, rec)
	h.Now = func() time.Time { return now }

	r := gin.New()
	RegisterHandlers(r, h)
	return fixture{router: r, store: s, reg: reg}
}

func (f fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	f.router.ServeHTTP(w, req)
	return w
}

func TestHandler_CorrectRSVP_Expected(t *testing.T) {
	f := setupAdminRouter(t)

	w := f.do(http.MethodPost, "/admin/guests/"+guestID+"/corrections", Correction{RSVP: "no", Note: "told the host by text"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var g invite.Guest
	if err := json.NewDecoder(w.Body).Decode(&g); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if g.RSVP != invite.RSVPNo || g.State != invite.StateRSVPRecorded {
		t.Fatalf("unexpected guest: %+v", g)
	}

	w = f.do(http.MethodGet, "/admin/events/"+eventID+"/records", nil)
	var recs []invite.RSVPRecord
	_ = json.NewDecoder(w.Body).Decode(&recs)
	if len(recs) != 1 || recs[0].Response != invite.RSVPNo {
		t.Fatalf("expected the correction in the record store, got %+v", recs)
	}
}

func TestHandler_CorrectRSVP_Invalid(t *testing.T) {
	f := setupAdminRouter(t)

	w := f.do(http.MethodPost, "/admin/guests/"+guestID+"/corrections", Correction{RSVP: "none"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}

	w = f.do(http.MethodPost, "/admin/guests/"+guestID+"/corrections", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without rsvp, got %d", w.Code)
	}
}

func TestHandler_CorrectRSVP_WhilePending(t *testing.T) {
	f := setupAdminRouter(t)

	if _, _, err := f.reg.BeginAttempt(context.Background(), guestID, invite.PurposeInvitation, now, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := f.do(http.MethodPost, "/admin/guests/"+guestID+"/corrections", Correction{RSVP: "yes"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
}

func TestHandler_ListAttempts(t *testing.T) {
	f := setupAdminRouter(t)

	w := f.do(http.MethodGet, "/admin/guests/"+guestID+"/attempts", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if body := w.Body.String(); body != "[]" {
		t.Fatalf("expected empty list, got %s", body)
	}

	w = f.do(http.MethodGet, "/admin/guests/nobody/attempts", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandler_DeriveGuest(t *testing.T) {
	f := setupAdminRouter(t)

	if _, _, err := f.reg.Correct(context.Background(), guestID, invite.RSVPYes, "", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	w := f.do(http.MethodGet, "/admin/guests/"+guestID+"/derive", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var d registry.Derivation
	if err := json.NewDecoder(w.Body).Decode(&d); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !d.Match || d.Derived.RSVP != invite.RSVPYes {
		t.Fatalf("expected derived state to match, got %+v", d)
	}
}

func TestHandler_AlertsRetry(t *testing.T) {
	f := setupAdminRouter(t)
	ctx := context.Background()

	w := f.do(http.MethodGet, "/admin/alerts", nil)
	if body := w.Body.String(); w.Code != http.StatusOK || body != "[]" {
		t.Fatalf("expected empty alert list, got %d %s", w.Code, body)
	}

	a, _, err := f.reg.Correct(ctx, guestID, invite.RSVPMaybe, "", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = f.store.RaiseAlert(ctx, invite.Alert{AttemptID: a.ID, GuestID: guestID, EventID: eventID, LastError: "record store down", Tries: 3, RaisedAt: now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w = f.do(http.MethodGet, "/admin/alerts", nil)
	var alerts []invite.Alert
	_ = json.NewDecoder(w.Body).Decode(&alerts)
	if len(alerts) != 1 {
		t.Fatalf("expected 1 open alert, got %d", len(alerts))
	}

	w = f.do(http.MethodPost, "/admin/alerts/retry", nil)
	var res RetryResult
	_ = json.NewDecoder(w.Body).Decode(&res)
	if w.Code != http.StatusOK || res.Resolved != 1 {
		t.Fatalf("expected 1 resolved, got %d %+v", w.Code, res)
	}

	w = f.do(http.MethodGet, "/admin/alerts", nil)
	if body := w.Body.String(); body != "[]" {
		t.Fatalf("expected no open alerts, got %s", body)
	}
	w = f.do(http.MethodGet, "/admin/alerts?all=true", nil)
	alerts = nil
	_ = json.NewDecoder(w.Body).Decode(&alerts)
	if len(alerts) != 1 || alerts[0].ResolvedAt == nil {
		t.Fatalf("expected resolved alert in the full list, got %+v", alerts)
	}
}

func TestHandler_ReplayEvent(t *testing.T) {
	f := setupAdminRouter(t)

	if _, _, err := f.reg.Correct(context.Background(), guestID, invite.RSVPYes, "", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i, want := range []int{1, 0} {
		w := f.do(http.MethodPost, "/admin/events/"+eventID+"/replay", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("replay %d: expected 200, got %d", i, w.Code)
		}
		var res ReplayResult
		_ = json.NewDecoder(w.Body).Decode(&res)
		if res.Written != want {
			t.Fatalf("replay %d: expected %d written, got %d", i, want, res.Written)
		}
	}
}
