package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWriteRSVP_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	eventID := uuid.NewString()
	key := uuid.NewString()
	rec := invite.RSVPRecord{GuestID: "g-1", EventID: eventID, Response: invite.RSVPYes, RecordedAt: time.Now().UTC()}

	inserted, err := s.WriteRSVP(ctx, rec, key)
	if err != nil || !inserted {
		t.Fatalf("expected insert, got %v / %v", inserted, err)
	}
	inserted, err = s.WriteRSVP(ctx, rec, key)
	if err != nil || inserted {
		t.Fatalf("expected no-op on repeat, got %v / %v", inserted, err)
	}

	rows, err := s.ReadRSVPs(ctx, store.RSVPQuery{EventID: eventID})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}

	sum, err := s.RSVPSummary(ctx, eventID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.Yes != 1 || sum.Total != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
}
