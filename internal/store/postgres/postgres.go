// Package postgres is a Postgres-backed RecordStore for deployments where the
// host-facing RSVP records live in a shared database.
package postgres

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/store"
)

// RSVPRow is the table layout of one RSVP record.
type RSVPRow struct {
	IdempotencyKey string    `gorm:"primaryKey;size:64"`
	GuestID        string    `gorm:"size:64;not null;index:idx_rsvp_event_guest"`
	EventID        string    `gorm:"size:64;not null;index:idx_rsvp_event_guest"`
	Response       string    `gorm:"type:varchar(10);not null"`
	Summary        string    `gorm:"type:text"`
	SpecialRequest string    `gorm:"type:text"`
	ReminderWanted bool      `gorm:"not null;default:false"`
	RecordedAt     time.Time `gorm:"not null;index"`
}

func (RSVPRow) TableName() string { return "rsvp_records" }

type Store struct {
	db *gorm.DB
}

var _ store.RecordStore = (*Store)(nil)

// Open connects to dsn and migrates the rsvp_records table.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return New(db)
}

func New(db *gorm.DB) (*Store, error) {
	log.Info("migrating rsvp_records table")
	if err := db.AutoMigrate(&RSVPRow{}); err != nil {
		return nil, fmt.Errorf("migrating rsvp_records: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) WriteRSVP(ctx context.Context, rec invite.RSVPRecord, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, invite.Invalid("idempotency_key", "is required")
	}
	row := RSVPRow{
		IdempotencyKey: idempotencyKey,
		GuestID:        rec.GuestID,
		EventID:        rec.EventID,
		Response:       string(rec.Response),
		Summary:        rec.Summary,
		SpecialRequest: rec.SpecialRequest,
		ReminderWanted: rec.ReminderWanted,
		RecordedAt:     rec.RecordedAt,
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "idempotency_key"}}, DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return false, invite.Transient("writing rsvp "+idempotencyKey, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) ReadRSVPs(ctx context.Context, q store.RSVPQuery) ([]invite.RSVPRecord, error) {
	tx := s.db.WithContext(ctx).Model(&RSVPRow{})
	if q.EventID != "" {
		tx = tx.Where("event_id = ?", q.EventID)
	}
	if q.GuestID != "" {
		tx = tx.Where("guest_id = ?", q.GuestID)
	}
	var rows []RSVPRow
	if err := tx.Order("recorded_at ASC").Find(&rows).Error; err != nil {
		return nil, invite.Transient("reading rsvps", err)
	}
	out := make([]invite.RSVPRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, invite.RSVPRecord{
			IdempotencyKey: r.IdempotencyKey,
			GuestID:        r.GuestID,
			EventID:        r.EventID,
			Response:       invite.RSVPStatus(r.Response),
			Summary:        r.Summary,
			SpecialRequest: r.SpecialRequest,
			ReminderWanted: r.ReminderWanted,
			RecordedAt:     r.RecordedAt,
		})
	}
	return out, nil
}

// RSVPSummary counts the newest answer of each guest.
func (s *Store) RSVPSummary(ctx context.Context, eventID string) (invite.RSVPSummary, error) {
	sum := invite.RSVPSummary{EventID: eventID}
	var responses []string
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT ON (guest_id) response FROM rsvp_records
		 WHERE event_id = ? ORDER BY guest_id, recorded_at DESC`, eventID,
	).Scan(&responses).Error
	if err != nil {
		return sum, invite.Transient("summarizing rsvps", err)
	}
	for _, r := range responses {
		sum.Add(invite.RSVPStatus(r))
	}
	return sum, nil
}
