package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

func (s *BBoltStore) WriteRSVP(_ context.Context, rec invite.RSVPRecord, idempotencyKey string) (bool, error) {
	if idempotencyKey == "" {
		return false, invite.Invalid("idempotency_key", "is required")
	}
	rec.IdempotencyKey = idempotencyKey

	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRSVPs)
		if rb.Get([]byte(idempotencyKey)) != nil {
			return nil
		}
		if err := putJSON(rb, []byte(idempotencyKey), rec); err != nil {
			return err
		}
		inserted = true

		// Reason: the summary counts only the newest answer of each guest
		lb := tx.Bucket(bucketRSVPLatest)
		latestKey := join(rec.EventID, rec.GuestID)
		if prevKey := lb.Get(latestKey); prevKey != nil {
			var prev invite.RSVPRecord
			if _, err := getJSON(rb, prevKey, &prev); err != nil {
				return err
			}
			if prev.RecordedAt.After(rec.RecordedAt) {
				return nil
			}
		}
		return lb.Put(latestKey, []byte(idempotencyKey))
	})
	if err != nil {
		return false, fmt.Errorf("writing rsvp %s: %w", idempotencyKey, err)
	}
	return inserted, nil
}

func (s *BBoltStore) ReadRSVPs(_ context.Context, q RSVPQuery) ([]invite.RSVPRecord, error) {
	var out []invite.RSVPRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRSVPs).ForEach(func(k, v []byte) error {
			var r invite.RSVPRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshaling rsvp %s: %w", string(k), err)
			}
			if q.EventID != "" && r.EventID != q.EventID {
				return nil
			}
			if q.GuestID != "" && r.GuestID != q.GuestID {
				return nil
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (s *BBoltStore) RSVPSummary(_ context.Context, eventID string) (invite.RSVPSummary, error) {
	sum := invite.RSVPSummary{EventID: eventID}
	err := s.db.View(func(tx *bolt.Tx) error {
		rb := tx.Bucket(bucketRSVPs)
		prefix := join(eventID, "")
		c := tx.Bucket(bucketRSVPLatest).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r invite.RSVPRecord
			if _, err := getJSON(rb, v, &r); err != nil {
				return err
			}
			sum.Add(r.Response)
		}
		return nil
	})
	return sum, err
}

func (s *BBoltStore) RaiseAlert(_ context.Context, a invite.Alert) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		var prev invite.Alert
		found, err := getJSON(b, []byte(a.AttemptID), &prev)
		if err != nil {
			return err
		}
		if found {
			// Reason: keep the first raise time across repeated failures
			a.RaisedAt = prev.RaisedAt
			a.Tries += prev.Tries
		}
		return putJSON(b, []byte(a.AttemptID), a)
	})
}

func (s *BBoltStore) ResolveAlert(_ context.Context, attemptID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAlerts)
		var a invite.Alert
		found, err := getJSON(b, []byte(attemptID), &a)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("alert %s: %w", attemptID, invite.ErrNotFound)
		}
		if a.ResolvedAt != nil {
			return nil
		}
		a.ResolvedAt = &at
		return putJSON(b, []byte(attemptID), a)
	})
}

func (s *BBoltStore) ListAlerts(_ context.Context, openOnly bool) ([]invite.Alert, error) {
	var out []invite.Alert
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAlerts).ForEach(func(k, v []byte) error {
			var a invite.Alert
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("unmarshaling alert %s: %w", string(k), err)
			}
			if openOnly && a.ResolvedAt != nil {
				return nil
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out, nil
}
