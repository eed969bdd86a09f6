package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

func (s *BBoltStore) Enqueue(_ context.Context, attemptID string, result invite.CallResult, at time.Time) (Delivery, error) {
	d := Delivery{AttemptID: attemptID, Result: result, ReceivedAt: at, NotBefore: at}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("outcome sequence: %w", err)
		}
		d.Seq = seq
		return putJSON(b, seqKey(seq), d)
	})
	if err != nil {
		return Delivery{}, fmt.Errorf("enqueueing outcome for attempt %s: %w", attemptID, err)
	}
	return d, nil
}

// Claim leases up to max deliveries that are due at now, oldest first.
func (s *BBoltStore) Claim(_ context.Context, now time.Time, lease time.Duration, max int) ([]Delivery, error) {
	var out []Delivery
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		c := b.Cursor()
		// Reason: collect first, bbolt cursors must not see writes mid-iteration
		var due []Delivery
		for k, v := c.First(); k != nil && len(due) < max; k, v = c.Next() {
			var d Delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("unmarshaling outcome %x: %w", k, err)
			}
			if d.NotBefore.After(now) {
				continue
			}
			if d.LeasedUntil != nil && d.LeasedUntil.After(now) {
				continue
			}
			due = append(due, d)
		}
		until := now.Add(lease)
		for _, d := range due {
			d.LeasedUntil = &until
			d.Tries++
			if err := putJSON(b, seqKey(d.Seq), d); err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BBoltStore) Ack(_ context.Context, seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketOutcomes).Delete(seqKey(seq))
	})
}

func (s *BBoltStore) Nack(_ context.Context, seq uint64, retryAt time.Time, cause error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutcomes)
		var d Delivery
		found, err := getJSON(b, seqKey(seq), &d)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("outcome %d: %w", seq, invite.ErrNotFound)
		}
		d.LeasedUntil = nil
		d.NotBefore = retryAt
		if cause != nil {
			d.LastError = cause.Error()
		}
		return putJSON(b, seqKey(seq), d)
	})
}

func (s *BBoltStore) QueueDepth(_ context.Context) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketOutcomes).Stats().KeyN
		return nil
	})
	return n, err
}
