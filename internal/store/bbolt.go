package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

var (
	bucketEvents      = []byte("events")
	bucketGuests      = []byte("guests")
	bucketEventGuests = []byte("event_guests")
	bucketPhones      = []byte("guest_phones")
	bucketAttempts    = []byte("attempts")
	bucketAttemptKeys = []byte("attempt_keys")
	bucketPending     = []byte("pending_attempts")
	bucketCallHandles = []byte("call_handles")
	bucketRSVPs       = []byte("rsvps")
	bucketRSVPLatest  = []byte("rsvp_latest")
	bucketAlerts      = []byte("alerts")
	bucketOutcomes    = []byte("outcomes")

	allBuckets = [][]byte{
		bucketEvents, bucketGuests, bucketEventGuests, bucketPhones,
		bucketAttempts, bucketAttemptKeys, bucketPending, bucketCallHandles,
		bucketRSVPs, bucketRSVPLatest, bucketAlerts, bucketOutcomes,
	}
)

type BBoltStore struct {
	db *bolt.DB
}

var (
	_ Store        = (*BBoltStore)(nil)
	_ RecordStore  = (*BBoltStore)(nil)
	_ AlertStore   = (*BBoltStore)(nil)
	_ OutcomeQueue = (*BBoltStore)(nil)
)

func NewBBoltStore(path string) (*BBoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db at %s: %w", path, err)
	}

	// Reason: buckets must exist before any read/write operations
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BBoltStore{db: db}, nil
}

func (s *BBoltStore) Close() error {
	return s.db.Close()
}

func join(parts ...string) []byte {
	return []byte(strings.Join(parts, "/"))
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("unmarshaling %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", key, err)
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

func (s *BBoltStore) CreateEvent(_ context.Context, e invite.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		if b.Get([]byte(e.ID)) != nil {
			return fmt.Errorf("event %s already exists", e.ID)
		}
		return putJSON(b, []byte(e.ID), e)
	})
}

func (s *BBoltStore) GetEvent(_ context.Context, id string) (invite.Event, error) {
	var e invite.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketEvents), []byte(id), &e)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("event %s: %w", id, invite.ErrNotFound)
		}
		return nil
	})
	return e, err
}

func (s *BBoltStore) ListEvents(_ context.Context) ([]invite.Event, error) {
	var events []invite.Event
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEvents).ForEach(func(k, v []byte) error {
			var e invite.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshaling event %s: %w", string(k), err)
			}
			events = append(events, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *BBoltStore) UpdateEvent(_ context.Context, id string, fn func(*invite.Event) error) (invite.Event, error) {
	var e invite.Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		found, err := getJSON(b, []byte(id), &e)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("event %s: %w", id, invite.ErrNotFound)
		}
		if err := fn(&e); err != nil {
			return err
		}
		e.ID = id
		return putJSON(b, []byte(id), e)
	})
	if err != nil {
		return invite.Event{}, err
	}
	return e, nil
}

func (s *BBoltStore) InsertGuests(_ context.Context, guests []invite.Guest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if len(guests) == 0 {
			return nil
		}
		if tx.Bucket(bucketEvents).Get([]byte(guests[0].EventID)) == nil {
			return fmt.Errorf("event %s: %w", guests[0].EventID, invite.ErrNotFound)
		}
		gb := tx.Bucket(bucketGuests)
		eb := tx.Bucket(bucketEventGuests)
		pb := tx.Bucket(bucketPhones)
		for i, g := range guests {
			if g.EventID != guests[0].EventID {
				return invite.InvalidGuest("event_id", "guest %d belongs to event %s, batch is for %s", i, g.EventID, guests[0].EventID)
			}
			phoneKey := join(g.EventID, g.Phone)
			if existing := pb.Get(phoneKey); existing != nil {
				return invite.InvalidGuest("phone", "%s is already on the guest list", g.Phone)
			}
			if gb.Get([]byte(g.ID)) != nil {
				return fmt.Errorf("guest %s already exists", g.ID)
			}
			if err := putJSON(gb, []byte(g.ID), g); err != nil {
				return err
			}
			if err := eb.Put(join(g.EventID, g.ID), []byte{}); err != nil {
				return fmt.Errorf("indexing guest %s: %w", g.ID, err)
			}
			if err := pb.Put(phoneKey, []byte(g.ID)); err != nil {
				return fmt.Errorf("indexing phone of guest %s: %w", g.ID, err)
			}
		}
		return nil
	})
}

func (s *BBoltStore) GetGuest(_ context.Context, id string) (invite.Guest, error) {
	var g invite.Guest
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(bucketGuests), []byte(id), &g)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("guest %s: %w", id, invite.ErrNotFound)
		}
		return nil
	})
	return g, err
}

func (s *BBoltStore) ListGuests(_ context.Context, eventID string) ([]invite.Guest, error) {
	var guests []invite.Guest
	err := s.db.View(func(tx *bolt.Tx) error {
		gb := tx.Bucket(bucketGuests)
		prefix := join(eventID, "")
		c := tx.Bucket(bucketEventGuests).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			id := k[len(prefix):]
			var g invite.Guest
			found, err := getJSON(gb, id, &g)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("guest index points at missing guest %s", id)
			}
			guests = append(guests, g)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return guests, nil
}

type boltGuestTx struct {
	tx    *bolt.Tx
	guest invite.Guest
}

func (t *boltGuestTx) Guest() invite.Guest     { return t.guest }
func (t *boltGuestTx) SetGuest(g invite.Guest) { t.guest = g }

func (t *boltGuestTx) Attempt(id string) (invite.Attempt, error) {
	a, err := readAttempt(t.tx, id)
	if err != nil {
		return a, err
	}
	if a.GuestID != t.guest.ID {
		return invite.Attempt{}, fmt.Errorf("attempt %s of guest %s: %w", id, t.guest.ID, invite.ErrNotFound)
	}
	return a, nil
}

func (t *boltGuestTx) Attempts() ([]invite.Attempt, error) {
	return readAttemptLog(t.tx, t.guest.ID)
}

func (t *boltGuestTx) AppendAttempt(a invite.Attempt) (invite.Attempt, error) {
	b := t.tx.Bucket(bucketAttempts)
	idx := t.tx.Bucket(bucketAttemptKeys)
	if idx.Get([]byte(a.ID)) != nil {
		return a, fmt.Errorf("attempt %s already exists", a.ID)
	}
	seq, err := b.NextSequence()
	if err != nil {
		return a, fmt.Errorf("attempt sequence: %w", err)
	}
	a.Seq = seq
	a.GuestID = t.guest.ID
	a.EventID = t.guest.EventID

	key := attemptKey(a.GuestID, seq)
	if err := putJSON(b, key, a); err != nil {
		return a, err
	}
	if err := idx.Put([]byte(a.ID), key); err != nil {
		return a, fmt.Errorf("indexing attempt %s: %w", a.ID, err)
	}
	if a.Pending() {
		if err := t.tx.Bucket(bucketPending).Put([]byte(a.ID), []byte(a.GuestID)); err != nil {
			return a, fmt.Errorf("marking attempt %s pending: %w", a.ID, err)
		}
	}
	return a, nil
}

func (t *boltGuestTx) PutAttempt(a invite.Attempt) error {
	key := t.tx.Bucket(bucketAttemptKeys).Get([]byte(a.ID))
	if key == nil {
		return fmt.Errorf("attempt %s: %w", a.ID, invite.ErrNotFound)
	}
	key = append([]byte(nil), key...)
	if err := putJSON(t.tx.Bucket(bucketAttempts), key, a); err != nil {
		return err
	}
	if a.CallHandle != "" {
		if err := t.tx.Bucket(bucketCallHandles).Put([]byte(a.CallHandle), []byte(a.ID)); err != nil {
			return fmt.Errorf("indexing call handle of attempt %s: %w", a.ID, err)
		}
	}
	pb := t.tx.Bucket(bucketPending)
	if a.Pending() {
		return pb.Put([]byte(a.ID), []byte(a.GuestID))
	}
	return pb.Delete([]byte(a.ID))
}

func (s *BBoltStore) UpdateGuest(_ context.Context, id string, fn func(GuestTx) error) (invite.Guest, error) {
	var out invite.Guest
	err := s.db.Update(func(tx *bolt.Tx) error {
		gb := tx.Bucket(bucketGuests)
		gtx := &boltGuestTx{tx: tx}
		found, err := getJSON(gb, []byte(id), &gtx.guest)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("guest %s: %w", id, invite.ErrNotFound)
		}
		if err := fn(gtx); err != nil {
			return err
		}
		// Reason: identity is fixed at ingestion
		gtx.guest.ID = id
		out = gtx.guest
		return putJSON(gb, []byte(id), gtx.guest)
	})
	if err != nil {
		return invite.Guest{}, err
	}
	return out, nil
}

func attemptKey(guestID string, seq uint64) []byte {
	return join(guestID, fmt.Sprintf("%016x", seq))
}

func readAttempt(tx *bolt.Tx, id string) (invite.Attempt, error) {
	var a invite.Attempt
	key := tx.Bucket(bucketAttemptKeys).Get([]byte(id))
	if key == nil {
		return a, fmt.Errorf("attempt %s: %w", id, invite.ErrNotFound)
	}
	found, err := getJSON(tx.Bucket(bucketAttempts), key, &a)
	if err != nil {
		return a, err
	}
	if !found {
		return a, fmt.Errorf("attempt index points at missing attempt %s", id)
	}
	return a, nil
}

func readAttemptLog(tx *bolt.Tx, guestID string) ([]invite.Attempt, error) {
	var out []invite.Attempt
	prefix := join(guestID, "")
	c := tx.Bucket(bucketAttempts).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var a invite.Attempt
		if err := json.Unmarshal(v, &a); err != nil {
			return nil, fmt.Errorf("unmarshaling attempt %s: %w", string(k), err)
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *BBoltStore) GetAttempt(_ context.Context, id string) (invite.Attempt, error) {
	var a invite.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		a, err = readAttempt(tx, id)
		return err
	})
	return a, err
}

// AttemptByHandle finds the attempt the platform knows as handle.
func (s *BBoltStore) AttemptByHandle(_ context.Context, handle string) (invite.Attempt, error) {
	var a invite.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketCallHandles).Get([]byte(handle))
		if id == nil {
			return fmt.Errorf("call %s: %w", handle, invite.ErrNotFound)
		}
		var err error
		a, err = readAttempt(tx, string(id))
		return err
	})
	return a, err
}

func (s *BBoltStore) ListAttempts(_ context.Context, guestID string) ([]invite.Attempt, error) {
	var out []invite.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		out, err = readAttemptLog(tx, guestID)
		return err
	})
	return out, err
}

func (s *BBoltStore) PendingAttempts(_ context.Context) ([]invite.Attempt, error) {
	var out []invite.Attempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPending).ForEach(func(k, _ []byte) error {
			a, err := readAttempt(tx, string(k))
			if err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Seed loads events and guests, skipping ids that already exist.
func (s *BBoltStore) Seed(events []invite.Event, guests []invite.Guest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		eb := tx.Bucket(bucketEvents)
		for _, e := range events {
			if eb.Get([]byte(e.ID)) != nil {
				log.WithField("event_id", e.ID).Debug("seed: event already exists, skipping")
				continue
			}
			if err := putJSON(eb, []byte(e.ID), e); err != nil {
				return fmt.Errorf("seeding event %s: %w", e.ID, err)
			}
			log.WithField("event_id", e.ID).Info("seeded event")
		}

		gb := tx.Bucket(bucketGuests)
		for _, g := range guests {
			if gb.Get([]byte(g.ID)) != nil {
				log.WithField("guest_id", g.ID).Debug("seed: guest already exists, skipping")
				continue
			}
			if err := putJSON(gb, []byte(g.ID), g); err != nil {
				return fmt.Errorf("seeding guest %s: %w", g.ID, err)
			}
			if err := tx.Bucket(bucketEventGuests).Put(join(g.EventID, g.ID), []byte{}); err != nil {
				return fmt.Errorf("indexing seed guest %s: %w", g.ID, err)
			}
			if err := tx.Bucket(bucketPhones).Put(join(g.EventID, g.Phone), []byte(g.ID)); err != nil {
				return fmt.Errorf("indexing seed guest phone %s: %w", g.ID, err)
			}
			log.WithField("guest_id", g.ID).Info("seeded guest")
		}
		return nil
	})
}
