package seed

import (
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/store"
)

type SeedData struct {
	Events []invite.Event `json:"events"`
	Guests []invite.Guest `json:"guests"`
}

// LoadFromFile reads seed data from a JSON file and populates the store.
// Returns nil if path is empty (seeding disabled). Guests without a lifecycle
// state start as not contacted.
func LoadFromFile(path string, s *store.BBoltStore) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading seed file %s: %w", path, err)
	}

	var sd SeedData
	if err := json.Unmarshal(data, &sd); err != nil {
		return fmt.Errorf("parsing seed file %s: %w", path, err)
	}

	events := make(map[string]bool, len(sd.Events))
	for _, ev := range sd.Events {
		if ev.ID == "" {
			return fmt.Errorf("seed file %s: event without id", path)
		}
		events[ev.ID] = true
	}
	for i, g := range sd.Guests {
		if !events[g.EventID] {
			return fmt.Errorf("seed file %s: guest %s references unknown event %q", path, g.ID, g.EventID)
		}
		if g.State == "" {
			sd.Guests[i].State = invite.StateNotContacted
		}
		if g.RSVP == "" {
			sd.Guests[i].RSVP = invite.RSVPNone
		}
		if g.Reminder == "" {
			sd.Guests[i].Reminder = invite.ReminderNone
		}
	}

	log.WithFields(log.Fields{"events": len(sd.Events), "guests": len(sd.Guests)}).Info("seeding events from file")

	return s.Seed(sd.Events, sd.Guests)
}
