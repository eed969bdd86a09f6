package lifecycle

import (
	"fmt"
	"sort"
	"time"

	"github.com/iamdhrv/voice-vite/internal/invite"
)

// Timeline is the event context a replay runs against.
type Timeline struct {
	Deadline   time.Time
	ReminderAt time.Time
	// Active is false once the event is cancelled or completed; the time
	// based transitions stop firing from then on.
	Active bool
	Now    time.Time
}

// Replay rebuilds a guest from its attempt log. The result equals the state
// reached by applying the same attempts live, plus the transitions elapsed
// time would have caused by tl.Now.
func Replay(g invite.Guest, attempts []invite.Attempt, tl Timeline, p Policy) (invite.Guest, error) {
	log := make([]invite.Attempt, len(attempts))
	copy(log, attempts)
	sort.SliceStable(log, func(i, j int) bool { return log[i].Seq < log[j].Seq })

	cur := g.Fresh()
	var err error
	for _, a := range log {
		if a.GuestID != "" && a.GuestID != g.ID {
			return g, fmt.Errorf("attempt %s belongs to guest %s", a.ID, a.GuestID)
		}
		if cur, err = replayOne(cur, a, tl, p); err != nil {
			return g, fmt.Errorf("replay attempt %s (seq %d): %w", a.ID, a.Seq, err)
		}
	}

	if !tl.Active || tl.Now.IsZero() {
		return cur, nil
	}
	if cur.PendingAttemptID == "" && cur.State.Retryable() && !tl.Deadline.IsZero() && tl.Now.After(tl.Deadline) {
		if cur, err = Apply(cur, Event{Kind: DeadlinePassed, At: tl.Now}, p); err != nil {
			return g, err
		}
	}
	if ReminderDue(cur, tl.ReminderAt, tl.Now) {
		if cur, err = Apply(cur, Event{Kind: ReminderQueued, At: tl.Now}, p); err != nil {
			return g, err
		}
	}
	return cur, nil
}

func replayOne(g invite.Guest, a invite.Attempt, tl Timeline, p Policy) (invite.Guest, error) {
	if a.Purpose == invite.PurposeCorrection {
		return Apply(g, Event{Kind: Corrected, At: a.DispatchedAt, AttemptID: a.ID, RSVP: a.RSVP}, p)
	}

	var err error
	if a.Purpose == invite.PurposeReminder && g.Reminder != invite.ReminderQueued {
		if g, err = Apply(g, Event{Kind: ReminderQueued, At: a.DispatchedAt}, p); err != nil {
			return g, err
		}
	}
	g, err = Apply(g, Event{
		Kind:      Dispatched,
		At:        a.DispatchedAt,
		AttemptID: a.ID,
		Purpose:   a.Purpose,
		Deadline:  tl.Deadline,
	}, p)
	if err != nil || a.Pending() {
		return g, err
	}
	return Apply(g, OutcomeOf(a), p)
}
