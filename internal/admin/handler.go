package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/registry"
	"github.com/iamdhrv/voice-vite/internal/store"
)

// Reconciler is the part of the reconciler the operator can drive by hand.
type Reconciler interface {
	Commit(ctx context.Context, a invite.Attempt) error
	RetryAlerts(ctx context.Context) (int, error)
	Replay(ctx context.Context, eventID string) (int, error)
}

type Handler struct {
	reg        *registry.Registry
	records    store.RecordStore
	alerts     store.AlertStore
	reconciler Reconciler

	Now func() time.Time
}

func NewHandler(reg *registry.Registry, records store.RecordStore, alerts store.AlertStore, rec Reconciler) *Handler {
	return &Handler{
		reg:        reg,
		records:    records,
		alerts:     alerts,
		reconciler: rec,
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

var _ ServerInterface = (*Handler)(nil)

func (h *Handler) ListAlerts(c *gin.Context) {
	openOnly := c.Query("all") != "true"
	alerts, err := h.alerts.ListAlerts(c.Request.Context(), openOnly)
	if err != nil {
		log.WithError(err).Error("failed to list alerts")
		c.JSON(http.StatusInternalServerError, Error{Message: "internal error"})
		return
	}
	if alerts == nil {
		alerts = []invite.Alert{}
	}
	c.JSON(http.StatusOK, alerts)
}

func (h *Handler) RetryAlerts(c *gin.Context) {
	n, err := h.reconciler.RetryAlerts(c.Request.Context())
	if err != nil {
		log.WithError(err).Error("failed to retry alerts")
		c.JSON(http.StatusInternalServerError, Error{Message: "internal error"})
		return
	}
	c.JSON(http.StatusOK, RetryResult{Resolved: n})
}

func (h *Handler) ListRecords(c *gin.Context, eventID string) {
	recs, err := h.records.ReadRSVPs(c.Request.Context(), store.RSVPQuery{EventID: eventID})
	if err != nil {
		log.WithError(err).WithField("event_id", eventID).Error("failed to read rsvp records")
		c.JSON(http.StatusInternalServerError, Error{Message: "internal error"})
		return
	}
	if recs == nil {
		recs = []invite.RSVPRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (h *Handler) ReplayEvent(c *gin.Context, eventID string) {
	n, err := h.reconciler.Replay(c.Request.Context(), eventID)
	if err != nil {
		writeError(c, err, log.WithField("event_id", eventID))
		return
	}
	c.JSON(http.StatusOK, ReplayResult{EventID: eventID, Written: n})
}

func (h *Handler) ListAttempts(c *gin.Context, guestID string) {
	attempts, err := h.reg.Attempts(c.Request.Context(), guestID)
	if err != nil {
		writeError(c, err, log.WithField("guest_id", guestID))
		return
	}
	if attempts == nil {
		attempts = []invite.Attempt{}
	}
	c.JSON(http.StatusOK, attempts)
}

func (h *Handler) DeriveGuest(c *gin.Context, guestID string) {
	d, err := h.reg.Derive(c.Request.Context(), guestID, h.Now())
	if err != nil {
		writeError(c, err, log.WithField("guest_id", guestID))
		return
	}
	c.JSON(http.StatusOK, d)
}

// CorrectRSVP appends a correction attempt and pushes it to the record store
// straight away. A failed push stays visible as an alert.
func (h *Handler) CorrectRSVP(c *gin.Context, guestID string) {
	var body Correction
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Error{Message: "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	logger := log.WithField("guest_id", guestID)
	attempt, guest, err := h.reg.Correct(ctx, guestID, invite.RSVPStatus(body.RSVP), body.Note, h.Now())
	if err != nil {
		writeError(c, err, logger)
		return
	}
	logger = logger.WithField("attempt_id", attempt.ID)
	if err := h.reconciler.Commit(ctx, attempt); err != nil {
		logger.WithError(err).Error("correction not yet in the record store")
		c.JSON(http.StatusAccepted, guest)
		return
	}
	logger.WithField("rsvp", body.RSVP).Info("rsvp corrected")
	c.JSON(http.StatusOK, guest)
}

func writeError(c *gin.Context, err error, logger *log.Entry) {
	switch {
	case errors.Is(err, invite.ErrValidation):
		c.JSON(http.StatusBadRequest, Error{Message: err.Error()})
	case errors.Is(err, invite.ErrNotFound):
		c.JSON(http.StatusNotFound, Error{Message: "not found"})
	case errors.Is(err, invite.ErrInvalidTransition):
		c.JSON(http.StatusConflict, Error{Message: err.Error()})
	case errors.Is(err, invite.ErrReconciliationFailed):
		c.JSON(http.StatusBadGateway, Error{Message: err.Error()})
	default:
		logger.WithError(err).Error("admin request failed")
		c.JSON(http.StatusInternalServerError, Error{Message: "internal error"})
	}
}
