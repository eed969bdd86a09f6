package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	openapi_types "github.com/oapi-codegen/runtime/types"
	log "github.com/sirupsen/logrus"

	"github.com/iamdhrv/voice-vite/internal/callplatform"
	"github.com/iamdhrv/voice-vite/internal/intake"
	"github.com/iamdhrv/voice-vite/internal/invite"
	"github.com/iamdhrv/voice-vite/internal/store"
)

// Outcomes is where webhook reports wait until the engine applies them.
// AttemptByHandle maps the platform's call id back to an attempt for reports
// that lost their metadata.
type Outcomes interface {
	Enqueue(ctx context.Context, attemptID string, result invite.CallResult, at time.Time) (store.Delivery, error)
	AttemptByHandle(ctx context.Context, handle string) (invite.Attempt, error)
}

// Handler implements ServerInterface.
type Handler struct {
	intake   *intake.Service
	records  store.RecordStore
	outcomes Outcomes

	Now func() time.Time
}

func NewHandler(in *intake.Service, records store.RecordStore, outcomes Outcomes) *Handler {
	return &Handler{
		intake:   in,
		records:  records,
		outcomes: outcomes,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

var _ ServerInterface = (*Handler)(nil)

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (h *Handler) CreateEvent(c *gin.Context) {
	var body intake.EventInput
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Error{Message: "invalid request body"})
		return
	}
	ev, err := h.intake.CreateEvent(c.Request.Context(), body)
	if err != nil {
		writeError(c, err, log.WithField("host_name", body.HostName))
		return
	}
	c.JSON(http.StatusCreated, ev)
}

func (h *Handler) GetEvent(c *gin.Context, eventID openapi_types.UUID) {
	ev, err := h.intake.GetEvent(c.Request.Context(), eventID.String())
	if err != nil {
		writeError(c, err, log.WithField("event_id", eventID.String()))
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) AttachVoiceProfile(c *gin.Context, eventID openapi_types.UUID) {
	var body VoiceProfile
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Error{Message: "invalid request body"})
		return
	}
	ev, err := h.intake.AttachVoiceProfile(c.Request.Context(), eventID.String(), body.VoiceProfileID)
	if err != nil {
		writeError(c, err, log.WithField("event_id", eventID.String()))
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) ActivateEvent(c *gin.Context, eventID openapi_types.UUID) {
	ev, err := h.intake.Activate(c.Request.Context(), eventID.String())
	if err != nil {
		writeError(c, err, log.WithField("event_id", eventID.String()))
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) CancelEvent(c *gin.Context, eventID openapi_types.UUID) {
	ev, err := h.intake.Cancel(c.Request.Context(), eventID.String())
	if err != nil {
		writeError(c, err, log.WithField("event_id", eventID.String()))
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (h *Handler) ListGuests(c *gin.Context, eventID openapi_types.UUID) {
	statuses, err := h.intake.GuestStatuses(c.Request.Context(), eventID.String())
	if err != nil {
		writeError(c, err, log.WithField("event_id", eventID.String()))
		return
	}
	c.JSON(http.StatusOK, statuses)
}

type guestList struct {
	Guests []intake.GuestInput `json:"guests"`
}

func (h *Handler) IngestGuests(c *gin.Context, eventID openapi_types.UUID) {
	var body guestList
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, Error{Message: "invalid request body"})
		return
	}
	ctx := c.Request.Context()
	logger := log.WithField("event_id", eventID.String())
	if _, err := h.intake.IngestGuests(ctx, eventID.String(), body.Guests); err != nil {
		writeError(c, err, logger)
		return
	}
	statuses, err := h.intake.GuestStatuses(ctx, eventID.String())
	if err != nil {
		writeError(c, err, logger)
		return
	}
	c.JSON(http.StatusCreated, statuses)
}

// GetRSVPSummary reads from the record store only, so hosts never see an
// answer that is not yet durable.
func (h *Handler) GetRSVPSummary(c *gin.Context, eventID openapi_types.UUID) {
	ctx := c.Request.Context()
	logger := log.WithField("event_id", eventID.String())
	if _, err := h.intake.GetEvent(ctx, eventID.String()); err != nil {
		writeError(c, err, logger)
		return
	}
	sum, err := h.records.RSVPSummary(ctx, eventID.String())
	if err != nil {
		writeError(c, err, logger)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) PostCallWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, Error{Message: "invalid request body"})
		return
	}
	rep, ok, err := callplatform.ParseWebhook(payload)
	if err != nil {
		log.WithError(err).Warn("rejected call platform webhook")
		c.JSON(http.StatusBadRequest, Error{Message: err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusAccepted, WebhookAck{Queued: false})
		return
	}

	if rep.AttemptID == "" {
		a, err := h.outcomes.AttemptByHandle(c.Request.Context(), rep.CallHandle)
		if err != nil {
			log.WithError(err).WithField("call_handle", rep.CallHandle).Warn("no attempt for call handle")
			// Reason: the handle is stored right after placement, so a fast report can arrive first; a 5xx makes the platform redeliver
			c.JSON(http.StatusServiceUnavailable, Error{Message: "unknown call, retry later"})
			return
		}
		rep.AttemptID, rep.GuestID = a.ID, a.GuestID
	}

	logger := log.WithFields(log.Fields{"attempt_id": rep.AttemptID, "guest_id": rep.GuestID, "result": rep.Result.Kind})
	if _, err := h.outcomes.Enqueue(c.Request.Context(), rep.AttemptID, rep.Result, h.Now()); err != nil {
		logger.WithError(err).Error("failed to queue call outcome")
		// Reason: a 5xx makes the platform redeliver
		c.JSON(http.StatusInternalServerError, Error{Message: "internal error"})
		return
	}
	logger.Info("call outcome queued")
	c.JSON(http.StatusAccepted, WebhookAck{Queued: true, AttemptID: rep.AttemptID})
}

func writeError(c *gin.Context, err error, logger *log.Entry) {
	switch {
	case errors.Is(err, invite.ErrValidation):
		c.JSON(http.StatusBadRequest, Error{Message: err.Error()})
	case errors.Is(err, invite.ErrNotFound):
		c.JSON(http.StatusNotFound, Error{Message: "not found"})
	case errors.Is(err, invite.ErrInvalidTransition),
		errors.Is(err, invite.ErrVoiceProfileMissing),
		errors.Is(err, invite.ErrEventNotActive):
		c.JSON(http.StatusConflict, Error{Message: err.Error()})
	default:
		logger.WithError(err).Error("request failed")
		c.JSON(http.StatusInternalServerError, Error{Message: "internal error"})
	}
}
